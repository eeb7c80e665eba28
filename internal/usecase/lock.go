package usecase

import (
	"context"
	"log/slog"
	"sync"
)

// conversationSemaphore is a per-conversation mutex using a buffered channel.
// refs counts holders plus waiters and is guarded by conversationLocks.mu.
type conversationSemaphore struct {
	ch   chan struct{}
	refs int
}

func newConversationSemaphore() *conversationSemaphore {
	s := &conversationSemaphore{ch: make(chan struct{}, 1)}
	s.ch <- struct{}{} // initially unlocked
	return s
}

// conversationLocks serializes turns per conversation id. An entry lives only
// while some turn holds or waits on it.
type conversationLocks struct {
	mu     sync.Mutex
	sems   map[string]*conversationSemaphore
	logger *slog.Logger
}

func (l *conversationLocks) ref(conversationID string) *conversationSemaphore {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sems == nil {
		l.sems = make(map[string]*conversationSemaphore)
	}
	sem, ok := l.sems[conversationID]
	if !ok {
		sem = newConversationSemaphore()
		l.sems[conversationID] = sem
	}
	sem.refs++
	return sem
}

func (l *conversationLocks) unref(conversationID string, sem *conversationSemaphore) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem.refs--
	if sem.refs == 0 {
		delete(l.sems, conversationID)
	}
}

func (l *conversationLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sems)
}

// acquire blocks until the conversation is free or ctx is done. A caller that
// has to wait is logged, since overlapping turns usually mean a client resent.
func (l *conversationLocks) acquire(ctx context.Context, conversationID string) (func(), error) {
	sem := l.ref(conversationID)
	var once sync.Once
	release := func() {
		once.Do(func() {
			sem.ch <- struct{}{}
			l.unref(conversationID, sem)
		})
	}

	select {
	case <-sem.ch:
		return release, nil
	default:
	}

	l.logger.Warn("turn already in progress, waiting", "conversation_id", conversationID)
	select {
	case <-sem.ch:
		return release, nil
	case <-ctx.Done():
		l.unref(conversationID, sem)
		return nil, ctx.Err()
	}
}
