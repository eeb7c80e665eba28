// Package scheduler turns setReminder calls into durable, apply-once
// reminder entries and delivers them into conversation state when due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"assistant-agent/internal/domain"
)

const (
	defaultArmHorizon  = 24 * time.Hour
	defaultFireTimeout = 10 * time.Second
)

// Store is the durable side of the scheduler.
type Store interface {
	PutReminder(ctx context.Context, r domain.Reminder) error
	// DueReminders returns entries with FireAt at or before until, oldest first.
	DueReminders(ctx context.Context, until time.Time) ([]domain.Reminder, error)
	// ApplyReminder appends text to the conversation's pending reminders and
	// deletes the entry atomically. It reports false when the entry was
	// already applied.
	ApplyReminder(ctx context.Context, r domain.Reminder, text string) (bool, error)
}

// FireRecorder observes reminder deliveries.
type FireRecorder interface {
	ReminderScheduled()
	ReminderFired(applied bool, err error)
}

// Scheduler persists reminders and fires them with in-process timers while
// running. Sweep delivers anything due when no timer is armed.
type Scheduler struct {
	logger      *slog.Logger
	store       Store
	now         func() time.Time
	recorder    FireRecorder
	armHorizon  time.Duration
	fireTimeout time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	wg      conc.WaitGroup
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithRecorder(r FireRecorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// WithArmHorizon bounds how far ahead Start arms timers for stored entries.
func WithArmHorizon(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.armHorizon = d
		}
	}
}

func New(store Store, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("scheduler: store must not be nil")
	}
	s := &Scheduler{
		logger:      slog.Default(),
		store:       store,
		now:         time.Now,
		armHorizon:  defaultArmHorizon,
		fireTimeout: defaultFireTimeout,
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FormatReminder renders the string appended to a conversation's pending
// reminders.
func FormatReminder(fireAt time.Time, message string) string {
	return fmt.Sprintf("Reminder (%s): %s", fireAt.UTC().Format(time.RFC3339), message)
}

// Schedule persists a reminder and returns immediately. When the scheduler
// is running a timer is armed as well.
func (s *Scheduler) Schedule(ctx context.Context, conversationID string, delaySeconds int, message string) (domain.ReminderConfirmation, error) {
	conversationID = strings.TrimSpace(conversationID)
	message = strings.TrimSpace(message)
	if conversationID == "" {
		return domain.ReminderConfirmation{}, errors.New("scheduler: conversation id is required")
	}
	if message == "" {
		return domain.ReminderConfirmation{}, errors.New("scheduler: message is required")
	}
	if delaySeconds < 1 {
		return domain.ReminderConfirmation{}, errors.New("scheduler: delay must be at least one second")
	}

	now := s.now().UTC()
	r := domain.Reminder{
		ID:             newID(),
		ConversationID: conversationID,
		Message:        message,
		FireAt:         now.Add(time.Duration(delaySeconds) * time.Second),
		CreatedAt:      now,
	}
	if err := s.store.PutReminder(ctx, r); err != nil {
		return domain.ReminderConfirmation{}, fmt.Errorf("scheduler: persist reminder: %w", err)
	}
	if s.recorder != nil {
		s.recorder.ReminderScheduled()
	}
	s.arm(r)

	s.logger.Info("reminder scheduled",
		"id", r.ID,
		"conversation_id", conversationID,
		"fire_at", r.FireAt,
	)
	return domain.ReminderConfirmation{Scheduled: true, Message: message, InSeconds: delaySeconds}, nil
}

// Start arms timers for stored entries within the arm horizon and delivers
// anything missed while the process was down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	now := s.now()
	pending, err := s.store.DueReminders(ctx, now.Add(s.armHorizon))
	if err != nil {
		return fmt.Errorf("scheduler: load pending reminders: %w", err)
	}

	missed := 0
	for _, r := range pending {
		if !r.FireAt.After(now) {
			missed++
		}
		s.arm(r)
	}
	s.logger.Info("scheduler started", "armed", len(pending), "missed", missed)
	return nil
}

// Stop cancels every timer and waits for in-flight deliveries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if rec := s.wg.WaitAndRecover(); rec != nil {
		s.logger.Error("reminder delivery panicked", "panic", rec.Value)
	}
	s.logger.Info("scheduler stopped")
}

// Run sweeps on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now()); err != nil {
				s.logger.Warn("reminder sweep failed", "err", err)
			}
		}
	}
}

// Sweep delivers every entry due at now and returns how many were applied.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.DueReminders(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list due reminders: %w", err)
	}

	applied := 0
	var errs []error
	for _, r := range due {
		s.cancelTimer(r.ID)
		ok, err := s.deliver(ctx, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			applied++
		}
	}
	if len(due) > 0 {
		s.logger.Info("reminder sweep", "due", len(due), "applied", applied)
	}
	return applied, errors.Join(errs...)
}

func (s *Scheduler) arm(r domain.Reminder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if t, exists := s.timers[r.ID]; exists {
		t.Stop()
	}

	delay := r.FireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[r.ID] = time.AfterFunc(delay, func() {
		s.onFire(r)
	})
}

func (s *Scheduler) onFire(r domain.Reminder) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, r.ID)
	// Registered under the lock so Stop never waits on a group that is
	// still growing.
	s.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
		defer cancel()
		_, _ = s.deliver(ctx, r)
	})
	s.mu.Unlock()
}

func (s *Scheduler) deliver(ctx context.Context, r domain.Reminder) (bool, error) {
	applied, err := s.store.ApplyReminder(ctx, r, FormatReminder(r.FireAt, r.Message))
	if s.recorder != nil {
		s.recorder.ReminderFired(applied, err)
	}
	if err != nil {
		s.logger.Error("reminder delivery failed", "id", r.ID, "conversation_id", r.ConversationID, "err", err)
		return false, fmt.Errorf("scheduler: apply reminder %s: %w", r.ID, err)
	}
	if !applied {
		s.logger.Debug("reminder already applied", "id", r.ID)
		return false, nil
	}
	s.logger.Info("reminder fired", "id", r.ID, "conversation_id", r.ConversationID)
	return true, nil
}

func (s *Scheduler) cancelTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, exists := s.timers[id]; exists {
		t.Stop()
		delete(s.timers, id)
	}
}

// Armed returns the number of live timers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

var newID = func() string {
	return uuid.NewString()
}
