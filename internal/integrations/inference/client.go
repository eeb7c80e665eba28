package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistant-agent/internal/domain"
)

// completionPayload accepts the plain {response, tool_calls} shape, the same
// shape wrapped in a {result, success, errors} envelope, and OpenAI-style
// choices.
type completionPayload struct {
	Response  *string            `json:"response"`
	ToolCalls []wireToolCall     `json:"tool_calls"`
	Result    *completionPayload `json:"result"`
	Success   *bool              `json:"success"`
	Errors    []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Choices []struct {
		Message struct {
			Content   *string        `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// wireToolCall tolerates arguments encoded either as a JSON string or as an
// inline object, and the flat {name, arguments} variant some models emit.
type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("inference: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls a remote model endpoint with non-streaming request/response semantics.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyMu  sync.RWMutex
	apiKey string
}

type Option func(*Client)

func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = strings.TrimSpace(endpoint)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client whose bearer token is read from the param store
// on first use and reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("inference: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("inference: parameter prefix must not be empty")
	}
	c := &Client{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.endpoint == "" {
		return nil, errors.New("inference: endpoint must not be empty")
	}
	return c, nil
}

// resolveAPIKey caches only a successful fetch so a failed one is retried on
// the next call.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.RLock()
	key := c.apiKey
	c.keyMu.RUnlock()
	if key != "" {
		return key, nil
	}

	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return "", err
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/inference-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// Complete runs one inference pass. Streaming is always disabled.
func (c *Client) Complete(ctx context.Context, in domain.InferenceRequest) (domain.InferenceResponse, error) {
	if len(in.Messages) == 0 {
		return domain.InferenceResponse{}, errors.New("inference: messages must not be empty")
	}
	in.Stream = false

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.InferenceResponse{}, err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return domain.InferenceResponse{}, fmt.Errorf("inference: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.InferenceResponse{}, fmt.Errorf("inference: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req)
	if err != nil {
		return domain.InferenceResponse{}, fmt.Errorf("inference: request failed: %w", err)
	}

	var payload completionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.InferenceResponse{}, fmt.Errorf("inference: decode response: %w", err)
	}
	return payload.toResponse()
}

func (p *completionPayload) toResponse() (domain.InferenceResponse, error) {
	if p.Success != nil && !*p.Success {
		msgs := make([]string, 0, len(p.Errors))
		for _, e := range p.Errors {
			msgs = append(msgs, e.Message)
		}
		return domain.InferenceResponse{}, fmt.Errorf("inference: backend reported failure: %s", strings.Join(msgs, "; "))
	}
	if p.Result != nil {
		return p.Result.toResponse()
	}

	// A payload with neither text nor tool calls is an idle completion, not
	// an error.
	var out domain.InferenceResponse
	calls := p.ToolCalls
	switch {
	case p.Response != nil || len(p.ToolCalls) > 0:
		if p.Response != nil {
			out.Response = *p.Response
		}
	case len(p.Choices) > 0:
		msg := p.Choices[0].Message
		if msg.Content != nil {
			out.Response = *msg.Content
		}
		calls = msg.ToolCalls
	}

	for _, wc := range calls {
		out.ToolCalls = append(out.ToolCalls, wc.normalize())
	}
	return out, nil
}

func (w wireToolCall) normalize() domain.ToolCall {
	name, args := w.Function.Name, w.Function.Arguments
	if name == "" {
		name, args = w.Name, w.Arguments
	}
	id := strings.TrimSpace(w.ID)
	if id == "" {
		id = newCallID()
	}
	return domain.NewToolCall(id, name, argumentString(args))
}

// argumentString returns the JSON text of the arguments whether they arrived
// as an encoded string or an inline value. Invalid input is passed through so
// the orchestrator can decide how to treat it.
func argumentString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

func (c *Client) doJSONRequest(req *http.Request) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        c.endpoint,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("inference: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("inference: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inference: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("inference: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("inference: API token is empty")
	}
	return tp.Token, nil
}

var newCallID = func() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
