// Package apiclient talks to the playground thread API: starting,
// continuing and cancelling threads, rehydrating history and opening the
// raw event stream consumed by the streaming session.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hasura/promptql-chat-sdk/ids"
	"github.com/hasura/promptql-chat-sdk/sse"
	"github.com/hasura/promptql-chat-sdk/types"
)

const (
	threadsBasePath = "/playground/threads/v2"
	healthPath      = "/playground/healthz"

	defaultRequestTimeout  = 10 * time.Second
	defaultMaxAttempts     = 4
	defaultInitialInterval = 250 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second

	maxErrorBodyBytes = 1 << 20
)

type Client struct {
	baseURL string
	logger  *log.Logger

	// httpClient serves the short JSON calls; streamClient has no overall
	// timeout because event streams stay open indefinitely.
	httpClient   *http.Client
	streamClient *http.Client

	ddnHeaders map[string]string
	timezone   string

	maxAttempts     uint64
	initialInterval time.Duration
	maxInterval     time.Duration
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithStreamClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.streamClient = client
		}
	}
}

// WithDDNHeaders sets the project headers forwarded verbatim in the
// start/continue request body.
func WithDDNHeaders(headers map[string]string) Option {
	return func(c *Client) {
		c.ddnHeaders = headers
	}
}

func WithTimezone(tz string) Option {
	return func(c *Client) {
		if strings.TrimSpace(tz) != "" {
			c.timezone = tz
		}
	}
}

// WithRetry bounds the retry-with-backoff applied to thread calls.
func WithRetry(maxAttempts uint64, initialInterval, maxInterval time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if initialInterval > 0 {
			c.initialInterval = initialInterval
		}
		if maxInterval > 0 {
			c.maxInterval = maxInterval
		}
	}
}

func New(logger *log.Logger, baseURL string, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	c := &Client{
		baseURL:         baseURL,
		logger:          logger,
		httpClient:      &http.Client{Timeout: defaultRequestTimeout},
		streamClient:    &http.Client{},
		timezone:        "UTC",
		maxAttempts:     defaultMaxAttempts,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type threadMessageRequest struct {
	UserMessage string            `json:"user_message"`
	DDNHeaders  map[string]string `json:"ddn_headers"`
	Timezone    string            `json:"timezone"`
}

type startThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

// StartThread creates a new thread seeded with userMessage and returns
// the server-assigned thread id.
func (c *Client) StartThread(ctx context.Context, userMessage string) (string, error) {
	body, err := c.messageBody(userMessage)
	if err != nil {
		return "", err
	}

	var threadID string
	op := func() error {
		respBody, opErr := c.postJSON(ctx, c.baseURL+threadsBasePath+"/start", body, "")
		if opErr != nil {
			return retryDecision(opErr)
		}
		var parsed startThreadResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return backoff.Permanent(&types.SessionError{
				Message: "malformed start thread response",
				Code:    types.ErrorCodeServer,
				Cause:   err,
			})
		}
		if !ids.ValidThreadID(parsed.ThreadID) {
			return backoff.Permanent(&types.SessionError{
				Message: fmt.Sprintf("server returned malformed thread id %q", parsed.ThreadID),
				Code:    types.ErrorCodeServer,
			})
		}
		threadID = parsed.ThreadID
		return nil
	}
	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return "", err
	}
	return threadID, nil
}

// ContinueThread appends userMessage to an existing thread. A 2xx status
// is the whole contract; the body is ignored.
func (c *Client) ContinueThread(ctx context.Context, threadID, userMessage string) error {
	if err := validThreadIDArg(threadID); err != nil {
		return err
	}
	body, err := c.messageBody(userMessage)
	if err != nil {
		return err
	}
	op := func() error {
		_, opErr := c.postJSON(ctx, c.threadURL(threadID)+"/continue", body, threadID)
		return retryDecision(opErr)
	}
	return backoff.Retry(op, c.newBackOff(ctx))
}

// CancelThread asks the server to stop generating for threadID.
func (c *Client) CancelThread(ctx context.Context, threadID string) error {
	if err := validThreadIDArg(threadID); err != nil {
		return err
	}
	op := func() error {
		_, opErr := c.postJSON(ctx, c.threadURL(threadID)+"/cancel", nil, threadID)
		return retryDecision(opErr)
	}
	return backoff.Retry(op, c.newBackOff(ctx))
}

// GetThread rehydrates a thread: it opens the thread's event stream and
// returns the thread carried by the first current_thread_state event.
func (c *Client) GetThread(ctx context.Context, threadID string) (types.Thread, error) {
	if err := validThreadIDArg(threadID); err != nil {
		return types.Thread{}, err
	}

	var thread *types.Thread
	op := func() error {
		stream, opErr := c.OpenEvents(ctx, threadID)
		if opErr != nil {
			return retryDecision(opErr)
		}
		defer func() { _ = stream.Close() }()

		scanErr := sse.Scan(stream, func(payload string) error {
			var event types.StreamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				c.logger.Printf("apiclient: skipping malformed event while rehydrating thread=%s err=%v", threadID, err)
				return nil
			}
			if event.Type == types.StreamEventCurrentThreadState && event.Thread != nil {
				thread = event.Thread
				return sse.Stop
			}
			return nil
		})
		if scanErr != nil {
			return retryDecision(&types.SessionError{
				Message:  "reading thread state stream",
				Code:     types.ErrorCodeSSEConnection,
				ThreadID: threadID,
				Cause:    scanErr,
			})
		}
		if thread == nil {
			return retryDecision(&types.SessionError{
				Message:  "stream ended without a current_thread_state event",
				Code:     types.ErrorCodeSSEConnection,
				ThreadID: threadID,
			})
		}
		return nil
	}
	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return types.Thread{}, err
	}
	return *thread, nil
}

// OpenEvents opens the raw event stream for threadID. The caller owns the
// returned body and must close it.
func (c *Client) OpenEvents(ctx context.Context, threadID string) (io.ReadCloser, error) {
	if err := validThreadIDArg(threadID); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.threadURL(threadID), nil)
	if err != nil {
		return nil, &types.SessionError{
			Message:  "building event stream request",
			Code:     types.ErrorCodeSSEConnection,
			ThreadID: threadID,
			Cause:    err,
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, &types.SessionError{
			Message:  "opening event stream",
			Code:     types.ErrorCodeNetwork,
			ThreadID: threadID,
			Cause:    err,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, classifyStatus(resp.StatusCode, threadID, message)
	}
	if resp.Body == nil {
		return nil, &types.SessionError{
			Message:  "event stream response has no body",
			Code:     types.ErrorCodeSSEConnection,
			ThreadID: threadID,
		}
	}
	return resp.Body, nil
}

// Health probes the playground health endpoint. No retry: the health
// monitor polls on its own schedule.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &types.SessionError{
			Message: "health probe failed",
			Code:    types.ErrorCodeNetwork,
			Cause:   err,
		}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, "", http.StatusText(resp.StatusCode))
	}
	return nil
}

func (c *Client) threadURL(threadID string) string {
	return c.baseURL + threadsBasePath + "/" + threadID
}

func (c *Client) messageBody(userMessage string) ([]byte, error) {
	userMessage = ids.SanitizeMessage(userMessage)
	if userMessage == "" {
		return nil, &types.SessionError{
			Message: "user message is required",
			Code:    types.ErrorCodeValidation,
		}
	}
	headers := c.ddnHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	body, err := json.Marshal(threadMessageRequest{
		UserMessage: userMessage,
		DDNHeaders:  headers,
		Timezone:    c.timezone,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal thread request: %w", err)
	}
	return body, nil
}

// postJSON performs one attempt and returns the response body on 2xx or
// a classified *types.SessionError otherwise.
func (c *Client) postJSON(ctx context.Context, url string, body []byte, threadID string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, &types.SessionError{
			Message:  "building request",
			Code:     types.ErrorCodeNetwork,
			ThreadID: threadID,
			Cause:    err,
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &types.SessionError{
			Message:  "request failed",
			Code:     types.ErrorCodeNetwork,
			ThreadID: threadID,
			Cause:    err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return nil, &types.SessionError{
			Message:  "reading response",
			Code:     types.ErrorCodeNetwork,
			ThreadID: threadID,
			Cause:    err,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(respBody))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, classifyStatus(resp.StatusCode, threadID, message)
	}
	return respBody, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxInterval = c.maxInterval
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, c.maxAttempts-1), ctx)
}

func validThreadIDArg(threadID string) error {
	if !ids.ValidThreadID(threadID) {
		return &types.SessionError{
			Message:  fmt.Sprintf("malformed thread id %q", threadID),
			Code:     types.ErrorCodeInvalidThread,
			ThreadID: threadID,
		}
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	return strings.TrimSpace(string(body))
}
