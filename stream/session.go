// Package stream owns the life cycle of one server-sent-event
// subscription per thread: connect, decode, dispatch, disconnect. It
// never reconnects on its own; the orchestrator decides when to retry.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/hasura/promptql-chat-sdk/ids"
	"github.com/hasura/promptql-chat-sdk/sse"
	"github.com/hasura/promptql-chat-sdk/types"
)

const (
	defaultCancelGrace = 3 * time.Second
	eventBufferSize    = 64
	stateBufferSize    = 16
)

// Opener provides the raw byte stream for a thread's events.
// *apiclient.Client satisfies it.
type Opener interface {
	OpenEvents(ctx context.Context, threadID string) (io.ReadCloser, error)
}

// Session multiplexes at most one live event stream at a time. Decoded
// events and connection-state transitions are delivered on channels that
// a single consumer drains in order.
type Session struct {
	opener      Opener
	logger      *log.Logger
	cancelGrace time.Duration
	now         func() time.Time

	mu            sync.Mutex
	state         types.ConnectionState
	lastErr       *types.SessionError
	lastEvent     *types.StreamEvent
	generation    uint64
	cancelRead    context.CancelFunc
	body          io.ReadCloser
	suppressUntil time.Time

	events chan types.StreamEvent
	states chan types.ConnectionState
}

type Option func(*Session)

// WithCancelGrace adjusts the window after a deliberate disconnect during
// which racing read errors are folded into a normal disconnection.
func WithCancelGrace(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.cancelGrace = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opener Opener, logger *log.Logger, opts ...Option) *Session {
	if opener == nil {
		panic("stream: opener is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Session{
		opener:      opener,
		logger:      logger,
		cancelGrace: defaultCancelGrace,
		now:         time.Now,
		state:       types.ConnectionDisconnected,
		events:      make(chan types.StreamEvent, eventBufferSize),
		states:      make(chan types.ConnectionState, stateBufferSize),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Connect tears down any live stream and opens a new one for threadID.
// A malformed thread id moves the session to the error state without
// touching the network. Connect never blocks on I/O; the open and the
// read loop run on a background goroutine.
func (s *Session) Connect(threadID string) {
	if !ids.ValidThreadID(threadID) {
		s.mu.Lock()
		s.lastErr = &types.SessionError{
			Message:  fmt.Sprintf("malformed thread id %q", threadID),
			Code:     types.ErrorCodeInvalidThread,
			ThreadID: threadID,
		}
		s.setStateLocked(types.ConnectionError)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	prevCancel := s.cancelRead
	prevBody := s.body
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRead = cancel
	s.body = nil
	s.lastErr = nil
	s.suppressUntil = time.Time{}
	// Tearing down a previous stream here must not publish an
	// intermediate disconnected transition: the consumer treats
	// disconnected as the natural end of the current stream, and this
	// one is only being replaced. It sees a single hop to connecting.
	s.setStateLocked(types.ConnectionConnecting)
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prevBody != nil {
		_ = prevBody.Close()
	}

	go s.run(ctx, gen, threadID)
}

// Disconnect is idempotent. It invalidates the read loop's generation,
// cancels the in-flight read, clears any stored error and arms the
// deliberate-cancel grace window. Once it returns, the torn-down loop
// can no longer mutate session state or deliver events.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.generation++
	cancel := s.cancelRead
	body := s.body
	s.cancelRead = nil
	s.body = nil
	s.lastErr = nil
	s.suppressUntil = s.now().Add(s.cancelGrace)
	s.setStateLocked(types.ConnectionDisconnected)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if body != nil {
		_ = body.Close()
	}
}

// ClearError drops any stored error; an errored session settles back to
// disconnected so the consumer can issue a fresh Connect.
func (s *Session) ClearError() {
	s.mu.Lock()
	s.lastErr = nil
	if s.state == types.ConnectionError {
		s.setStateLocked(types.ConnectionDisconnected)
	}
	s.mu.Unlock()
}

func (s *Session) Events() <-chan types.StreamEvent {
	return s.events
}

func (s *Session) States() <-chan types.ConnectionState {
	return s.states
}

func (s *Session) State() types.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Err() *types.SessionError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) LastEvent() *types.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastEvent == nil {
		return nil
	}
	event := *s.lastEvent
	return &event
}

func (s *Session) run(ctx context.Context, gen uint64, threadID string) {
	body, err := s.opener.OpenEvents(ctx, threadID)
	if err != nil {
		s.finish(gen, asSessionError(err, threadID))
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		_ = body.Close()
		return
	}
	s.body = body
	s.setStateLocked(types.ConnectionConnected)
	s.mu.Unlock()

	scanErr := sse.Scan(body, func(payload string) error {
		var event types.StreamEvent
		if uerr := json.Unmarshal([]byte(payload), &event); uerr != nil {
			s.logger.Printf("stream: skipping malformed event thread=%s err=%v", threadID, uerr)
			return nil
		}
		s.deliver(gen, event)
		return nil
	})
	_ = body.Close()

	if scanErr != nil {
		s.finish(gen, &types.SessionError{
			Message:  "event stream read failed",
			Code:     types.ErrorCodeSSEConnection,
			ThreadID: threadID,
			Cause:    scanErr,
		})
		return
	}
	s.finish(gen, nil)
}

// deliver forwards one decoded event to the consumer, dropping it when
// the loop's generation has been invalidated by a disconnect.
func (s *Session) deliver(gen uint64, event types.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	recorded := event
	s.lastEvent = &recorded
	select {
	case s.events <- event:
	default:
		s.logger.Printf("stream: dropping %s event because the consumer channel is full", event.Type)
	}
}

// finish applies the read loop's terminal transition. Errors arriving
// inside the deliberate-cancel grace window, or from a stale generation,
// are folded into a clean disconnect.
func (s *Session) finish(gen uint64, serr *types.SessionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.body = nil
	s.cancelRead = nil
	if serr != nil && s.now().Before(s.suppressUntil) {
		serr = nil
	}
	if serr != nil {
		s.lastErr = serr
		s.setStateLocked(types.ConnectionError)
		return
	}
	s.lastErr = nil
	s.setStateLocked(types.ConnectionDisconnected)
}

func (s *Session) setStateLocked(next types.ConnectionState) {
	if s.state == next {
		return
	}
	s.state = next
	select {
	case s.states <- next:
	default:
		s.logger.Printf("stream: dropping %s state transition because the consumer channel is full", next)
	}
}

func asSessionError(err error, threadID string) *types.SessionError {
	if serr, ok := err.(*types.SessionError); ok {
		return serr
	}
	return &types.SessionError{
		Message:  "opening event stream",
		Code:     types.ErrorCodeSSEConnection,
		ThreadID: threadID,
		Cause:    err,
	}
}
