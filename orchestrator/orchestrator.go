// Package orchestrator composes the thread store, request client and
// streaming session into the single public chat surface: send, cancel,
// new thread, restore, and one snapshot of conversation state.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/hasura/promptql-chat-sdk/conversation"
	"github.com/hasura/promptql-chat-sdk/ids"
	"github.com/hasura/promptql-chat-sdk/threadstore"
	"github.com/hasura/promptql-chat-sdk/types"
)

const (
	defaultCancelGrace   = 3 * time.Second
	defaultCancelTimeout = 10 * time.Second
)

// API is the slice of the request client the orchestrator drives.
type API interface {
	StartThread(ctx context.Context, userMessage string) (string, error)
	ContinueThread(ctx context.Context, threadID, userMessage string) error
	CancelThread(ctx context.Context, threadID string) error
	GetThread(ctx context.Context, threadID string) (types.Thread, error)
}

// StreamSession is the streaming side. Connect never blocks; events and
// connection states arrive on the two channels.
type StreamSession interface {
	Connect(threadID string)
	Disconnect()
	ClearError()
	Events() <-chan types.StreamEvent
	States() <-chan types.ConnectionState
	State() types.ConnectionState
	Err() *types.SessionError
}

// Snapshot is a point-in-time copy of the conversation state. Messages
// are deep copies; callers may hold or mutate them freely.
type Snapshot struct {
	Messages        []types.Message
	ThreadID        string
	Loading         bool
	CodeExecuting   bool
	Cancelling      bool
	ConnectionState types.ConnectionState
	Err             *types.SessionError
}

type Orchestrator struct {
	store   threadstore.Store
	api     API
	session StreamSession
	logger  *log.Logger

	cancelGrace   time.Duration
	cancelTimeout time.Duration
	now           func() time.Time

	onChange        func(Snapshot)
	onThreadStarted func(threadID string)

	mu            sync.Mutex
	messages      []types.Message
	threadID      string
	loading       bool
	codeExecuting bool
	cancelling    bool
	err           *types.SessionError
	graceTimer    *time.Timer
	started       bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

type Option func(*Orchestrator)

// WithCancelGrace overrides the window during which errors racing in
// after a user cancel are suppressed.
func WithCancelGrace(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.cancelGrace = d
	}
}

// WithCancelTimeout bounds the background server-side cancel call.
func WithCancelTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.cancelTimeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithOnChange registers an observer invoked with a fresh snapshot
// after every state mutation. It is called outside the internal lock.
func WithOnChange(fn func(Snapshot)) Option {
	return func(o *Orchestrator) {
		o.onChange = fn
	}
}

// WithOnThreadStarted registers an observer for newly created threads.
func WithOnThreadStarted(fn func(threadID string)) Option {
	return func(o *Orchestrator) {
		o.onThreadStarted = fn
	}
}

func New(store threadstore.Store, api API, session StreamSession, logger *log.Logger, opts ...Option) *Orchestrator {
	if store == nil {
		panic("orchestrator: store is required")
	}
	if api == nil {
		panic("orchestrator: api is required")
	}
	if session == nil {
		panic("orchestrator: session is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	o := &Orchestrator{
		store:         store,
		api:           api,
		session:       session,
		logger:        logger,
		cancelGrace:   defaultCancelGrace,
		cancelTimeout: defaultCancelTimeout,
		now:           time.Now,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start restores a persisted conversation, if any, and begins consuming
// the streaming session. A restore failure is stale local state, not a
// user action; it is logged and the stored id cleared.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	o.restore(ctx)

	go o.consumeLoop()
	return nil
}

func (o *Orchestrator) restore(ctx context.Context) {
	threadID, err := o.store.Get(ctx)
	if err != nil {
		o.logger.Printf("failed to read persisted thread id: %v", err)
		return
	}
	if threadID == "" {
		return
	}

	thread, err := o.api.GetThread(ctx, threadID)
	if err != nil {
		o.logger.Printf("failed to restore thread %s, clearing stored id: %v", threadID, err)
		if clearErr := o.store.Clear(ctx); clearErr != nil {
			o.logger.Printf("failed to clear stale thread id: %v", clearErr)
		}
		return
	}

	o.mu.Lock()
	o.threadID = threadID
	o.messages = conversation.FlattenThread(thread)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)
}

// Stop tears down the consume loop and the streaming session.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		<-o.doneCh
		o.session.Disconnect()
		o.mu.Lock()
		if o.graceTimer != nil {
			o.graceTimer.Stop()
			o.graceTimer = nil
		}
		o.mu.Unlock()
	})
}

// SendMessage appends an optimistic user message, starts or continues
// the server thread, then connects the event stream. Blank input and
// calls made while a send is already in flight are silent no-ops. The
// optimistic message stays visible even when the send fails.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	sanitized := ids.SanitizeMessage(text)
	if sanitized == "" {
		return nil
	}

	o.mu.Lock()
	if o.loading {
		o.mu.Unlock()
		return nil
	}
	o.messages = append(o.messages, types.Message{
		ID:        ids.New(),
		Role:      types.RoleUser,
		Content:   sanitized,
		Timestamp: o.now(),
	})
	o.loading = true
	o.err = nil
	threadID := o.threadID
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)

	if threadID == "" {
		newID, err := o.api.StartThread(ctx, sanitized)
		if err != nil {
			return o.failSend(err)
		}
		o.mu.Lock()
		o.threadID = newID
		o.mu.Unlock()
		if err := o.store.Set(ctx, newID); err != nil {
			o.logger.Printf("failed to persist thread id %s: %v", newID, err)
		}
		if o.onThreadStarted != nil {
			o.onThreadStarted(newID)
		}
		threadID = newID
	} else {
		if err := o.api.ContinueThread(ctx, threadID, sanitized); err != nil {
			return o.failSend(err)
		}
	}

	// A cancel or reset racing with the network call clears loading; a
	// late Connect must not reopen the stream the user just abandoned.
	o.mu.Lock()
	stillSending := o.loading
	o.mu.Unlock()
	if stillSending {
		o.session.Connect(threadID)
	}
	return nil
}

func (o *Orchestrator) failSend(err error) error {
	serr := asSessionError(err)
	o.mu.Lock()
	o.err = serr
	o.loading = false
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)
	return serr
}

// CancelMessage is local-first. The visible effect (idle UI, no error)
// is synchronous; the server-side cancel is fired in the background and
// only ever warn-logged on failure. Errors racing in during the grace
// window are suppressed and re-cleared when the window closes.
func (o *Orchestrator) CancelMessage(ctx context.Context) {
	o.session.ClearError()
	o.session.Disconnect()

	o.mu.Lock()
	o.cancelling = true
	o.loading = false
	o.codeExecuting = false
	o.err = nil
	threadID := o.threadID
	if o.graceTimer != nil {
		o.graceTimer.Stop()
	}
	o.graceTimer = time.AfterFunc(o.cancelGrace, o.endCancelGrace)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)

	if threadID == "" {
		return
	}
	cancelCtx := context.WithoutCancel(ctx)
	go func() {
		callCtx, cancel := context.WithTimeout(cancelCtx, o.cancelTimeout)
		defer cancel()
		if err := o.api.CancelThread(callCtx, threadID); err != nil {
			o.logger.Printf("server-side cancel for thread %s failed: %v", threadID, err)
		}
	}()
}

func (o *Orchestrator) endCancelGrace() {
	o.session.ClearError()
	o.mu.Lock()
	o.cancelling = false
	o.err = nil
	o.graceTimer = nil
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)
}

// StartNewThread abandons the current conversation: the stream is torn
// down, the persisted id cleared and all state reset. No network call
// is made; the server-side thread simply goes idle.
func (o *Orchestrator) StartNewThread(ctx context.Context) {
	o.session.ClearError()
	o.session.Disconnect()

	o.mu.Lock()
	o.messages = nil
	o.threadID = ""
	o.loading = false
	o.codeExecuting = false
	o.cancelling = false
	o.err = nil
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()

	if err := o.store.Clear(ctx); err != nil {
		o.logger.Printf("failed to clear persisted thread id: %v", err)
	}
	o.emit(snap)
}

// ClearError clears the current error and neutralizes the streaming
// session's stored error so it cannot resurface.
func (o *Orchestrator) ClearError() {
	o.session.ClearError()
	o.mu.Lock()
	o.err = nil
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	messages := make([]types.Message, len(o.messages))
	for i, m := range o.messages {
		messages[i] = m.Clone()
	}
	return Snapshot{
		Messages:        messages,
		ThreadID:        o.threadID,
		Loading:         o.loading,
		CodeExecuting:   o.codeExecuting,
		Cancelling:      o.cancelling,
		ConnectionState: o.session.State(),
		Err:             o.err,
	}
}

func (o *Orchestrator) emit(snap Snapshot) {
	if o.onChange != nil {
		o.onChange(snap)
	}
}

func (o *Orchestrator) consumeLoop() {
	defer close(o.doneCh)
	for {
		select {
		case <-o.stopCh:
			return
		case event := <-o.session.Events():
			o.applyEvent(event)
		case state := <-o.session.States():
			o.applyState(state)
		}
	}
}

func (o *Orchestrator) applyEvent(event types.StreamEvent) {
	o.mu.Lock()
	o.messages = conversation.Reduce(o.messages, event)
	if event.Type == types.StreamEventCodeBlockQueryPlanAppended {
		o.codeExecuting = true
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)
}

func (o *Orchestrator) applyState(state types.ConnectionState) {
	o.mu.Lock()
	switch state {
	case types.ConnectionDisconnected:
		o.loading = false
		o.codeExecuting = false
		o.messages = conversation.FinalizeStreaming(o.messages)
	case types.ConnectionError:
		o.loading = false
		o.codeExecuting = false
		// An active cancellation masks stream errors entirely.
		if !o.cancelling {
			o.err = o.session.Err()
		}
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)
}

func asSessionError(err error) *types.SessionError {
	var serr *types.SessionError
	if errors.As(err, &serr) {
		return serr
	}
	return &types.SessionError{
		Message: err.Error(),
		Code:    types.ErrorCodeNetwork,
		Cause:   err,
	}
}
