package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/hasura/promptql-chat-sdk/stream"
	"github.com/hasura/promptql-chat-sdk/types"
)

const testThreadID = "7b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d"

type fakeStore struct {
	mu      sync.Mutex
	value   string
	cleared int
}

func (s *fakeStore) Get(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *fakeStore) Set(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = threadID
	return nil
}

func (s *fakeStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = ""
	s.cleared++
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) stored() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

type fakeAPI struct {
	mu            sync.Mutex
	startCalls    int
	continueCalls int
	cancelCalls   int

	startFn    func(ctx context.Context, userMessage string) (string, error)
	continueFn func(ctx context.Context, threadID, userMessage string) error
	cancelFn   func(ctx context.Context, threadID string) error
	getFn      func(ctx context.Context, threadID string) (types.Thread, error)

	cancelled chan string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{cancelled: make(chan string, 1)}
}

func (a *fakeAPI) StartThread(ctx context.Context, userMessage string) (string, error) {
	a.mu.Lock()
	a.startCalls++
	a.mu.Unlock()
	if a.startFn != nil {
		return a.startFn(ctx, userMessage)
	}
	return testThreadID, nil
}

func (a *fakeAPI) ContinueThread(ctx context.Context, threadID, userMessage string) error {
	a.mu.Lock()
	a.continueCalls++
	a.mu.Unlock()
	if a.continueFn != nil {
		return a.continueFn(ctx, threadID, userMessage)
	}
	return nil
}

func (a *fakeAPI) CancelThread(ctx context.Context, threadID string) error {
	a.mu.Lock()
	a.cancelCalls++
	a.mu.Unlock()
	select {
	case a.cancelled <- threadID:
	default:
	}
	if a.cancelFn != nil {
		return a.cancelFn(ctx, threadID)
	}
	return nil
}

func (a *fakeAPI) GetThread(ctx context.Context, threadID string) (types.Thread, error) {
	if a.getFn != nil {
		return a.getFn(ctx, threadID)
	}
	return types.Thread{ID: threadID}, nil
}

func (a *fakeAPI) calls() (start, cont, cancel int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startCalls, a.continueCalls, a.cancelCalls
}

type fakeSession struct {
	mu          sync.Mutex
	connected   []string
	disconnects int
	clears      int
	state       types.ConnectionState
	err         *types.SessionError

	events chan types.StreamEvent
	states chan types.ConnectionState
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		state:  types.ConnectionDisconnected,
		events: make(chan types.StreamEvent, 16),
		states: make(chan types.ConnectionState, 16),
	}
}

func (s *fakeSession) Connect(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, threadID)
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *fakeSession) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	s.err = nil
}

func (s *fakeSession) Events() <-chan types.StreamEvent        { return s.events }
func (s *fakeSession) States() <-chan types.ConnectionState    { return s.states }
func (s *fakeSession) State() types.ConnectionState            { s.mu.Lock(); defer s.mu.Unlock(); return s.state }
func (s *fakeSession) Err() *types.SessionError                { s.mu.Lock(); defer s.mu.Unlock(); return s.err }

func (s *fakeSession) setErr(err *types.SessionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSession) connects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.connected))
	copy(out, s.connected)
	return out
}

func (s *fakeSession) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

func (s *fakeSession) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestOrchestrator(t *testing.T, store *fakeStore, api *fakeAPI, session *fakeSession, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(store, api, session, testLogger(), opts...)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(o.Stop)
	return o
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSendMessageAppendsOptimisticUserMessageBeforeNetwork(t *testing.T) {
	store := &fakeStore{}
	api := newFakeAPI()
	session := newFakeSession()
	var o *Orchestrator

	var seen Snapshot
	api.startFn = func(ctx context.Context, userMessage string) (string, error) {
		// Observed from inside the network call: the user message must
		// already be in the list and loading already set.
		seen = o.Snapshot()
		return testThreadID, nil
	}

	o = newTestOrchestrator(t, store, api, session)
	if err := o.SendMessage(context.Background(), "hello there"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(seen.Messages) != 1 {
		t.Fatalf("expected 1 optimistic message at network time, got %d", len(seen.Messages))
	}
	if seen.Messages[0].Role != types.RoleUser || seen.Messages[0].Content != "hello there" {
		t.Fatalf("unexpected optimistic message: %+v", seen.Messages[0])
	}
	if !seen.Loading {
		t.Fatal("loading should be set before the network call returns")
	}
}

func TestSendMessageStartsThreadPersistsAndConnects(t *testing.T) {
	store := &fakeStore{}
	api := newFakeAPI()
	session := newFakeSession()

	var started string
	o := newTestOrchestrator(t, store, api, session,
		WithOnThreadStarted(func(threadID string) { started = threadID }))

	if err := o.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if store.stored() != testThreadID {
		t.Fatalf("thread id not persisted: %q", store.stored())
	}
	if started != testThreadID {
		t.Fatalf("thread-started observer got %q", started)
	}
	if got := session.connects(); len(got) != 1 || got[0] != testThreadID {
		t.Fatalf("session connects = %v", got)
	}
	if snap := o.Snapshot(); snap.ThreadID != testThreadID {
		t.Fatalf("snapshot thread id = %q", snap.ThreadID)
	}
}

func TestSendMessageContinuesKnownThread(t *testing.T) {
	store := &fakeStore{value: testThreadID}
	api := newFakeAPI()
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session)

	if err := o.SendMessage(context.Background(), "again"); err != nil {
		t.Fatalf("send: %v", err)
	}

	start, cont, _ := api.calls()
	if start != 0 || cont != 1 {
		t.Fatalf("start=%d continue=%d, want 0/1", start, cont)
	}
}

func TestSendMessageRejectsBlankAndInFlightSends(t *testing.T) {
	store := &fakeStore{}
	api := newFakeAPI()
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session)

	if err := o.SendMessage(context.Background(), "   \t\n"); err != nil {
		t.Fatalf("blank send must be a silent no-op, got %v", err)
	}
	if start, _, _ := api.calls(); start != 0 {
		t.Fatal("blank send must not reach the network")
	}
	if len(o.Snapshot().Messages) != 0 {
		t.Fatal("blank send must not append a message")
	}

	if err := o.SendMessage(context.Background(), "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	// Loading is still true; a second send is ignored.
	if err := o.SendMessage(context.Background(), "second"); err != nil {
		t.Fatalf("in-flight send must be a silent no-op, got %v", err)
	}
	if got := len(o.Snapshot().Messages); got != 1 {
		t.Fatalf("expected 1 message, got %d", got)
	}
	if start, cont, _ := api.calls(); start != 1 || cont != 0 {
		t.Fatalf("start=%d continue=%d, want 1/0", start, cont)
	}
}

func TestSendFailureKeepsOptimisticMessageAndSetsError(t *testing.T) {
	store := &fakeStore{}
	api := newFakeAPI()
	api.startFn = func(context.Context, string) (string, error) {
		return "", &types.SessionError{Message: "boom", Code: types.ErrorCodeServer, Status: 500}
	}
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session)

	err := o.SendMessage(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}

	snap := o.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "hello" {
		t.Fatalf("optimistic message must survive a failed send: %+v", snap.Messages)
	}
	if snap.Loading {
		t.Fatal("loading must be cleared on failure")
	}
	if snap.Err == nil || snap.Err.Code != types.ErrorCodeServer {
		t.Fatalf("snapshot error = %+v", snap.Err)
	}
	if len(session.connects()) != 0 {
		t.Fatal("stream must not be connected after a failed send")
	}
}

func TestCancelMessageIsSynchronousAndLocalFirst(t *testing.T) {
	store := &fakeStore{value: testThreadID}
	api := newFakeAPI()
	blocked := make(chan struct{})
	api.cancelFn = func(context.Context, string) error {
		<-blocked
		return nil
	}
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session, WithCancelGrace(20*time.Millisecond))

	if err := o.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	o.CancelMessage(context.Background())

	// All local effects are visible before the server call completes.
	snap := o.Snapshot()
	if !snap.Cancelling {
		t.Fatal("cancelling flag must be set synchronously")
	}
	if snap.Loading || snap.CodeExecuting {
		t.Fatal("loading and code-executing must clear synchronously")
	}
	if snap.Err != nil {
		t.Fatal("error must clear synchronously")
	}
	if session.disconnectCount() == 0 {
		t.Fatal("stream must be force-disconnected")
	}

	close(blocked)
	select {
	case got := <-api.cancelled:
		if got != testThreadID {
			t.Fatalf("cancelled thread = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server cancel was never issued")
	}

	waitFor(t, func() bool { return !o.Snapshot().Cancelling })
}

func TestCancelMessageSwallowsServerFailure(t *testing.T) {
	store := &fakeStore{value: testThreadID}
	api := newFakeAPI()
	api.cancelFn = func(context.Context, string) error {
		return &types.SessionError{Message: "cancel failed", Code: types.ErrorCodeServer}
	}
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session, WithCancelGrace(10*time.Millisecond))

	o.CancelMessage(context.Background())

	select {
	case <-api.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("server cancel was never issued")
	}
	waitFor(t, func() bool { return !o.Snapshot().Cancelling })
	if snap := o.Snapshot(); snap.Err != nil {
		t.Fatalf("cancel failures must never surface: %+v", snap.Err)
	}
}

func TestStreamErrorDuringCancelGraceIsMasked(t *testing.T) {
	store := &fakeStore{value: testThreadID}
	api := newFakeAPI()
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session, WithCancelGrace(50*time.Millisecond))

	o.CancelMessage(context.Background())

	session.setErr(&types.SessionError{Message: "stream broke", Code: types.ErrorCodeSSEConnection})
	session.states <- types.ConnectionError

	waitFor(t, func() bool { return !o.Snapshot().Cancelling })
	if snap := o.Snapshot(); snap.Err != nil {
		t.Fatalf("error raced in during cancel must stay suppressed: %+v", snap.Err)
	}
}

func TestStreamErrorOutsideCancelSurfaces(t *testing.T) {
	store := &fakeStore{}
	api := newFakeAPI()
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session)

	session.setErr(&types.SessionError{Message: "stream broke", Code: types.ErrorCodeSSEConnection})
	session.states <- types.ConnectionError

	waitFor(t, func() bool {
		snap := o.Snapshot()
		return snap.Err != nil && snap.Err.Code == types.ErrorCodeSSEConnection
	})
}

func TestEventsReduceIntoMessagesAndDeriveCodeExecuting(t *testing.T) {
	store := &fakeStore{value: testThreadID}
	api := newFakeAPI()
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session)

	session.events <- types.StreamEvent{
		Type:              types.StreamEventAssistantActionMessageAppended,
		AssistantActionID: "act_1",
		MessageChunk:      "Hello",
	}
	session.events <- types.StreamEvent{
		Type:           types.StreamEventCodeBlockQueryPlanAppended,
		CodeBlockID:    "cb_1",
		QueryPlanChunk: "SELECT 1",
	}

	waitFor(t, func() bool { return o.Snapshot().CodeExecuting })
	snap := o.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("expected 1 assistant message, got %d", len(snap.Messages))
	}
	if snap.Messages[0].CodeBlocks["cb_1"].Content != "SELECT 1" {
		t.Fatalf("code block missing: %+v", snap.Messages[0])
	}

	session.states <- types.ConnectionDisconnected
	waitFor(t, func() bool {
		s := o.Snapshot()
		return !s.CodeExecuting && !s.Loading
	})
	if snap := o.Snapshot(); len(snap.Messages) > 0 && snap.Messages[0].Streaming {
		t.Fatal("streaming flags must be finalized on disconnect")
	}
}

func TestDisconnectedStateFlipsLoadingFalse(t *testing.T) {
	store := &fakeStore{value: testThreadID}
	api := newFakeAPI()
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session)

	if err := o.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !o.Snapshot().Loading {
		t.Fatal("loading should hold while the stream is live")
	}

	session.states <- types.ConnectionDisconnected
	waitFor(t, func() bool { return !o.Snapshot().Loading })
}

func TestStartNewThreadResetsEverything(t *testing.T) {
	store := &fakeStore{value: testThreadID}
	api := newFakeAPI()
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session)

	if err := o.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	o.StartNewThread(context.Background())

	snap := o.Snapshot()
	if len(snap.Messages) != 0 || snap.ThreadID != "" || snap.Loading || snap.Cancelling {
		t.Fatalf("state not reset: %+v", snap)
	}
	if store.stored() != "" {
		t.Fatal("persisted thread id must be cleared")
	}
	if session.disconnectCount() == 0 {
		t.Fatal("active stream must be torn down")
	}

	// The next send creates a fresh thread.
	if err := o.SendMessage(context.Background(), "new conversation"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if start, _, _ := api.calls(); start != 1 {
		t.Fatalf("expected a fresh StartThread, calls=%d", start)
	}
}

func TestRestoreAdoptsPersistedThreadHistory(t *testing.T) {
	when := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{value: testThreadID}
	api := newFakeAPI()
	api.getFn = func(_ context.Context, threadID string) (types.Thread, error) {
		return types.Thread{
			ID: threadID,
			Interactions: []types.Interaction{{
				ID:                "i1",
				CreatedAt:         when,
				UserMessage:       types.UserTurn{ID: "u1", Content: "earlier question", CreatedAt: when},
				AssistantMessages: []types.AssistantTurn{{ID: "a1", Content: "earlier answer", CreatedAt: when}},
			}},
		}, nil
	}
	session := newFakeSession()

	o := newTestOrchestrator(t, store, api, session)

	snap := o.Snapshot()
	if snap.ThreadID != testThreadID {
		t.Fatalf("thread id not adopted: %q", snap.ThreadID)
	}
	if len(snap.Messages) != 2 || snap.Messages[0].Content != "earlier question" {
		t.Fatalf("history not flattened: %+v", snap.Messages)
	}
}

func TestRestoreFailureClearsStoredIDAndContinuesEmpty(t *testing.T) {
	store := &fakeStore{value: testThreadID}
	api := newFakeAPI()
	api.getFn = func(context.Context, string) (types.Thread, error) {
		return types.Thread{}, &types.SessionError{Message: "gone", Code: types.ErrorCodeInvalidThread, Status: 404}
	}
	session := newFakeSession()

	o := newTestOrchestrator(t, store, api, session)

	snap := o.Snapshot()
	if snap.ThreadID != "" || len(snap.Messages) != 0 {
		t.Fatalf("stale restore must leave an empty conversation: %+v", snap)
	}
	if snap.Err != nil {
		t.Fatal("restore failure must be swallowed, not surfaced")
	}
	if store.stored() != "" || store.cleared != 1 {
		t.Fatalf("stale id must be cleared, stored=%q cleared=%d", store.stored(), store.cleared)
	}
}

func TestClearErrorNeutralizesSessionError(t *testing.T) {
	store := &fakeStore{}
	api := newFakeAPI()
	api.startFn = func(context.Context, string) (string, error) {
		return "", &types.SessionError{Message: "boom", Code: types.ErrorCodeServer}
	}
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session)

	_ = o.SendMessage(context.Background(), "hi")
	if o.Snapshot().Err == nil {
		t.Fatal("expected an error to clear")
	}

	before := session.clearCount()
	o.ClearError()
	if o.Snapshot().Err != nil {
		t.Fatal("error not cleared")
	}
	if session.clearCount() <= before {
		t.Fatal("session error must be neutralized too")
	}
}

func TestOnChangeObserverSeesMutations(t *testing.T) {
	store := &fakeStore{}
	api := newFakeAPI()
	session := newFakeSession()

	var mu sync.Mutex
	var snaps []Snapshot
	o := newTestOrchestrator(t, store, api, session, WithOnChange(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	}))

	if err := o.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) == 0 {
		t.Fatal("observer never invoked")
	}
	first := snaps[0]
	if len(first.Messages) != 1 || !first.Loading {
		t.Fatalf("first observed snapshot = %+v", first)
	}
}

// flakyOpener fails a fixed number of opens, then serves pipes.
type flakyOpener struct {
	mu       sync.Mutex
	failures int
	readers  chan *io.PipeReader
}

func (o *flakyOpener) OpenEvents(ctx context.Context, threadID string) (io.ReadCloser, error) {
	o.mu.Lock()
	if o.failures > 0 {
		o.failures--
		o.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	o.mu.Unlock()
	select {
	case r := <-o.readers:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestResendAfterStreamErrorKeepsLoadingUntilStreamEnds(t *testing.T) {
	store := &fakeStore{}
	api := newFakeAPI()
	opener := &flakyOpener{failures: 1, readers: make(chan *io.PipeReader, 2)}
	session := stream.New(opener, testLogger())

	o := New(store, api, session, testLogger())
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(o.Stop)

	// First send: the stream fails to open and the error surfaces.
	if err := o.SendMessage(context.Background(), "first try"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool {
		snap := o.Snapshot()
		return snap.Err != nil && !snap.Loading
	})

	// Re-sending is the recovery path. The teardown of the errored
	// stream must not be mistaken for the new stream ending.
	pr, pw := io.Pipe()
	opener.readers <- pr
	if err := o.SendMessage(context.Background(), "second try"); err != nil {
		t.Fatalf("re-send: %v", err)
	}
	waitFor(t, func() bool {
		return o.Snapshot().ConnectionState == types.ConnectionConnected
	})
	// Let the consume loop digest every transition before checking.
	time.Sleep(50 * time.Millisecond)

	snap := o.Snapshot()
	if !snap.Loading {
		t.Fatalf("loading lost while the re-sent stream is live (state=%s)", snap.ConnectionState)
	}
	if snap.Err != nil {
		t.Fatalf("stale error resurfaced: %+v", snap.Err)
	}

	// The in-flight guard must still hold.
	if err := o.SendMessage(context.Background(), "third"); err != nil {
		t.Fatalf("in-flight send must be a silent no-op, got %v", err)
	}
	if got := len(o.Snapshot().Messages); got != 2 {
		t.Fatalf("in-flight guard broken, %d messages", got)
	}

	go func() {
		_, _ = io.WriteString(pw, "data: [DONE]\n")
		_ = pw.Close()
	}()
	waitFor(t, func() bool { return !o.Snapshot().Loading })
}

func TestSnapshotMessagesAreCopies(t *testing.T) {
	store := &fakeStore{value: testThreadID}
	api := newFakeAPI()
	session := newFakeSession()
	o := newTestOrchestrator(t, store, api, session)

	session.events <- types.StreamEvent{
		Type:              types.StreamEventAssistantActionMessageAppended,
		AssistantActionID: "act_1",
		MessageChunk:      "Hello",
	}
	waitFor(t, func() bool { return len(o.Snapshot().Messages) == 1 })

	snap := o.Snapshot()
	snap.Messages[0].Content = "tampered"
	if o.Snapshot().Messages[0].Content != "Hello" {
		t.Fatal("snapshot must not alias internal state")
	}
}
