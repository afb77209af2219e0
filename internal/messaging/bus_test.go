package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/audit"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/db"
	"github.com/agentmux/agentmux/internal/events"
	eventbus "github.com/agentmux/agentmux/internal/events/bus"
)

type fakeDirectory struct {
	sessions map[string]string
	active   []*agent.Agent
}

func (f *fakeDirectory) SessionForAgent(ctx context.Context, agentID string) (string, bool) {
	s, ok := f.sessions[agentID]
	return s, ok
}

func (f *fakeDirectory) ActiveAgents(ctx context.Context) ([]*agent.Agent, error) {
	return f.active, nil
}

func (f *fakeDirectory) AgentExists(ctx context.Context, agentID string) (bool, error) {
	if _, ok := f.sessions[agentID]; ok {
		return true, nil
	}
	for _, a := range f.active {
		if a.AgentID == agentID {
			return true, nil
		}
	}
	return false, nil
}

// fakeMux records delivery calls without touching tmux.
type fakeMux struct {
	mu         sync.Mutex
	prompts    map[string][]string
	interrupts map[string]int
}

func newFakeMux() *fakeMux {
	return &fakeMux{prompts: make(map[string][]string), interrupts: make(map[string]int)}
}

func (f *fakeMux) Available(ctx context.Context) bool                  { return true }
func (f *fakeMux) SessionExists(ctx context.Context, name string) bool { return true }
func (f *fakeMux) ListSessions(ctx context.Context) ([]string, error)  { return nil, nil }
func (f *fakeMux) CreateSession(ctx context.Context, name, cwd string) error {
	return nil
}
func (f *fakeMux) SendCommand(ctx context.Context, name, line string) error { return nil }
func (f *fakeMux) SendPrompt(ctx context.Context, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts[name] = append(f.prompts[name], text)
	return nil
}
func (f *fakeMux) SendInterrupt(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts[name]++
	return nil
}
func (f *fakeMux) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	return "", nil
}
func (f *fakeMux) KillSession(ctx context.Context, name string) error { return nil }

type fakeNotifier struct {
	delivered []string
	ok        bool
}

func (f *fakeNotifier) SendToAdminSession(ctx context.Context, message, urgency string) bool {
	f.delivered = append(f.delivered, message)
	return f.ok
}

func newTestBus(t *testing.T, dir *fakeDirectory, mux *fakeMux, notifier *fakeNotifier) (*Bus, *audit.Store) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	store, err := NewStore(database)
	require.NoError(t, err)
	actions, err := audit.NewStore(database)
	require.NoError(t, err)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	return NewBus(store, actions, dir, mux, notifier, nil, log), actions
}

func TestSendDeliversLiveWhenSessionExists(t *testing.T) {
	dir := &fakeDirectory{sessions: map[string]string{"agent-2": "agent-2-ab12"}}
	mux := newFakeMux()
	bus, _ := newTestBus(t, dir, mux, &fakeNotifier{})

	result, err := bus.Send(context.Background(), SendRequest{
		SenderID:    "agent-1",
		RecipientID: "agent-2",
		Content:     "ping",
	})
	require.NoError(t, err)
	assert.True(t, result.Delivered)
	require.Len(t, mux.prompts["agent-2-ab12"], 1)
	assert.Contains(t, mux.prompts["agent-2-ab12"][0], "ping")
	assert.Contains(t, mux.prompts["agent-2-ab12"][0], "agent-1")
}

func TestSendDegradesToStored(t *testing.T) {
	dir := &fakeDirectory{
		sessions: map[string]string{},
		active:   []*agent.Agent{{AgentID: "agent-2"}},
	}
	bus, _ := newTestBus(t, dir, newFakeMux(), &fakeNotifier{})
	ctx := context.Background()

	result, err := bus.Send(ctx, SendRequest{
		SenderID:    "agent-1",
		RecipientID: "agent-2",
		Content:     "ping",
	})
	require.NoError(t, err)
	assert.False(t, result.Delivered)

	stored, err := bus.Messages(ctx, ListFilter{RecipientID: "agent-2"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Delivered)
	assert.False(t, stored[0].Read)
}

func TestSendRejectsUnknownRecipient(t *testing.T) {
	bus, _ := newTestBus(t, &fakeDirectory{sessions: map[string]string{}}, newFakeMux(), &fakeNotifier{})
	_, err := bus.Send(context.Background(), SendRequest{
		SenderID:    "agent-1",
		RecipientID: "agent-ghost",
		Content:     "ping",
	})
	assert.Error(t, err)
}

func TestSendRejectsInvalidType(t *testing.T) {
	dir := &fakeDirectory{sessions: map[string]string{"agent-2": "s"}}
	bus, _ := newTestBus(t, dir, newFakeMux(), &fakeNotifier{})
	_, err := bus.Send(context.Background(), SendRequest{
		SenderID:    "agent-1",
		RecipientID: "agent-2",
		Content:     "ping",
		Type:        MessageType("carrier_pigeon"),
	})
	assert.Error(t, err)
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	dir := &fakeDirectory{sessions: map[string]string{"agent-2": "s"}}
	bus, _ := newTestBus(t, dir, newFakeMux(), &fakeNotifier{})
	ctx := context.Background()

	first, err := bus.Send(ctx, SendRequest{SenderID: "agent-1", RecipientID: "agent-2", Content: "one"})
	require.NoError(t, err)
	_, err = bus.Send(ctx, SendRequest{SenderID: "agent-1", RecipientID: "agent-2", Content: "two"})
	require.NoError(t, err)

	n, err := bus.UnreadCount(ctx, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, bus.MarkRead(ctx, "agent-2", []string{first.Message.MessageID}))
	n, err = bus.UnreadCount(ctx, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBroadcastSkipsSender(t *testing.T) {
	dir := &fakeDirectory{
		sessions: map[string]string{"agent-1": "s1", "agent-2": "s2"},
		active: []*agent.Agent{
			{AgentID: "agent-1", Status: agent.StatusActive},
			{AgentID: "agent-2", Status: agent.StatusActive},
		},
	}
	bus, _ := newTestBus(t, dir, newFakeMux(), &fakeNotifier{})

	result, err := bus.Broadcast(context.Background(), "agent-1", "heads up", PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recipients)
	assert.Equal(t, 1, result.Delivered)
}

func TestStopCommandSendsRepeatedInterrupts(t *testing.T) {
	dir := &fakeDirectory{sessions: map[string]string{"agent-1": "agent-1-ab12"}}
	mux := newFakeMux()
	bus, _ := newTestBus(t, dir, mux, &fakeNotifier{})

	result, err := bus.StopCommand(context.Background(), AdminRecipient, "agent-1")
	require.NoError(t, err)
	assert.True(t, result.Delivered)
	assert.Equal(t, stopSignalCount, mux.interrupts["agent-1-ab12"])
	assert.Equal(t, TypeStopCommand, result.Message.MessageType)
}

func TestStopCommandWithoutSession(t *testing.T) {
	dir := &fakeDirectory{
		sessions: map[string]string{},
		active:   []*agent.Agent{{AgentID: "agent-1"}},
	}
	bus, _ := newTestBus(t, dir, newFakeMux(), &fakeNotifier{})

	result, err := bus.StopCommand(context.Background(), AdminRecipient, "agent-1")
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Delivered)
}

func TestRequestAssistanceSharesTimestamp(t *testing.T) {
	dir := &fakeDirectory{sessions: map[string]string{"agent-1": "s1"}}
	notifier := &fakeNotifier{ok: true}
	bus, actions := newTestBus(t, dir, newFakeMux(), notifier)
	ctx := context.Background()

	result, err := bus.RequestAssistance(ctx, AssistanceRequest{
		AgentID:     "agent-1",
		TaskID:      "task-7",
		Description: "stuck on merge conflict",
		Blocking:    true,
	})
	require.NoError(t, err)
	assert.True(t, result.Delivered)

	recent, err := actions.Recent(ctx, audit.Filter{ActionType: audit.ActionRequestAssistance})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Timestamp.Equal(result.Message.Timestamp),
		"action log entry and message must share one timestamp")
	assert.Equal(t, "task-7", recent[0].TaskID)

	require.Len(t, notifier.delivered, 1)
	assert.Contains(t, notifier.delivered[0], "ASSISTANCE REQUEST")
	assert.Contains(t, notifier.delivered[0], "stuck on merge conflict")
}

// The operator block must name the stored message id so the screen text can
// be correlated with get_agent_messages output.
func TestRequestAssistanceBlockCarriesMessageID(t *testing.T) {
	dir := &fakeDirectory{sessions: map[string]string{"agent-1": "s1"}}
	notifier := &fakeNotifier{ok: true}
	bus, _ := newTestBus(t, dir, newFakeMux(), notifier)

	result, err := bus.RequestAssistance(context.Background(), AssistanceRequest{
		AgentID:     "agent-1",
		Description: "stuck on merge conflict",
		Urgency:     PriorityHigh,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Message.MessageID)

	require.Len(t, notifier.delivered, 1)
	assert.Contains(t, notifier.delivered[0], "Request: "+result.Message.MessageID)
	assert.Contains(t, result.Message.Content, result.Message.MessageID,
		"stored content and screen block are the same rendering")
}

// Stored-message events carry recipient-scoped subjects, so one wildcard
// subscription observes every recipient while a scoped one sees only its own.
func TestStoredMessageEventSubjectsScopeByRecipient(t *testing.T) {
	dir := &fakeDirectory{sessions: map[string]string{"agent-2": "s2", "agent-3": "s3"}}
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	store, err := NewStore(database)
	require.NoError(t, err)
	actions, err := audit.NewStore(database)
	require.NoError(t, err)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	ebus := eventbus.NewMemoryEventBus(log)
	t.Cleanup(ebus.Close)

	all := make(chan *eventbus.Event, 4)
	_, err = ebus.Subscribe(events.BuildMessageWildcardSubject(events.MessageStored),
		func(ctx context.Context, event *eventbus.Event) error {
			all <- event
			return nil
		})
	require.NoError(t, err)

	mine := make(chan *eventbus.Event, 4)
	_, err = ebus.Subscribe(events.BuildMessageSubject(events.MessageStored, "agent-3"),
		func(ctx context.Context, event *eventbus.Event) error {
			mine <- event
			return nil
		})
	require.NoError(t, err)

	bus := NewBus(store, actions, dir, newFakeMux(), &fakeNotifier{}, ebus, log)
	ctx := context.Background()
	for _, recipient := range []string{"agent-2", "agent-3"} {
		_, err := bus.Send(ctx, SendRequest{SenderID: "agent-1", RecipientID: recipient, Content: "ping"})
		require.NoError(t, err)
	}

	recv := func(ch chan *eventbus.Event) *eventbus.Event {
		select {
		case e := <-ch:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
	first, second := recv(all), recv(all)
	assert.ElementsMatch(t, []string{"agent-2", "agent-3"},
		[]string{first.Data["recipient"].(string), second.Data["recipient"].(string)})

	scoped := recv(mine)
	assert.Equal(t, "agent-3", scoped.Data["recipient"])
	select {
	case extra := <-mine:
		t.Fatalf("scoped subscription saw a foreign recipient: %v", extra.Data["recipient"])
	case <-time.After(100 * time.Millisecond):
	}
}
