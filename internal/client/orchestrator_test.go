package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/protocol"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeLink struct {
	mu       sync.Mutex
	sent     [][]byte
	failSend bool
	closed   bool
}

func (l *fakeLink) Send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failSend {
		return errors.New("link broken")
	}
	l.sent = append(l.sent, payload)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type openAttempt struct {
	ev   DataEvents
	link *fakeLink
}

type mediaAttempt struct {
	ev   MediaEvents
	link *fakeLink
}

type fakeTransport struct {
	mu            sync.Mutex
	handler       IncomingHandler
	attempts      map[string][]*openAttempt
	openCalls     int
	mediaAttempts map[string][]*mediaAttempt
	mediaCalls    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		attempts:      make(map[string][]*openAttempt),
		mediaAttempts: make(map[string][]*mediaAttempt),
	}
}

func (t *fakeTransport) Start(ctx context.Context) (string, error) {
	return "local-peer", nil
}

func (t *fakeTransport) SetIncomingHandler(h IncomingHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *fakeTransport) OpenData(ctx context.Context, remote string, ev DataEvents) (DataLink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openCalls++
	attempt := &openAttempt{ev: ev, link: &fakeLink{}}
	t.attempts[remote] = append(t.attempts[remote], attempt)
	return attempt.link, nil
}

func (t *fakeTransport) OpenMedia(ctx context.Context, remote string, src AudioSource, ev MediaEvents) (MediaLink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mediaCalls++
	attempt := &mediaAttempt{ev: ev, link: &fakeLink{}}
	t.mediaAttempts[remote] = append(t.mediaAttempts[remote], attempt)
	return attempt.link, nil
}

func (t *fakeTransport) Close() error {
	return nil
}

func (t *fakeTransport) latest(remote string) *openAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	attempts := t.attempts[remote]
	if len(attempts) == 0 {
		return nil
	}
	return attempts[len(attempts)-1]
}

func (t *fakeTransport) attempt(remote string, i int) *openAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[remote][i]
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openCalls
}

func (t *fakeTransport) latestMedia(remote string) *mediaAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	attempts := t.mediaAttempts[remote]
	if len(attempts) == 0 {
		return nil
	}
	return attempts[len(attempts)-1]
}

func (t *fakeTransport) mediaAttempt(remote string, i int) *mediaAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mediaAttempts[remote][i]
}

func (t *fakeTransport) mediaCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mediaCalls
}

type fakeRegistry struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
	heartbeats   int
	peers        []domain.PeerInfo
	heartbeatErr error
}

func (r *fakeRegistry) Register(ctx context.Context, peerID, displayName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, peerID)
	return nil
}

func (r *fakeRegistry) Unregister(ctx context.Context, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, peerID)
	return nil
}

func (r *fakeRegistry) Heartbeat(ctx context.Context, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return r.heartbeatErr
}

func (r *fakeRegistry) ListPeers(ctx context.Context) ([]domain.PeerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers, nil
}

func (r *fakeRegistry) setHeartbeatErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeatErr = err
}

func (r *fakeRegistry) registerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered)
}

type fakeIncomingCall struct {
	mu       sync.Mutex
	from     string
	ev       MediaEvents
	link     *fakeLink
	accepted bool
	rejected bool
}

func (c *fakeIncomingCall) From() string {
	return c.from
}

func (c *fakeIncomingCall) Accept(src AudioSource, ev MediaEvents) (MediaLink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted = true
	c.ev = ev
	c.link = &fakeLink{}
	return c.link, nil
}

func (c *fakeIncomingCall) Reject() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = true
	return nil
}

func (c *fakeIncomingCall) wasRejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

func (c *fakeIncomingCall) wasAccepted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted
}

func (c *fakeIncomingCall) acceptedLink() *fakeLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

type fakeRemoteAudio struct {
	peer string
}

func (f *fakeRemoteAudio) FromPeer() string {
	return f.peer
}

func (f *fakeRemoteAudio) ReadPacket() (*rtp.Packet, error) {
	return nil, io.EOF
}

func testConfig() OrchestratorConfig {
	return OrchestratorConfig{
		DisplayName:          "Tester",
		HeartbeatInterval:    time.Hour,
		DiscoveryInterval:    time.Hour,
		SessionOpenTimeout:   time.Hour,
		RequestTimeout:       time.Second,
		ReregisterOnNotFound: true,
	}
}

func newTestOrchestrator(cfg OrchestratorConfig) (*Orchestrator, *fakeTransport, *fakeRegistry) {
	transport := newFakeTransport()
	registry := &fakeRegistry{}
	orch := NewOrchestrator(cfg, transport, registry, nil, zap.NewNop().Sugar())
	return orch, transport, registry
}

func TestOrchestrator_OpenSessionDedup(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))
	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))
	assert.Equal(t, 1, transport.openCount())

	// Still deduplicated once the session is open.
	transport.latest("remote-1").ev.OnOpen()
	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))
	assert.Equal(t, 1, transport.openCount())
}

func TestOrchestrator_SessionLifecycleEvents(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var events []string
	orch.OnConnectionChange(func(peerID string, connected bool) {
		mu.Lock()
		defer mu.Unlock()
		if connected {
			events = append(events, peerID+":up")
		} else {
			events = append(events, peerID+":down")
		}
	})

	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))
	attempt := transport.latest("remote-1")

	attempt.ev.OnOpen()
	attempt.ev.OnClose()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"remote-1:up", "remote-1:down"}, events)
}

func TestOrchestrator_CloseBeforeOpenEmitsNothing(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var events int
	orch.OnConnectionChange(func(string, bool) {
		mu.Lock()
		defer mu.Unlock()
		events++
	})

	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))
	transport.latest("remote-1").ev.OnClose()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, events)
}

func TestOrchestrator_OpenTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SessionOpenTimeout = 20 * time.Millisecond
	orch, transport, _ := newTestOrchestrator(cfg)
	ctx := context.Background()

	var mu sync.Mutex
	var events int
	orch.OnConnectionChange(func(string, bool) {
		mu.Lock()
		defer mu.Unlock()
		events++
	})

	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, events)
	mu.Unlock()

	// The slot is free again after the timeout.
	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))
	assert.Equal(t, 2, transport.openCount())

	// An open arriving after the timeout is ignored.
	transport.attempt("remote-1", 0).ev.OnOpen()
	mu.Lock()
	assert.Equal(t, 0, events)
	mu.Unlock()
}

func TestOrchestrator_SendRequiresOpenSession(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	assert.False(t, orch.Send("remote-1", protocol.NewLeave("local-peer")))

	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))
	assert.False(t, orch.Send("remote-1", protocol.NewLeave("local-peer")), "connecting session must not deliver")

	transport.latest("remote-1").ev.OnOpen()
	assert.True(t, orch.Send("remote-1", protocol.NewLeave("local-peer")))
	assert.Equal(t, 1, transport.latest("remote-1").link.sentCount())
}

func TestOrchestrator_SendFailureIsSilent(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))
	attempt := transport.latest("remote-1")
	attempt.ev.OnOpen()
	attempt.link.failSend = true

	assert.False(t, orch.Send("remote-1", protocol.NewLeave("local-peer")))
}

func TestOrchestrator_BroadcastIsolation(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	for _, remote := range []string{"remote-1", "remote-2", "remote-3"} {
		assert.NoError(t, orch.OpenSession(ctx, remote))
		transport.latest(remote).ev.OnOpen()
	}

	// remote-2's link fails; the others must still receive the broadcast.
	transport.latest("remote-2").link.failSend = true

	orch.Broadcast(protocol.NewPosition("local-peer", protocol.Vec2{X: 1}, protocol.Vec2{}))

	assert.Equal(t, 1, transport.latest("remote-1").link.sentCount())
	assert.Equal(t, 0, transport.latest("remote-2").link.sentCount())
	assert.Equal(t, 1, transport.latest("remote-3").link.sentCount())
}

func TestOrchestrator_MessageDispatch(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var received []protocol.Kind
	unsubscribe := orch.OnData(func(from string, msg protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg.Kind)
	})

	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))
	attempt := transport.latest("remote-1")
	attempt.ev.OnOpen()

	attempt.ev.OnMessage([]byte(`{"type":"join","peerId":"remote-1","username":"Bob"}`))
	attempt.ev.OnMessage([]byte(`{"type":"warp","peerId":"remote-1"}`))
	attempt.ev.OnMessage([]byte(`{"text":"hi","username":"Bob"}`))

	mu.Lock()
	assert.Equal(t, []protocol.Kind{protocol.KindJoin, protocol.KindChat}, received)
	mu.Unlock()

	unsubscribe()
	attempt.ev.OnMessage([]byte(`{"type":"leave","peerId":"remote-1"}`))

	mu.Lock()
	assert.Len(t, received, 2)
	mu.Unlock()
}

func TestOrchestrator_IncomingSession(t *testing.T) {
	orch, _, _ := newTestOrchestrator(testConfig())

	var mu sync.Mutex
	var connected []string
	orch.OnConnectionChange(func(peerID string, up bool) {
		mu.Lock()
		defer mu.Unlock()
		if up {
			connected = append(connected, peerID)
		}
	})

	link := &fakeLink{}
	ev := orch.IncomingSession("remote-1", link)
	assert.NotNil(t, ev.OnOpen)

	ev.OnOpen()

	mu.Lock()
	assert.Equal(t, []string{"remote-1"}, connected)
	mu.Unlock()

	// Once open, the accepted session delivers sends like a dialed one.
	assert.True(t, orch.Send("remote-1", protocol.NewLeave("local-peer")))
	assert.Equal(t, 1, link.sentCount())
}

func TestOrchestrator_IncomingSessionDuplicateRejected(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))

	link := &fakeLink{}
	ev := orch.IncomingSession("remote-1", link)
	assert.Nil(t, ev.OnOpen)

	link.mu.Lock()
	assert.True(t, link.closed)
	link.mu.Unlock()

	assert.Equal(t, 1, transport.openCount())
}

func TestOrchestrator_CloseAllSessions(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	removed := map[string]bool{}
	orch.OnConnectionChange(func(peerID string, up bool) {
		if !up {
			mu.Lock()
			removed[peerID] = true
			mu.Unlock()
		}
	})

	assert.NoError(t, orch.OpenSession(ctx, "remote-1"))
	transport.latest("remote-1").ev.OnOpen()
	assert.NoError(t, orch.OpenSession(ctx, "remote-2"))

	orch.CloseAllSessions()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, removed["remote-1"])
	assert.False(t, removed["remote-2"], "never-open session must not emit peer-removed")
}

func TestOrchestrator_StartAndDestroy(t *testing.T) {
	orch, _, registry := newTestOrchestrator(testConfig())

	assert.NoError(t, orch.Start(context.Background()))
	assert.Equal(t, "local-peer", orch.LocalID())

	registry.mu.Lock()
	assert.Equal(t, []string{"local-peer"}, registry.registered)
	registry.mu.Unlock()

	orch.Destroy()
	orch.Destroy()

	registry.mu.Lock()
	assert.Equal(t, []string{"local-peer"}, registry.unregistered)
	registry.mu.Unlock()

	assert.Error(t, orch.OpenSession(context.Background(), "remote-1"))
	assert.Error(t, orch.Start(context.Background()))
}

func TestOrchestrator_HeartbeatReregisterOnNotFound(t *testing.T) {
	t.Run("re-registers when the registry evicted us", func(t *testing.T) {
		orch, _, registry := newTestOrchestrator(testConfig())
		assert.NoError(t, orch.Start(context.Background()))
		defer orch.Destroy()

		registry.setHeartbeatErr(fmt.Errorf("heartbeat: %w", domain.ErrPeerNotFound))
		orch.sendHeartbeat(context.Background())

		assert.Equal(t, 2, registry.registerCount())
	})

	t.Run("policy disabled leaves the record expired", func(t *testing.T) {
		cfg := testConfig()
		cfg.ReregisterOnNotFound = false
		orch, _, registry := newTestOrchestrator(cfg)
		assert.NoError(t, orch.Start(context.Background()))
		defer orch.Destroy()

		registry.setHeartbeatErr(fmt.Errorf("heartbeat: %w", domain.ErrPeerNotFound))
		orch.sendHeartbeat(context.Background())

		assert.Equal(t, 1, registry.registerCount())
	})

	t.Run("other heartbeat errors never re-register", func(t *testing.T) {
		orch, _, registry := newTestOrchestrator(testConfig())
		assert.NoError(t, orch.Start(context.Background()))
		defer orch.Destroy()

		registry.setHeartbeatErr(errors.New("registry unreachable"))
		orch.sendHeartbeat(context.Background())

		assert.Equal(t, 1, registry.registerCount())
	})
}

func TestOrchestrator_CallPeerDedup(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	assert.Equal(t, 1, transport.mediaCount())

	// Still deduplicated once the call is active.
	transport.latestMedia("remote-1").ev.OnActive()
	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	assert.Equal(t, 1, transport.mediaCount())
}

func TestOrchestrator_CallLifecycle(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var audioFrom []string
	orch.OnRemoteAudio(func(audio RemoteAudio) {
		mu.Lock()
		defer mu.Unlock()
		audioFrom = append(audioFrom, audio.FromPeer())
	})

	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	attempt := transport.latestMedia("remote-1")

	attempt.ev.OnActive()
	attempt.ev.OnRemoteAudio(&fakeRemoteAudio{peer: "remote-1"})

	mu.Lock()
	assert.Equal(t, []string{"remote-1"}, audioFrom)
	mu.Unlock()

	// Hanging up frees the slot for a fresh dial.
	attempt.ev.OnClose()
	assert.True(t, attempt.link.isClosed())
	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	assert.Equal(t, 2, transport.mediaCount())
}

func TestOrchestrator_CallOpenTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SessionOpenTimeout = 20 * time.Millisecond
	orch, transport, _ := newTestOrchestrator(cfg)
	ctx := context.Background()

	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	time.Sleep(100 * time.Millisecond)

	// The leg that never became active is torn down and its slot is free.
	assert.True(t, transport.mediaAttempt("remote-1", 0).link.isClosed())
	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	assert.Equal(t, 2, transport.mediaCount())

	// An activation arriving after the timeout is ignored; the fresh dial
	// still holds the slot.
	transport.mediaAttempt("remote-1", 0).ev.OnActive()
	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	assert.Equal(t, 2, transport.mediaCount())
}

func TestOrchestrator_AnswerCall(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var ringing []string
	orch.OnIncomingCall(func(from string) {
		mu.Lock()
		defer mu.Unlock()
		ringing = append(ringing, from)
	})

	incoming := &fakeIncomingCall{from: "remote-1"}
	orch.IncomingVoiceCall(incoming)

	mu.Lock()
	assert.Equal(t, []string{"remote-1"}, ringing)
	mu.Unlock()

	assert.NoError(t, orch.AnswerCall("remote-1"))
	assert.True(t, incoming.wasAccepted())

	// Answering consumes the pending call and claims the call slot.
	assert.Error(t, orch.AnswerCall("remote-1"))
	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	assert.Equal(t, 0, transport.mediaCount())
}

func TestOrchestrator_AnswerCallTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SessionOpenTimeout = 20 * time.Millisecond
	orch, transport, _ := newTestOrchestrator(cfg)
	ctx := context.Background()

	orch.OnIncomingCall(func(string) {})

	incoming := &fakeIncomingCall{from: "remote-1"}
	orch.IncomingVoiceCall(incoming)
	assert.NoError(t, orch.AnswerCall("remote-1"))

	time.Sleep(100 * time.Millisecond)

	// The answered leg that never became active is torn down and the slot
	// is free for a fresh dial.
	assert.True(t, incoming.acceptedLink().isClosed())
	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	assert.Equal(t, 1, transport.mediaCount())
}

func TestOrchestrator_IncomingCallRejectedWithoutHandler(t *testing.T) {
	orch, _, _ := newTestOrchestrator(testConfig())

	incoming := &fakeIncomingCall{from: "remote-1"}
	orch.IncomingVoiceCall(incoming)

	assert.True(t, incoming.wasRejected())
	assert.Error(t, orch.AnswerCall("remote-1"))
}

func TestOrchestrator_RejectCall(t *testing.T) {
	orch, _, _ := newTestOrchestrator(testConfig())

	orch.OnIncomingCall(func(string) {})

	incoming := &fakeIncomingCall{from: "remote-1"}
	orch.IncomingVoiceCall(incoming)

	assert.NoError(t, orch.RejectCall("remote-1"))
	assert.True(t, incoming.wasRejected())
	assert.False(t, incoming.wasAccepted())

	// The pending call is consumed either way.
	assert.Error(t, orch.RejectCall("remote-1"))
	assert.Error(t, orch.AnswerCall("remote-1"))
}

func TestOrchestrator_CloseAllCalls(t *testing.T) {
	orch, transport, _ := newTestOrchestrator(testConfig())
	ctx := context.Background()

	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	transport.latestMedia("remote-1").ev.OnActive()
	assert.NoError(t, orch.CallPeer(ctx, "remote-2"))

	orch.CloseAllCalls()

	assert.True(t, transport.latestMedia("remote-1").link.isClosed())
	assert.True(t, transport.latestMedia("remote-2").link.isClosed())

	// Both slots are free again.
	assert.NoError(t, orch.CallPeer(ctx, "remote-1"))
	assert.NoError(t, orch.CallPeer(ctx, "remote-2"))
	assert.Equal(t, 4, transport.mediaCount())
}

func TestOrchestrator_DestroyBeforeStart(t *testing.T) {
	orch, _, registry := newTestOrchestrator(testConfig())

	orch.Destroy()

	registry.mu.Lock()
	assert.Empty(t, registry.unregistered)
	registry.mu.Unlock()

	assert.Error(t, orch.Start(context.Background()))
}
