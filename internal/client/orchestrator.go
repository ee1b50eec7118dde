package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/protocol"
	apperrors "huddle/pkg/errors"

	"go.uber.org/zap"
)

// Registry is the presence surface the orchestrator needs. RegistryClient
// implements it over HTTP.
type Registry interface {
	Register(ctx context.Context, peerID, displayName string) error
	Unregister(ctx context.Context, peerID string) error
	Heartbeat(ctx context.Context, peerID string) error
	ListPeers(ctx context.Context) ([]domain.PeerInfo, error)
}

// OrchestratorConfig tunes the connection lifecycle.
type OrchestratorConfig struct {
	DisplayName          string
	HeartbeatInterval    time.Duration
	DiscoveryInterval    time.Duration
	SessionOpenTimeout   time.Duration
	RequestTimeout       time.Duration
	ReregisterOnNotFound bool
}

// Orchestrator owns every peer connection of one local client: data sessions,
// voice calls, the registry heartbeat and peer discovery. It is safe for
// concurrent use.
type Orchestrator struct {
	config    OrchestratorConfig
	transport Transport
	registry  Registry
	audio     AudioSource
	logger    *zap.SugaredLogger

	mu           sync.Mutex
	localID      string
	started      bool
	destroyed    bool
	sessions     map[string]*session
	calls        map[string]*voiceCall
	pendingCalls map[string]IncomingCall

	nextSub  int
	dataSubs map[int]func(from string, msg protocol.Message)
	connSubs map[int]func(peerID string, connected bool)
	audioSub map[int]func(audio RemoteAudio)
	callSubs map[int]func(from string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator builds an orchestrator. The audio source may be nil when
// the client never places or answers voice calls.
func NewOrchestrator(config OrchestratorConfig, transport Transport, registry Registry, audio AudioSource, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		config:       config,
		transport:    transport,
		registry:     registry,
		audio:        audio,
		logger:       logger,
		sessions:     make(map[string]*session),
		calls:        make(map[string]*voiceCall),
		pendingCalls: make(map[string]IncomingCall),
		dataSubs:     make(map[int]func(string, protocol.Message)),
		connSubs:     make(map[int]func(string, bool)),
		audioSub:     make(map[int]func(RemoteAudio)),
		callSubs:     make(map[int]func(string)),
	}
}

// LocalID returns the peer id assigned at Start, or empty before that.
func (o *Orchestrator) LocalID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localID
}

// Start connects the transport, registers presence and launches the
// heartbeat and discovery loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator destroyed")
	}
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	o.transport.SetIncomingHandler(o)

	localID, err := o.transport.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	registerCtx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
	err = o.registry.Register(registerCtx, localID, o.config.DisplayName)
	cancel()
	if err != nil {
		o.transport.Close()
		return fmt.Errorf("failed to register presence: %w", err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		loopCancel()
		o.transport.Close()
		return fmt.Errorf("orchestrator destroyed")
	}
	o.localID = localID
	o.cancel = loopCancel
	o.mu.Unlock()

	o.logger.Infow("orchestrator started", "peer_id", localID, "display_name", o.config.DisplayName)

	o.wg.Add(2)
	go o.heartbeatLoop(loopCtx)
	go o.discoveryLoop(loopCtx)

	return nil
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sendHeartbeat(ctx)
		}
	}
}

func (o *Orchestrator) sendHeartbeat(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
	defer cancel()

	err := o.registry.Heartbeat(tickCtx, o.localID)
	if err == nil {
		return
	}

	if errors.Is(err, domain.ErrPeerNotFound) && o.config.ReregisterOnNotFound {
		// The registry evicted us, likely after a network stall. Re-register
		// so other peers can still discover us.
		o.logger.Warnw("presence record expired, re-registering", "peer_id", o.localID)
		if err := o.registry.Register(tickCtx, o.localID, o.config.DisplayName); err != nil {
			o.logger.Errorw("failed to re-register presence", "peer_id", o.localID, "error", err)
		}
		return
	}

	o.logger.Warnw("heartbeat failed", "peer_id", o.localID, "error", err)
}

func (o *Orchestrator) discoveryLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.discoverPeers(ctx)
		}
	}
}

func (o *Orchestrator) discoverPeers(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
	defer cancel()

	peers, err := o.registry.ListPeers(tickCtx)
	if err != nil {
		o.logger.Warnw("peer discovery failed", "error", err)
		return
	}

	for _, peer := range peers {
		remote := string(peer.ID)
		if remote == o.localID {
			continue
		}
		if err := o.OpenSession(ctx, remote); err != nil {
			o.logger.Warnw("failed to open session to discovered peer", "peer_id", remote, "error", err)
		}
	}
}

// ---- data sessions ----

// OpenSession dials a data session to the remote peer. A second call for a
// peer whose session is connecting or open is a no-op.
func (o *Orchestrator) OpenSession(ctx context.Context, remote string) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator destroyed")
	}
	if existing, ok := o.sessions[remote]; ok && existing.state != SessionClosed {
		o.mu.Unlock()
		return nil
	}

	sess := &session{remote: remote, state: SessionConnecting}
	sess.openTimer = time.AfterFunc(o.config.SessionOpenTimeout, func() {
		o.timeoutSession(remote, sess)
	})
	o.sessions[remote] = sess
	o.mu.Unlock()

	link, err := o.transport.OpenData(ctx, remote, o.sessionEvents(remote, sess))
	if err != nil {
		o.discardSession(remote, sess)
		if apperrors.IsPeerUnreachable(err) {
			o.logger.Debugw("peer unreachable", "peer_id", remote, "error", err)
			return nil
		}
		return err
	}

	o.mu.Lock()
	if o.sessions[remote] != sess || sess.state == SessionClosed {
		// Timed out or torn down while dialing.
		o.mu.Unlock()
		link.Close()
		return nil
	}
	sess.link = link
	o.mu.Unlock()

	return nil
}

func (o *Orchestrator) sessionEvents(remote string, sess *session) DataEvents {
	return DataEvents{
		OnOpen: func() {
			o.sessionOpened(remote, sess)
		},
		OnMessage: func(payload []byte) {
			o.sessionMessage(remote, payload)
		},
		OnClose: func() {
			o.removeSession(remote, sess)
		},
		OnError: func(err error) {
			if apperrors.IsPeerUnreachable(err) {
				o.logger.Debugw("peer unreachable", "peer_id", remote, "error", err)
			} else {
				o.logger.Warnw("data session error", "peer_id", remote, "error", err)
			}
			o.removeSession(remote, sess)
		},
	}
}

// timeoutSession discards a session that never opened. No events fire: to
// subscribers the peer was simply never there.
func (o *Orchestrator) timeoutSession(remote string, sess *session) {
	o.mu.Lock()
	if o.sessions[remote] != sess || sess.state != SessionConnecting {
		o.mu.Unlock()
		return
	}
	sess.markClosed()
	delete(o.sessions, remote)
	o.mu.Unlock()

	sess.teardown()
	o.logger.Debugw("session open timed out", "peer_id", remote, "timeout", o.config.SessionOpenTimeout)
}

// discardSession removes a session that failed before opening, silently.
func (o *Orchestrator) discardSession(remote string, sess *session) {
	o.mu.Lock()
	if o.sessions[remote] == sess {
		delete(o.sessions, remote)
	}
	sess.markClosed()
	o.mu.Unlock()

	sess.teardown()
}

func (o *Orchestrator) sessionOpened(remote string, sess *session) {
	o.mu.Lock()
	if o.sessions[remote] != sess || !sess.markOpen(time.Now()) {
		o.mu.Unlock()
		return
	}
	subs := o.connSnapshot()
	o.mu.Unlock()

	o.logger.Infow("session established", "peer_id", remote)
	for _, fn := range subs {
		fn(remote, true)
	}
}

// removeSession tears a session down. The peer-removed event fires only for
// sessions that actually reached the open state.
func (o *Orchestrator) removeSession(remote string, sess *session) {
	o.mu.Lock()
	if o.sessions[remote] != sess {
		o.mu.Unlock()
		return
	}
	delete(o.sessions, remote)
	wasOpen := sess.markClosed()
	var subs []func(string, bool)
	if wasOpen {
		subs = o.connSnapshot()
	}
	o.mu.Unlock()

	sess.teardown()

	if wasOpen {
		o.logger.Infow("session closed", "peer_id", remote)
		for _, fn := range subs {
			fn(remote, false)
		}
	}
}

func (o *Orchestrator) sessionMessage(remote string, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		o.logger.Debugw("dropping malformed message", "peer_id", remote, "error", err)
		return
	}
	if msg.Kind == protocol.KindUnknown {
		return
	}

	o.mu.Lock()
	subs := make([]func(string, protocol.Message), 0, len(o.dataSubs))
	for _, fn := range o.dataSubs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(remote, msg)
	}
}

// Send delivers one message to one peer. Returns false without error when no
// open session exists or the send fails; unreachable peers are not a fault.
func (o *Orchestrator) Send(remote string, payload interface{}) bool {
	o.mu.Lock()
	sess, ok := o.sessions[remote]
	if !ok || sess.state != SessionOpen {
		o.mu.Unlock()
		return false
	}
	link := sess.link
	o.mu.Unlock()

	data, err := protocol.Encode(payload)
	if err != nil {
		o.logger.Errorw("failed to encode message", "error", err)
		return false
	}

	if err := link.Send(data); err != nil {
		o.logger.Debugw("send failed", "peer_id", remote, "error", err)
		return false
	}
	return true
}

// Broadcast sends one message to every open session. A failed recipient is
// logged and skipped; the rest still receive the message.
func (o *Orchestrator) Broadcast(payload interface{}) {
	data, err := protocol.Encode(payload)
	if err != nil {
		o.logger.Errorw("failed to encode broadcast", "error", err)
		return
	}

	o.mu.Lock()
	links := make(map[string]DataLink, len(o.sessions))
	for remote, sess := range o.sessions {
		if sess.state == SessionOpen {
			links[remote] = sess.link
		}
	}
	o.mu.Unlock()

	for remote, link := range links {
		if err := link.Send(data); err != nil {
			o.logger.Warnw("broadcast recipient failed", "peer_id", remote, "error", err)
		}
	}
}

// CloseSession tears down the session to one peer, if any.
func (o *Orchestrator) CloseSession(remote string) {
	o.mu.Lock()
	sess, ok := o.sessions[remote]
	o.mu.Unlock()
	if ok {
		o.removeSession(remote, sess)
	}
}

// CloseAllSessions tears down every session, firing peer-removed for each
// open one.
func (o *Orchestrator) CloseAllSessions() {
	o.mu.Lock()
	snapshot := make(map[string]*session, len(o.sessions))
	for remote, sess := range o.sessions {
		snapshot[remote] = sess
	}
	o.mu.Unlock()

	for remote, sess := range snapshot {
		o.removeSession(remote, sess)
	}
}

// ---- voice calls ----

// CallPeer places a voice call. A second call for a peer whose call is
// connecting or active is a no-op.
func (o *Orchestrator) CallPeer(ctx context.Context, remote string) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator destroyed")
	}
	if existing, ok := o.calls[remote]; ok && existing.state != CallClosed {
		o.mu.Unlock()
		return nil
	}
	call := &voiceCall{remote: remote, state: CallConnecting}
	call.openTimer = time.AfterFunc(o.config.SessionOpenTimeout, func() {
		o.timeoutCall(remote, call)
	})
	o.calls[remote] = call
	o.mu.Unlock()

	link, err := o.transport.OpenMedia(ctx, remote, o.audio, o.callEvents(remote, call))
	if err != nil {
		o.discardCall(remote, call)
		if apperrors.IsPeerUnreachable(err) {
			o.logger.Debugw("peer unreachable for voice", "peer_id", remote, "error", err)
			return nil
		}
		return err
	}

	o.mu.Lock()
	if o.calls[remote] != call || call.state == CallClosed {
		o.mu.Unlock()
		link.Close()
		return nil
	}
	call.link = link
	o.mu.Unlock()

	return nil
}

func (o *Orchestrator) callEvents(remote string, call *voiceCall) MediaEvents {
	return MediaEvents{
		OnActive: func() {
			o.callActive(remote, call)
		},
		OnRemoteAudio: func(audio RemoteAudio) {
			o.mu.Lock()
			subs := make([]func(RemoteAudio), 0, len(o.audioSub))
			for _, fn := range o.audioSub {
				subs = append(subs, fn)
			}
			o.mu.Unlock()
			for _, fn := range subs {
				fn(audio)
			}
		},
		OnClose: func() {
			o.removeCall(remote, call)
		},
		OnError: func(err error) {
			if apperrors.IsPeerUnreachable(err) {
				o.logger.Debugw("peer unreachable for voice", "peer_id", remote, "error", err)
			} else {
				o.logger.Warnw("voice call error", "peer_id", remote, "error", err)
			}
			o.removeCall(remote, call)
		},
	}
}

// timeoutCall discards a call that never became active, silently, the same
// way a session that never opened is discarded. Without it a rejected or
// unanswered dial would hold the call slot forever.
func (o *Orchestrator) timeoutCall(remote string, call *voiceCall) {
	o.mu.Lock()
	if o.calls[remote] != call || call.state != CallConnecting {
		o.mu.Unlock()
		return
	}
	call.markClosed()
	delete(o.calls, remote)
	o.mu.Unlock()

	call.teardown()
	o.logger.Debugw("voice call open timed out", "peer_id", remote, "timeout", o.config.SessionOpenTimeout)
}

func (o *Orchestrator) callActive(remote string, call *voiceCall) {
	o.mu.Lock()
	active := o.calls[remote] == call && call.markActive()
	o.mu.Unlock()
	if active {
		o.logger.Infow("voice call active", "peer_id", remote)
	}
}

func (o *Orchestrator) removeCall(remote string, call *voiceCall) {
	o.mu.Lock()
	if o.calls[remote] != call {
		o.mu.Unlock()
		return
	}
	delete(o.calls, remote)
	wasActive := call.markClosed()
	o.mu.Unlock()

	call.teardown()
	if wasActive {
		o.logger.Infow("voice call closed", "peer_id", remote)
	}
}

func (o *Orchestrator) discardCall(remote string, call *voiceCall) {
	o.mu.Lock()
	if o.calls[remote] == call {
		delete(o.calls, remote)
	}
	call.markClosed()
	o.mu.Unlock()

	call.teardown()
}

// AnswerCall accepts a pending inbound voice call from the given peer.
func (o *Orchestrator) AnswerCall(remote string) error {
	o.mu.Lock()
	incoming, ok := o.pendingCalls[remote]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("no pending call from %s", remote)
	}
	delete(o.pendingCalls, remote)

	if existing, exists := o.calls[remote]; exists && existing.state != CallClosed {
		o.mu.Unlock()
		incoming.Reject()
		return fmt.Errorf("call to %s already in progress", remote)
	}
	call := &voiceCall{remote: remote, state: CallConnecting}
	call.openTimer = time.AfterFunc(o.config.SessionOpenTimeout, func() {
		o.timeoutCall(remote, call)
	})
	o.calls[remote] = call
	o.mu.Unlock()

	link, err := incoming.Accept(o.audio, o.callEvents(remote, call))
	if err != nil {
		o.discardCall(remote, call)
		return fmt.Errorf("failed to answer call from %s: %w", remote, err)
	}

	o.mu.Lock()
	if o.calls[remote] != call || call.state == CallClosed {
		// Timed out or torn down while answering.
		o.mu.Unlock()
		link.Close()
		return nil
	}
	call.link = link
	o.mu.Unlock()

	return nil
}

// RejectCall declines a pending inbound voice call.
func (o *Orchestrator) RejectCall(remote string) error {
	o.mu.Lock()
	incoming, ok := o.pendingCalls[remote]
	delete(o.pendingCalls, remote)
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending call from %s", remote)
	}
	return incoming.Reject()
}

// CloseCall hangs up the call to one peer, if any.
func (o *Orchestrator) CloseCall(remote string) {
	o.mu.Lock()
	call, ok := o.calls[remote]
	o.mu.Unlock()
	if ok {
		o.removeCall(remote, call)
	}
}

// CloseAllCalls hangs up every call.
func (o *Orchestrator) CloseAllCalls() {
	o.mu.Lock()
	snapshot := make(map[string]*voiceCall, len(o.calls))
	for remote, call := range o.calls {
		snapshot[remote] = call
	}
	o.mu.Unlock()

	for remote, call := range snapshot {
		o.removeCall(remote, call)
	}
}

// ---- inbound handling (IncomingHandler) ----

// IncomingSession registers a peer-initiated data session. Once open it is
// indistinguishable from one this side dialed.
func (o *Orchestrator) IncomingSession(remote string, link DataLink) DataEvents {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		link.Close()
		return DataEvents{}
	}
	if existing, ok := o.sessions[remote]; ok && existing.state != SessionClosed {
		o.mu.Unlock()
		o.logger.Debugw("rejecting duplicate inbound session", "peer_id", remote)
		link.Close()
		return DataEvents{}
	}

	sess := &session{remote: remote, state: SessionConnecting, link: link}
	sess.openTimer = time.AfterFunc(o.config.SessionOpenTimeout, func() {
		o.timeoutSession(remote, sess)
	})
	o.sessions[remote] = sess
	o.mu.Unlock()

	return o.sessionEvents(remote, sess)
}

// IncomingVoiceCall parks a peer-initiated call until the application answers
// or rejects it. With no subscriber installed the call is rejected.
func (o *Orchestrator) IncomingVoiceCall(call IncomingCall) {
	remote := call.From()

	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		call.Reject()
		return
	}
	o.pendingCalls[remote] = call
	subs := make([]func(string), 0, len(o.callSubs))
	for _, fn := range o.callSubs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	if len(subs) == 0 {
		o.logger.Debugw("rejecting call, no handler installed", "peer_id", remote)
		o.RejectCall(remote)
		return
	}

	o.logger.Infow("incoming voice call", "peer_id", remote)
	for _, fn := range subs {
		fn(remote)
	}
}

// ---- subscriptions ----

func (o *Orchestrator) connSnapshot() []func(string, bool) {
	subs := make([]func(string, bool), 0, len(o.connSubs))
	for _, fn := range o.connSubs {
		subs = append(subs, fn)
	}
	return subs
}

// OnData subscribes to decoded messages from any peer. The returned function
// removes the subscription.
func (o *Orchestrator) OnData(fn func(from string, msg protocol.Message)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.dataSubs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.dataSubs, id)
	}
}

// OnConnectionChange subscribes to session-established and peer-removed
// events.
func (o *Orchestrator) OnConnectionChange(fn func(peerID string, connected bool)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.connSubs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.connSubs, id)
	}
}

// OnRemoteAudio subscribes to remote audio tracks from active calls.
func (o *Orchestrator) OnRemoteAudio(fn func(audio RemoteAudio)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.audioSub[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.audioSub, id)
	}
}

// OnIncomingCall subscribes to inbound voice call notifications.
func (o *Orchestrator) OnIncomingCall(fn func(from string)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.callSubs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.callSubs, id)
	}
}

// ---- teardown ----

// Destroy stops the loops, unregisters presence and tears down every session
// and call. It is idempotent and safe to call before Start.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	cancel := o.cancel
	localID := o.localID
	started := o.started
	pending := o.pendingCalls
	o.pendingCalls = make(map[string]IncomingCall)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	for _, call := range pending {
		call.Reject()
	}

	o.CloseAllCalls()
	o.CloseAllSessions()

	if started && localID != "" {
		ctx, ctxCancel := context.WithTimeout(context.Background(), o.config.RequestTimeout)
		if err := o.registry.Unregister(ctx, localID); err != nil {
			o.logger.Warnw("failed to unregister on destroy", "peer_id", localID, "error", err)
		}
		ctxCancel()
	}

	if err := o.transport.Close(); err != nil {
		o.logger.Debugw("transport close", "error", err)
	}

	o.logger.Infow("orchestrator destroyed", "peer_id", localID)
}
