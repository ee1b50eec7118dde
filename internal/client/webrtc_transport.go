package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"huddle/internal/core/domain"
	apperrors "huddle/pkg/errors"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const (
	purposeData  = "data"
	purposeVoice = "voice"
)

// TransportConfig configures the WebRTC transport.
type TransportConfig struct {
	SignalURL  string
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// sdpPayload carries an offer or answer. Purpose distinguishes the data
// session handshake from the voice call handshake to the same peer.
type sdpPayload struct {
	Purpose string                    `json:"purpose"`
	SDP     webrtc.SessionDescription `json:"sdp"`
}

type candidatePayload struct {
	Purpose   string                  `json:"purpose"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// WebRTCTransport drives pion over the rendezvous websocket: one
// PeerConnection with a reliable ordered data channel per data session, one
// PeerConnection carrying an Opus track per voice call.
type WebRTCTransport struct {
	config TransportConfig
	api    *webrtc.API
	signal *SignalClient
	logger *zap.SugaredLogger

	mu         sync.Mutex
	dataPeers  map[string]*dataPeer
	mediaPeers map[string]*mediaPeer
	pending    map[string][]webrtc.ICECandidateInit
	handler    IncomingHandler
	closed     bool
}

func NewWebRTCTransport(config TransportConfig, logger *zap.SugaredLogger) *WebRTCTransport {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max)
	}

	return &WebRTCTransport{
		config:     config,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		signal:     NewSignalClient(config.SignalURL, logger),
		logger:     logger,
		dataPeers:  make(map[string]*dataPeer),
		mediaPeers: make(map[string]*mediaPeer),
		pending:    make(map[string][]webrtc.ICECandidateInit),
	}
}

func (t *WebRTCTransport) SetIncomingHandler(h IncomingHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start connects to the rendezvous server and returns the assigned peer id.
func (t *WebRTCTransport) Start(ctx context.Context) (string, error) {
	t.signal.OnOffer = t.handleOffer
	t.signal.OnAnswer = t.handleAnswer
	t.signal.OnCandidate = t.handleCandidate
	t.signal.OnReject = t.handleReject

	return t.signal.Connect(ctx)
}

func (t *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	return t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: t.config.ICEServers,
	})
}

func pendingKey(remote, purpose string) string {
	return remote + "|" + purpose
}

// ---- data sessions ----

// dataPeer owns one data-session PeerConnection and serializes its close.
type dataPeer struct {
	remote string
	pc     *webrtc.PeerConnection
	ev     DataEvents

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	closeOnce sync.Once
}

func (d *dataPeer) Send(payload []byte) error {
	d.mu.Lock()
	dc := d.dc
	d.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrSessionClosed
	}
	return dc.Send(payload)
}

func (d *dataPeer) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.pc.Close()
	})
	return err
}

// attach wires the channel callbacks. Must run before the channel opens.
func (d *dataPeer) attach(dc *webrtc.DataChannel) {
	d.mu.Lock()
	d.dc = dc
	d.mu.Unlock()

	dc.OnOpen(func() {
		if d.ev.OnOpen != nil {
			d.ev.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if d.ev.OnMessage != nil {
			d.ev.OnMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		if d.ev.OnClose != nil {
			d.ev.OnClose()
		}
	})
	dc.OnError(func(err error) {
		if d.ev.OnError != nil {
			d.ev.OnError(apperrors.NewTransportError("data channel error", err))
		}
	})
}

func (t *WebRTCTransport) OpenData(ctx context.Context, remote string, ev DataEvents) (DataLink, error) {
	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, apperrors.NewTransportError("failed to create peer connection", err)
	}

	dp := &dataPeer{remote: remote, pc: pc, ev: ev}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		pc.Close()
		return nil, fmt.Errorf("transport closed")
	}
	if _, exists := t.dataPeers[remote]; exists {
		t.mu.Unlock()
		pc.Close()
		return nil, fmt.Errorf("data session to %s already negotiating", remote)
	}
	t.dataPeers[remote] = dp
	t.mu.Unlock()

	ordered := true
	dc, err := pc.CreateDataChannel("data", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		t.dropDataPeer(remote)
		return nil, apperrors.NewTransportError("failed to create data channel", err)
	}
	dp.attach(dc)

	t.wireDataConnection(remote, dp)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.dropDataPeer(remote)
		return nil, apperrors.NewPeerUnreachableError(remote, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.dropDataPeer(remote)
		return nil, apperrors.NewTransportError("failed to set local description", err)
	}
	if err := t.signal.Send(remote, "offer", sdpPayload{Purpose: purposeData, SDP: offer}); err != nil {
		t.dropDataPeer(remote)
		return nil, apperrors.NewPeerUnreachableError(remote, err)
	}

	return dp, nil
}

// wireDataConnection attaches ICE and state handlers shared by the outbound
// and inbound paths, so accepted and initiated sessions behave identically.
func (t *WebRTCTransport) wireDataConnection(remote string, dp *dataPeer) {
	dp.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := t.signal.Send(remote, "ice_candidate", candidatePayload{Purpose: purposeData, Candidate: c.ToJSON()}); err != nil {
			t.logger.Debugw("failed to relay ICE candidate", "peer_id", remote, "error", err)
		}
	})

	dp.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			t.dropDataPeer(remote)
			if dp.ev.OnError != nil {
				dp.ev.OnError(apperrors.NewPeerUnreachableError(remote, domain.ErrPeerUnreachable))
			}
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			t.dropDataPeer(remote)
			if dp.ev.OnClose != nil {
				dp.ev.OnClose()
			}
		}
	})
}

func (t *WebRTCTransport) dropDataPeer(remote string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dataPeers, remote)
	delete(t.pending, pendingKey(remote, purposeData))
}

// acceptDataOffer accepts an inbound data session unconditionally: any peer
// that can reach the signaling layer may connect.
func (t *WebRTCTransport) acceptDataOffer(from string, payload sdpPayload) {
	t.mu.Lock()
	handler := t.handler
	_, exists := t.dataPeers[from]
	t.mu.Unlock()

	if handler == nil {
		t.logger.Warnw("inbound data offer with no handler installed", "peer_id", from)
		return
	}
	if exists {
		// Simultaneous dial from both sides; keep the attempt already in flight.
		t.logger.Debugw("ignoring inbound data offer, session already negotiating", "peer_id", from)
		return
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		t.logger.Errorw("failed to create peer connection for inbound offer", "peer_id", from, "error", err)
		return
	}

	dp := &dataPeer{remote: from, pc: pc}

	t.mu.Lock()
	t.dataPeers[from] = dp
	t.mu.Unlock()

	dp.ev = handler.IncomingSession(from, dp)
	t.wireDataConnection(from, dp)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dp.attach(dc)
	})

	if err := pc.SetRemoteDescription(payload.SDP); err != nil {
		t.logger.Debugw("failed to apply inbound offer", "peer_id", from, "error", err)
		t.dropDataPeer(from)
		pc.Close()
		return
	}
	t.flushPendingCandidates(from, purposeData, pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.logger.Debugw("failed to answer inbound offer", "peer_id", from, "error", err)
		t.dropDataPeer(from)
		pc.Close()
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		t.dropDataPeer(from)
		pc.Close()
		return
	}
	if err := t.signal.Send(from, "answer", sdpPayload{Purpose: purposeData, SDP: answer}); err != nil {
		t.logger.Debugw("failed to relay answer", "peer_id", from, "error", err)
		t.dropDataPeer(from)
		pc.Close()
	}
}

// ---- voice calls ----

// mediaPeer owns one voice-call PeerConnection and its local audio pump.
type mediaPeer struct {
	remote string
	pc     *webrtc.PeerConnection
	ev     MediaEvents

	stopPump  chan struct{}
	closeOnce sync.Once
}

func (m *mediaPeer) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopPump)
		err = m.pc.Close()
	})
	return err
}

// remoteAudioTrack adapts a pion remote track to the RemoteAudio interface.
type remoteAudioTrack struct {
	peer  string
	track *webrtc.TrackRemote
}

func (r *remoteAudioTrack) FromPeer() string {
	return r.peer
}

func (r *remoteAudioTrack) ReadPacket() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}

func (t *WebRTCTransport) OpenMedia(ctx context.Context, remote string, src AudioSource, ev MediaEvents) (MediaLink, error) {
	mp, err := t.newMediaPeer(remote, src, ev)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if _, exists := t.mediaPeers[remote]; exists {
		t.mu.Unlock()
		mp.Close()
		return nil, fmt.Errorf("voice call to %s already negotiating", remote)
	}
	t.mediaPeers[remote] = mp
	t.mu.Unlock()

	offer, err := mp.pc.CreateOffer(nil)
	if err != nil {
		t.dropMediaPeer(remote)
		mp.Close()
		return nil, apperrors.NewPeerUnreachableError(remote, err)
	}
	if err := mp.pc.SetLocalDescription(offer); err != nil {
		t.dropMediaPeer(remote)
		mp.Close()
		return nil, apperrors.NewTransportError("failed to set local description", err)
	}
	if err := t.signal.Send(remote, "offer", sdpPayload{Purpose: purposeVoice, SDP: offer}); err != nil {
		t.dropMediaPeer(remote)
		mp.Close()
		return nil, apperrors.NewPeerUnreachableError(remote, err)
	}

	return mp, nil
}

// newMediaPeer builds the call leg shared by dial and answer paths: local
// Opus track plus pump, remote track delivery, RTCP drain.
func (t *WebRTCTransport) newMediaPeer(remote string, src AudioSource, ev MediaEvents) (*mediaPeer, error) {
	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, apperrors.NewTransportError("failed to create peer connection", err)
	}

	mp := &mediaPeer{remote: remote, pc: pc, ev: ev, stopPump: make(chan struct{})}

	localTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"huddle-audio",
	)
	if err != nil {
		pc.Close()
		return nil, apperrors.NewTransportError("failed to create local audio track", err)
	}

	sender, err := pc.AddTrack(localTrack)
	if err != nil {
		pc.Close()
		return nil, apperrors.NewTransportError("failed to add local audio track", err)
	}

	// The sender's RTCP stream must be drained for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	if src != nil {
		go t.pumpAudio(remote, src, localTrack, mp.stopPump)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Infow("remote audio track started", "peer_id", remote, "codec", track.Codec().MimeType)
		go t.drainRTCP(remote, receiver)
		if ev.OnRemoteAudio != nil {
			ev.OnRemoteAudio(&remoteAudioTrack{peer: remote, track: track})
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := t.signal.Send(remote, "ice_candidate", candidatePayload{Purpose: purposeVoice, Candidate: c.ToJSON()}); err != nil {
			t.logger.Debugw("failed to relay ICE candidate", "peer_id", remote, "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if ev.OnActive != nil {
				ev.OnActive()
			}
		case webrtc.PeerConnectionStateFailed:
			t.dropMediaPeer(remote)
			if ev.OnError != nil {
				ev.OnError(apperrors.NewPeerUnreachableError(remote, domain.ErrPeerUnreachable))
			}
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			t.dropMediaPeer(remote)
			if ev.OnClose != nil {
				ev.OnClose()
			}
		}
	})

	return mp, nil
}

// pumpAudio feeds local Opus frames into the outbound track until the call
// leg closes or the source dries up.
func (t *WebRTCTransport) pumpAudio(remote string, src AudioSource, track *webrtc.TrackLocalStaticSample, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		frame, duration, err := src.ReadOpus()
		if err != nil {
			t.logger.Debugw("local audio source ended", "peer_id", remote, "error", err)
			return
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: duration}); err != nil {
			t.logger.Debugw("failed to write audio sample", "peer_id", remote, "error", err)
			return
		}
	}
}

// drainRTCP reads receiver reports for call quality visibility.
func (t *WebRTCTransport) drainRTCP(remote string, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if rr, ok := packet.(*rtcp.ReceiverReport); ok {
				for _, report := range rr.Reports {
					t.logger.Debugw("call receiver report",
						"peer_id", remote,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func (t *WebRTCTransport) dropMediaPeer(remote string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.mediaPeers, remote)
	delete(t.pending, pendingKey(remote, purposeVoice))
}

// incomingVoiceCall defers PeerConnection setup until the application
// answers, so the local audio source can be attached at accept time.
type incomingVoiceCall struct {
	transport *WebRTCTransport
	from      string
	offer     webrtc.SessionDescription
}

func (c *incomingVoiceCall) From() string {
	return c.from
}

func (c *incomingVoiceCall) Accept(src AudioSource, ev MediaEvents) (MediaLink, error) {
	t := c.transport

	mp, err := t.newMediaPeer(c.from, src, ev)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if _, exists := t.mediaPeers[c.from]; exists {
		t.mu.Unlock()
		mp.Close()
		return nil, fmt.Errorf("voice call to %s already negotiating", c.from)
	}
	t.mediaPeers[c.from] = mp
	t.mu.Unlock()

	if err := mp.pc.SetRemoteDescription(c.offer); err != nil {
		t.dropMediaPeer(c.from)
		mp.Close()
		return nil, apperrors.NewPeerUnreachableError(c.from, err)
	}
	t.flushPendingCandidates(c.from, purposeVoice, mp.pc)

	answer, err := mp.pc.CreateAnswer(nil)
	if err != nil {
		t.dropMediaPeer(c.from)
		mp.Close()
		return nil, apperrors.NewPeerUnreachableError(c.from, err)
	}
	if err := mp.pc.SetLocalDescription(answer); err != nil {
		t.dropMediaPeer(c.from)
		mp.Close()
		return nil, apperrors.NewTransportError("failed to set local description", err)
	}
	if err := t.signal.Send(c.from, "answer", sdpPayload{Purpose: purposeVoice, SDP: answer}); err != nil {
		t.dropMediaPeer(c.from)
		mp.Close()
		return nil, apperrors.NewPeerUnreachableError(c.from, err)
	}

	return mp, nil
}

// Reject drops the buffered negotiation state and tells the caller, so the
// other side can release its dialing leg instead of waiting it out.
func (c *incomingVoiceCall) Reject() error {
	c.transport.mu.Lock()
	delete(c.transport.pending, pendingKey(c.from, purposeVoice))
	c.transport.mu.Unlock()
	return c.transport.signal.Send(c.from, "call_reject", struct{}{})
}

// ---- signaling dispatch ----

func (t *WebRTCTransport) handleOffer(from string, raw json.RawMessage) {
	var payload sdpPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.logger.Debugw("malformed offer payload", "peer_id", from, "error", err)
		return
	}

	switch payload.Purpose {
	case purposeData:
		t.acceptDataOffer(from, payload)
	case purposeVoice:
		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler == nil {
			t.logger.Warnw("inbound voice offer with no handler installed", "peer_id", from)
			return
		}
		handler.IncomingVoiceCall(&incomingVoiceCall{transport: t, from: from, offer: payload.SDP})
	default:
		t.logger.Debugw("offer with unknown purpose ignored", "peer_id", from, "purpose", payload.Purpose)
	}
}

func (t *WebRTCTransport) handleAnswer(from string, raw json.RawMessage) {
	var payload sdpPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.logger.Debugw("malformed answer payload", "peer_id", from, "error", err)
		return
	}

	pc := t.lookupPC(from, payload.Purpose)
	if pc == nil {
		t.logger.Debugw("answer for unknown negotiation ignored", "peer_id", from, "purpose", payload.Purpose)
		return
	}

	if err := pc.SetRemoteDescription(payload.SDP); err != nil {
		t.logger.Debugw("failed to apply answer", "peer_id", from, "error", err)
		return
	}
	t.flushPendingCandidates(from, payload.Purpose, pc)
}

// handleReject tears down a dialing voice leg the callee declined.
func (t *WebRTCTransport) handleReject(from string) {
	t.mu.Lock()
	mp, ok := t.mediaPeers[from]
	delete(t.mediaPeers, from)
	delete(t.pending, pendingKey(from, purposeVoice))
	t.mu.Unlock()

	if !ok {
		return
	}

	t.logger.Infow("voice call rejected by remote", "peer_id", from)
	mp.Close()
	if mp.ev.OnClose != nil {
		mp.ev.OnClose()
	}
}

func (t *WebRTCTransport) handleCandidate(from string, raw json.RawMessage) {
	var payload candidatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.logger.Debugw("malformed candidate payload", "peer_id", from, "error", err)
		return
	}

	pc := t.lookupPC(from, payload.Purpose)
	if pc == nil || pc.RemoteDescription() == nil {
		// Candidates can race the offer; hold them until the PeerConnection
		// is ready.
		t.mu.Lock()
		key := pendingKey(from, payload.Purpose)
		t.pending[key] = append(t.pending[key], payload.Candidate)
		t.mu.Unlock()
		return
	}

	if err := pc.AddICECandidate(payload.Candidate); err != nil {
		t.logger.Debugw("failed to add ICE candidate", "peer_id", from, "error", err)
	}
}

func (t *WebRTCTransport) lookupPC(remote, purpose string) *webrtc.PeerConnection {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch purpose {
	case purposeData:
		if dp, ok := t.dataPeers[remote]; ok {
			return dp.pc
		}
	case purposeVoice:
		if mp, ok := t.mediaPeers[remote]; ok {
			return mp.pc
		}
	}
	return nil
}

func (t *WebRTCTransport) flushPendingCandidates(remote, purpose string, pc *webrtc.PeerConnection) {
	t.mu.Lock()
	key := pendingKey(remote, purpose)
	candidates := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()

	for _, candidate := range candidates {
		if err := pc.AddICECandidate(candidate); err != nil {
			t.logger.Debugw("failed to add buffered ICE candidate", "peer_id", remote, "error", err)
		}
	}
}

func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	dataPeers := t.dataPeers
	mediaPeers := t.mediaPeers
	t.dataPeers = make(map[string]*dataPeer)
	t.mediaPeers = make(map[string]*mediaPeer)
	t.pending = make(map[string][]webrtc.ICECandidateInit)
	t.mu.Unlock()

	for _, dp := range dataPeers {
		dp.Close()
	}
	for _, mp := range mediaPeers {
		mp.Close()
	}
	return t.signal.Close()
}
