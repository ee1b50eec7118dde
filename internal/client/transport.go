package client

import (
	"context"
	"time"

	"github.com/pion/rtp"
)

// DataEvents bundles the lifecycle callbacks for one peer data link. Events
// for a single link arrive in channel order; the transport never reorders.
type DataEvents struct {
	OnOpen    func()
	OnMessage func(payload []byte)
	OnClose   func()
	OnError   func(err error)
}

// MediaEvents bundles the lifecycle callbacks for one voice call.
type MediaEvents struct {
	OnActive      func()
	OnRemoteAudio func(audio RemoteAudio)
	OnClose       func()
	OnError       func(err error)
}

// DataLink is an established (or establishing) reliable ordered channel to
// one remote peer. Send before OnOpen fires is an error.
type DataLink interface {
	Send(payload []byte) error
	Close() error
}

// MediaLink is an audio call leg to one remote peer.
type MediaLink interface {
	Close() error
}

// RemoteAudio is the inbound audio feed of a call, consumed packet by packet.
type RemoteAudio interface {
	FromPeer() string
	ReadPacket() (*rtp.Packet, error)
}

// AudioSource is a locally captured audio feed attached to outbound calls.
// ReadOpus blocks until the next encoded frame is available.
type AudioSource interface {
	ReadOpus() (frame []byte, duration time.Duration, err error)
}

// IncomingCall is an offered voice call awaiting an answer.
type IncomingCall interface {
	From() string
	Accept(src AudioSource, ev MediaEvents) (MediaLink, error)
	Reject() error
}

// IncomingHandler receives sessions and calls initiated by remote peers.
// Acceptance of data sessions is unconditional: the handler returns the
// events to wire, it cannot refuse the link.
type IncomingHandler interface {
	IncomingSession(remote string, link DataLink) DataEvents
	IncomingVoiceCall(call IncomingCall)
}

// Transport is the signaling-transport boundary. The orchestrator drives it
// through session handshakes and never inspects its internals.
type Transport interface {
	// Start runs the signaling handshake and returns the locally assigned
	// peer id. Identity is undefined until Start returns.
	Start(ctx context.Context) (string, error)

	// SetIncomingHandler must be called before Start.
	SetIncomingHandler(h IncomingHandler)

	// OpenData initiates a data session. The returned link is connecting;
	// ev.OnOpen fires when it becomes usable.
	OpenData(ctx context.Context, remote string, ev DataEvents) (DataLink, error)

	// OpenMedia initiates a voice call carrying src. ev.OnActive fires when
	// the call is established.
	OpenMedia(ctx context.Context, remote string, src AudioSource, ev MediaEvents) (MediaLink, error)

	Close() error
}
