package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// signalMessage mirrors the rendezvous server's wire format.
type signalMessage struct {
	Type       string          `json:"type"`
	PeerID     string          `json:"peer_id,omitempty"`
	FromPeer   string          `json:"from_peer,omitempty"`
	TargetPeer string          `json:"target_peer,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// SignalClient is the websocket connection to the rendezvous server. It
// delivers the server-assigned peer id and relays negotiation messages.
type SignalClient struct {
	url    string
	logger *zap.SugaredLogger

	conn    *websocket.Conn
	writeMu sync.Mutex

	// Set before Connect; invoked from the read loop goroutine.
	OnOffer     func(from string, payload json.RawMessage)
	OnAnswer    func(from string, payload json.RawMessage)
	OnCandidate func(from string, payload json.RawMessage)
	OnReject    func(from string)
	OnClosed    func(err error)

	welcome   chan string
	closeOnce sync.Once
	done      chan struct{}
}

func NewSignalClient(url string, logger *zap.SugaredLogger) *SignalClient {
	return &SignalClient{
		url:     url,
		logger:  logger,
		welcome: make(chan string, 1),
		done:    make(chan struct{}),
	}
}

// Connect dials the rendezvous server and blocks until it assigns a peer id
// or ctx expires.
func (c *SignalClient) Connect(ctx context.Context) (string, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to dial signaling server: %w", err)
	}
	c.conn = conn

	go c.readLoop()

	select {
	case peerID := <-c.welcome:
		return peerID, nil
	case <-c.done:
		return "", fmt.Errorf("signaling connection closed before welcome")
	case <-ctx.Done():
		c.Close()
		return "", fmt.Errorf("signaling handshake cancelled: %w", ctx.Err())
	}
}

func (c *SignalClient) readLoop() {
	defer c.markClosed(nil)

	for {
		var msg signalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.markClosed(err)
			return
		}

		switch msg.Type {
		case "welcome":
			select {
			case c.welcome <- msg.PeerID:
			default:
			}
		case "offer":
			if c.OnOffer != nil {
				c.OnOffer(msg.FromPeer, msg.Payload)
			}
		case "answer":
			if c.OnAnswer != nil {
				c.OnAnswer(msg.FromPeer, msg.Payload)
			}
		case "ice_candidate":
			if c.OnCandidate != nil {
				c.OnCandidate(msg.FromPeer, msg.Payload)
			}
		case "call_reject":
			if c.OnReject != nil {
				c.OnReject(msg.FromPeer)
			}
		case "error":
			c.logger.Warnw("signaling server reported error", "message", msg.Message)
		default:
			// Unknown signaling traffic is ignored, not an error.
		}
	}
}

// Send relays one negotiation message to the target peer.
func (c *SignalClient) Send(target, msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("signaling client not connected")
	}
	return c.conn.WriteJSON(signalMessage{
		Type:       msgType,
		TargetPeer: target,
		Payload:    data,
	})
}

func (c *SignalClient) markClosed(err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.OnClosed != nil {
			c.OnClosed(err)
		}
	})
}

func (c *SignalClient) Close() error {
	c.markClosed(nil)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
