package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocketServer is the rendezvous point peers negotiate sessions through.
// It assigns each connecting peer an opaque id and relays offer/answer/ICE
// and call-reject messages to their explicit target. It never inspects channel payloads;
// established sessions bypass it entirely.
type WebSocketServer struct {
	connections map[domain.PeerID]*peerConn
	mu          sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

// peerConn serializes writes to one websocket connection.
type peerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peerConn) writeJSON(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

func (p *peerConn) writeControl(messageType int, deadline time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(deadline)
	return p.conn.WriteMessage(messageType, nil)
}

type SignalMessage struct {
	Type       string          `json:"type"`
	FromPeer   domain.PeerID   `json:"from_peer,omitempty"`
	TargetPeer domain.PeerID   `json:"target_peer,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func NewWebSocketServer(pingInterval, pongTimeout time.Duration, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		connections:  make(map[domain.PeerID]*peerConn),
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Identity is assigned here: peers do not bring their own id.
	peerID := domain.PeerID(utils.GeneratePeerID())
	pc := &peerConn{conn: conn}

	s.mu.Lock()
	s.connections[peerID] = pc
	s.mu.Unlock()

	s.logger.Infow("peer connected to signaling", "peer_id", peerID)

	if err := pc.writeJSON(map[string]interface{}{
		"type":    "welcome",
		"peer_id": peerID,
	}); err != nil {
		s.logger.Warnw("failed to send welcome", "peer_id", peerID, "error", err)
		s.dropPeer(peerID)
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan SignalMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if err := s.handleMessage(peerID, msg); err != nil {
				s.logger.Infow("error handling signaling message", "peer_id", peerID, "error", err)
				s.sendError(pc, err.Error())
			}

		case <-pingTicker.C:
			if err := pc.writeControl(websocket.PingMessage, time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.Infow("error sending ping", "peer_id", peerID, "error", err)
				s.dropPeer(peerID)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading signaling message", "peer_id", peerID, "error", err)
			}
			s.dropPeer(peerID)
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(peerID domain.PeerID, msg SignalMessage) error {
	switch msg.Type {
	case "offer", "answer", "ice_candidate", "call_reject":
		return s.route(peerID, msg)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

// route forwards a negotiation message to its explicit target, stamping the
// sender id so the target knows who is negotiating.
func (s *WebSocketServer) route(fromPeer domain.PeerID, msg SignalMessage) error {
	if msg.TargetPeer == "" {
		return fmt.Errorf("%s requires target_peer", msg.Type)
	}
	if !s.IsPeerConnected(msg.TargetPeer) {
		return fmt.Errorf("target peer %s is not connected", msg.TargetPeer)
	}

	forwarded := SignalMessage{
		Type:     msg.Type,
		FromPeer: fromPeer,
		Payload:  msg.Payload,
	}

	s.logger.Debugw("routing signaling message",
		"type", msg.Type,
		"from_peer", fromPeer,
		"to_peer", msg.TargetPeer,
	)

	return s.sendToPeer(msg.TargetPeer, forwarded)
}

func (s *WebSocketServer) sendToPeer(peerID domain.PeerID, data interface{}) error {
	s.mu.RLock()
	pc, exists := s.connections[peerID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("peer %s not connected", peerID)
	}

	return pc.writeJSON(data)
}

func (s *WebSocketServer) sendError(pc *peerConn, message string) {
	pc.writeJSON(map[string]interface{}{
		"type":    "error",
		"message": message,
	})
}

func (s *WebSocketServer) dropPeer(peerID domain.PeerID) {
	s.mu.Lock()
	delete(s.connections, peerID)
	s.mu.Unlock()

	s.logger.Infow("peer disconnected from signaling", "peer_id", peerID)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.connections)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) GetConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.connections))
	for peerID := range s.connections {
		peers = append(peers, peerID)
	}
	return peers
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.connections[peerID]
	return exists
}
