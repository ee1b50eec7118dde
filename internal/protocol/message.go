// Package protocol defines the JSON messages peers exchange over data
// channels. Every payload is one JSON object; the channel's own message
// boundaries are the only framing.
package protocol

import (
	"encoding/json"
	"time"

	"huddle/pkg/utils"
)

// Kind identifies the decoded variant of an inbound payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindJoin
	KindPosition
	KindLeave
	KindVoiceJoin
	KindVoiceLeave
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindPosition:
		return "position"
	case KindLeave:
		return "leave"
	case KindVoiceJoin:
		return "voice-join"
	case KindVoiceLeave:
		return "voice-leave"
	case KindChat:
		return "chat"
	default:
		return "unknown"
	}
}

type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Join struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId"`
	Username  string `json:"username"`
	Character string `json:"character"`
	Position  Vec2   `json:"position"`
	Timestamp int64  `json:"timestamp"`
}

type Position struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId"`
	Position  Vec2   `json:"position"`
	Velocity  Vec2   `json:"velocity"`
	Timestamp int64  `json:"timestamp"`
}

type Leave struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId"`
	Timestamp int64  `json:"timestamp"`
}

type VoiceJoin struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId"`
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
}

type VoiceLeave struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId"`
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
}

// Chat has no type tag on the wire; it is recognized by its text field.
type Chat struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// Message is the tagged union produced by Decode. Exactly the field matching
// Kind is non-nil; KindUnknown carries nothing.
type Message struct {
	Kind       Kind
	Join       *Join
	Position   *Position
	Leave      *Leave
	VoiceJoin  *VoiceJoin
	VoiceLeave *VoiceLeave
	Chat       *Chat
}

// envelope sniffs only the discriminating fields.
type envelope struct {
	Type string  `json:"type"`
	Text *string `json:"text"`
}

// Decode classifies one inbound payload. Unrecognized shapes decode to
// KindUnknown and a nil error: peers are free to send messages this process
// does not understand.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{Kind: KindUnknown}, err
	}

	switch env.Type {
	case "join":
		var m Join
		if err := json.Unmarshal(data, &m); err != nil {
			return Message{Kind: KindUnknown}, err
		}
		return Message{Kind: KindJoin, Join: &m}, nil

	case "position":
		var m Position
		if err := json.Unmarshal(data, &m); err != nil {
			return Message{Kind: KindUnknown}, err
		}
		return Message{Kind: KindPosition, Position: &m}, nil

	case "leave":
		var m Leave
		if err := json.Unmarshal(data, &m); err != nil {
			return Message{Kind: KindUnknown}, err
		}
		return Message{Kind: KindLeave, Leave: &m}, nil

	case "voice-join":
		var m VoiceJoin
		if err := json.Unmarshal(data, &m); err != nil {
			return Message{Kind: KindUnknown}, err
		}
		return Message{Kind: KindVoiceJoin, VoiceJoin: &m}, nil

	case "voice-leave":
		var m VoiceLeave
		if err := json.Unmarshal(data, &m); err != nil {
			return Message{Kind: KindUnknown}, err
		}
		return Message{Kind: KindVoiceLeave, VoiceLeave: &m}, nil

	case "":
		// Untyped message with a text field is plain chat.
		if env.Text != nil {
			var m Chat
			if err := json.Unmarshal(data, &m); err != nil {
				return Message{Kind: KindUnknown}, err
			}
			return Message{Kind: KindChat, Chat: &m}, nil
		}
	}

	return Message{Kind: KindUnknown}, nil
}

func now() int64 {
	return time.Now().UnixMilli()
}

// NewJoin builds a join announcement for the local peer.
func NewJoin(peerID, username, character string, pos Vec2) Join {
	return Join{Type: "join", PeerID: peerID, Username: username, Character: character, Position: pos, Timestamp: now()}
}

// NewPosition builds a positional update.
func NewPosition(peerID string, pos, vel Vec2) Position {
	return Position{Type: "position", PeerID: peerID, Position: pos, Velocity: vel, Timestamp: now()}
}

// NewLeave builds a leave announcement.
func NewLeave(peerID string) Leave {
	return Leave{Type: "leave", PeerID: peerID, Timestamp: now()}
}

// NewVoiceJoin announces the local peer entering a voice room.
func NewVoiceJoin(peerID, roomID string) VoiceJoin {
	return VoiceJoin{Type: "voice-join", PeerID: peerID, RoomID: roomID, Timestamp: now()}
}

// NewVoiceLeave announces the local peer leaving a voice room.
func NewVoiceLeave(peerID, roomID string) VoiceLeave {
	return VoiceLeave{Type: "voice-leave", PeerID: peerID, RoomID: roomID, Timestamp: now()}
}

// NewChat builds a chat message with a fresh id.
func NewChat(text, username string) Chat {
	return Chat{ID: utils.GenerateMessageID(), Text: text, Username: username, Timestamp: now()}
}

// Encode marshals any outbound message variant.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
