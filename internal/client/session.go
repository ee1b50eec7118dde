package client

import (
	"sync"
	"time"
)

// SessionState tracks a data session's lifecycle. closed is terminal.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionOpen
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is one data channel to a remote peer. All state transitions happen
// under the orchestrator's lock.
type session struct {
	remote    string
	state     SessionState
	link      DataLink
	openedAt  time.Time
	openTimer *time.Timer

	closeOnce sync.Once
}

// markOpen moves connecting to open. Returns false if the session already
// left the connecting state, which happens when the open timeout fired first.
func (s *session) markOpen(now time.Time) bool {
	if s.state != SessionConnecting {
		return false
	}
	s.state = SessionOpen
	s.openedAt = now
	if s.openTimer != nil {
		s.openTimer.Stop()
		s.openTimer = nil
	}
	return true
}

// markClosed moves any state to closed. Returns true only on the first call
// that closes an open session, which is when a peer-removed event is due.
func (s *session) markClosed() bool {
	wasOpen := s.state == SessionOpen
	s.state = SessionClosed
	if s.openTimer != nil {
		s.openTimer.Stop()
		s.openTimer = nil
	}
	return wasOpen
}

// teardown closes the underlying link exactly once.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		if s.link != nil {
			s.link.Close()
		}
	})
}
