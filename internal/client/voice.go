package client

import (
	"sync"
	"time"
)

// CallState tracks a voice call's lifecycle. closed is terminal.
type CallState int

const (
	CallConnecting CallState = iota
	CallActive
	CallClosed
)

func (s CallState) String() string {
	switch s {
	case CallConnecting:
		return "connecting"
	case CallActive:
		return "active"
	case CallClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// voiceCall is one audio leg to a remote peer. State transitions happen
// under the orchestrator's lock.
type voiceCall struct {
	remote    string
	state     CallState
	link      MediaLink
	openTimer *time.Timer

	closeOnce sync.Once
}

// markActive moves connecting to active. Returns false if the call already
// left the connecting state, which happens when the open timeout fired first.
func (c *voiceCall) markActive() bool {
	if c.state != CallConnecting {
		return false
	}
	c.state = CallActive
	if c.openTimer != nil {
		c.openTimer.Stop()
		c.openTimer = nil
	}
	return true
}

func (c *voiceCall) markClosed() bool {
	wasActive := c.state == CallActive
	c.state = CallClosed
	if c.openTimer != nil {
		c.openTimer.Stop()
		c.openTimer = nil
	}
	return wasActive
}

func (c *voiceCall) teardown() {
	c.closeOnce.Do(func() {
		if c.link != nil {
			c.link.Close()
		}
	})
}
