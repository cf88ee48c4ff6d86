package client

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the reconciliation state of a conversation's current turn.
type State int

const (
	StateIdle State = iota
	StateSent
	StateStreaming
	StateCompleted
	StateFailed
	// StateUnsaved: generation succeeded but the reply could not be
	// appended; the text is held in the outbox.
	StateUnsaved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSent:
		return "sent"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateUnsaved:
		return "unsaved"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// InFlight reports whether a turn currently owns the pending slot.
func (s State) InFlight() bool {
	return s == StateSent || s == StateStreaming
}

var (
	// ErrTurnInProgress rejects a send while the previous turn is in flight.
	ErrTurnInProgress = errors.New("a reply is still being generated")
	errNoTurn         = errors.New("no turn in flight")
)

// Controller owns the pending slot. It is not safe for concurrent use; the
// Session serializes access.
type Controller struct {
	state   State
	pending *Pending
	text    strings.Builder
	err     error
}

func (c *Controller) State() State { return c.state }

// Err is the failure of the last turn, if it ended Failed or Unsaved.
func (c *Controller) Err() error { return c.err }

// Pending returns a copy of the slot, or nil when empty.
func (c *Controller) Pending() *Pending {
	if c.pending == nil {
		return nil
	}
	p := *c.pending
	return &p
}

// Begin reserves the slot for a new turn.
func (c *Controller) Begin(now time.Time) (string, error) {
	if c.state.InFlight() {
		return "", ErrTurnInProgress
	}
	c.state = StateSent
	c.err = nil
	c.text.Reset()
	c.pending = &Pending{ID: newPendingID(), StartedAt: now}
	return c.pending.ID, nil
}

// Token grows the pending text. It is the only mutation of that text.
func (c *Controller) Token(tok string) error {
	if !c.state.InFlight() {
		return errNoTurn
	}
	c.text.WriteString(tok)
	c.pending.Text = c.text.String()
	if c.pending.Text != "" {
		c.state = StateStreaming
	}
	return nil
}

// Complete retires the slot after the reply was persisted.
func (c *Controller) Complete() {
	c.clear(StateCompleted, nil)
}

// Fail retires the slot without persisting anything.
func (c *Controller) Fail(err error) {
	c.clear(StateFailed, err)
}

// Unsaved retires the slot after a successful generation whose append
// failed.
func (c *Controller) Unsaved(err error) {
	c.clear(StateUnsaved, err)
}

func (c *Controller) clear(state State, err error) {
	c.state = state
	c.err = err
	c.pending = nil
	c.text.Reset()
}
