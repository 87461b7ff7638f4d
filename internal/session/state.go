package session

import (
	"fmt"
	"log/slog"
	"sync"

	"chunkxfer/internal/channel"
	"chunkxfer/internal/errors"
)

// State is a phase of a session. Both sides walk the same linear sequence.
type State int

const (
	Connected State = iota
	HandshakeSent
	AwaitingMetadata
	MetadataReceived
	AwaitingReady
	Streaming
	Terminated
	Failed
)

var stateNames = [...]string{
	Connected:        "connected",
	HandshakeSent:    "handshake_sent",
	AwaitingMetadata: "awaiting_metadata",
	MetadataReceived: "metadata_received",
	AwaitingReady:    "awaiting_ready",
	Streaming:        "streaming",
	Terminated:       "terminated",
	Failed:           "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Terminated || s == Failed
}

// Observer is notified of phase changes and payload progress. It has no
// say in the outcome of a session.
type Observer interface {
	OnTransition(id string, from, to State)
	OnChunk(id string, size int)
}

// machine guards the transitions of a single session and owns its channel.
type machine struct {
	id       string
	ch       channel.Channel
	observer Observer

	mu    sync.Mutex
	state State
	err   error
}

func newMachine(id string, ch channel.Channel, observer Observer) *machine {
	return &machine{id: id, ch: ch, observer: observer, state: Connected}
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// advance moves to next, which must directly follow the current state.
// Entering Terminated closes the channel. The payload is complete by then,
// so a failing close is only logged.
func (m *machine) advance(next State) error {
	m.mu.Lock()
	from := m.state
	if from.Terminal() || next != from+1 || next == Failed {
		m.mu.Unlock()
		return errors.NewProtocolError("advance", fmt.Sprintf("illegal transition %s -> %s", from, next), nil)
	}
	m.state = next
	m.mu.Unlock()

	if next == Terminated {
		if err := m.ch.Close(); err != nil {
			slog.Warn("Failed to close channel after transfer",
				"session_id", m.id,
				"error", errors.NewTransportError("close", m.ch.RemoteAddr(), err))
		}
	}
	m.notify(from, next)
	return nil
}

// fail moves to Failed and closes the channel. The first failure is kept and
// returned; later calls and calls after Terminated are no-ops.
func (m *machine) fail(err error) error {
	m.mu.Lock()
	from := m.state
	if from.Terminal() {
		if m.err != nil {
			err = m.err
		}
		m.mu.Unlock()
		return err
	}
	m.state = Failed
	m.err = err
	m.mu.Unlock()

	m.ch.Close()
	m.notify(from, Failed)
	return err
}

func (m *machine) notify(from, to State) {
	if m.observer != nil {
		m.observer.OnTransition(m.id, from, to)
	}
}

func (m *machine) chunk(size int) {
	if m.observer != nil {
		m.observer.OnChunk(m.id, size)
	}
}
