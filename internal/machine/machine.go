// Package machine holds the authoritative state of one room and applies
// actions to it one at a time.
package machine

import (
	"encoding/json"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"github.com/Karmagate/RoomSync/internal/action"
)

type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusActive        Status = "active"
	StatusTerminal      Status = "terminal"
)

var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotInitialized = errors.New("room not initialized")
	ErrTerminal       = errors.New("room is finished")
	ErrInvalidAction  = errors.New("invalid action")
)

// Domain defines the state transitions of one room kind.
//
// Apply receives a private copy of the current state, so a domain may mutate
// it freely; the copy is discarded when Apply returns an error.
type Domain[S any] interface {
	Kind() string
	// Starts reports whether t may establish a fresh state.
	Starts(t action.Type) bool
	Init(a action.Action) (S, error)
	Apply(s S, a action.Action) (terminal bool, err error)
	Clone(s S) S
}

// Snapshot is the serialized form of a room state.
type Snapshot struct {
	Kind    string          `json:"kind"`
	Status  Status          `json:"status"`
	Version uint64          `json:"version"`
	State   json.RawMessage `json:"state"`
}

// Engine is the kind-independent view of a Machine.
type Engine interface {
	Kind() string
	Status() Status
	Apply(a action.Action) error
	Snapshot() (Snapshot, error)
	Restore(s Snapshot) error
}

var _ Engine = (*Machine[struct{}])(nil)

type Machine[S any] struct {
	domain Domain[S]

	mu      sync.Mutex
	status  Status
	state   S
	version uint64
}

func New[S any](domain Domain[S]) *Machine[S] {
	return &Machine[S]{
		domain: domain,
		status: StatusUninitialized,
	}
}

func (m *Machine[S]) Kind() string {
	return m.domain.Kind()
}

func (m *Machine[S]) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Apply transitions the state with a. On error the state is left unchanged.
func (m *Machine[S]) Apply(a action.Action) error {
	if a.Data == nil || a.Data.Type() != a.Type {
		return errors.Wrapf(ErrUnknownAction, "%q", a.Type)
	}
	if a.PlayerID == "" {
		return errors.Wrap(ErrUnauthorized, "spectators cannot act")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusActive {
		if !m.domain.Starts(a.Type) {
			if m.status == StatusTerminal {
				return errors.Wrapf(ErrTerminal, "%s rejected", a.Type)
			}
			return errors.Wrapf(ErrNotInitialized, "%s rejected", a.Type)
		}
		state, err := m.domain.Init(a)
		if err != nil {
			return err
		}
		m.state = state
		m.status = StatusActive
		m.version++
		return nil
	}

	next := m.domain.Clone(m.state)
	terminal, err := m.domain.Apply(next, a)
	if err != nil {
		return err
	}
	m.state = next
	m.version++
	if terminal {
		m.status = StatusTerminal
	}
	return nil
}

func (m *Machine[S]) Snapshot() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Kind:    m.domain.Kind(),
		Status:  m.status,
		Version: m.version,
		State:   json.RawMessage("null"),
	}
	if m.status == StatusUninitialized {
		return snap, nil
	}
	raw, err := sonic.ConfigFastest.Marshal(m.state)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "encode state")
	}
	snap.State = raw
	return snap, nil
}

// Restore replaces the state with a previously taken snapshot.
func (m *Machine[S]) Restore(snap Snapshot) error {
	if snap.Kind != m.domain.Kind() {
		return errors.Wrapf(ErrInvalidAction, "snapshot kind %q does not match %q", snap.Kind, m.domain.Kind())
	}

	var state S
	if snap.Status != StatusUninitialized {
		if err := sonic.ConfigFastest.Unmarshal(snap.State, &state); err != nil {
			return errors.Wrap(err, "decode state")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = snap.Status
	m.state = state
	m.version = snap.Version
	return nil
}
