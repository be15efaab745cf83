// Package admission tracks whether the local participant may be in a room.
package admission

import (
	"context"
	"errors"
	"sync"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/looplab/fsm"
)

type State int

const (
	Idle State = iota
	Requesting
	Waiting
	Admitted
	Rejected
	Removed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Waiting:
		return "waiting"
	case Admitted:
		return "admitted"
	case Rejected:
		return "rejected"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Transition describes one accepted state change.
type Transition struct {
	From   State
	To     State
	Epoch  uint64
	Reason error
}

const (
	eventRequest = "request"
	eventWait    = "wait"
	eventAdmit   = "admit"
	eventReject  = "reject"
	eventRemove  = "remove"
	eventReset   = "reset"
)

var states = map[string]State{
	Idle.String():       Idle,
	Requesting.String(): Requesting,
	Waiting.String():    Waiting,
	Admitted.String():   Admitted,
	Rejected.String():   Rejected,
	Removed.String():    Removed,
}

func names(ss ...State) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.String()
	}
	return out
}

var events = fsm.Events{
	{Name: eventRequest, Src: names(Idle, Requesting, Rejected, Removed), Dst: Requesting.String()},
	{Name: eventWait, Src: names(Requesting), Dst: Waiting.String()},
	{Name: eventAdmit, Src: names(Requesting, Waiting), Dst: Admitted.String()},
	{Name: eventReject, Src: names(Requesting, Waiting), Dst: Rejected.String()},
	{Name: eventRemove, Src: names(Requesting, Waiting, Admitted), Dst: Removed.String()},
	{Name: eventReset, Src: names(Requesting, Waiting, Admitted, Rejected, Removed), Dst: Idle.String()},
}

// Machine is the admission state machine of one local participant.
// Every accepted transition bumps the epoch; results of asynchronous work
// started under an older epoch are discarded.
type Machine struct {
	mu        sync.Mutex
	fsm       *fsm.FSM
	epoch     uint64
	reason    error
	listeners []func(Transition)
}

func New() *Machine {
	return &Machine{fsm: fsm.NewFSM(Idle.String(), events, nil)}
}

// OnTransition registers fn. Listeners run synchronously after the
// transition, outside the machine's lock.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current()
}

func (m *Machine) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Reason is the error attached to the last Rejected or Removed transition.
func (m *Machine) Reason() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Current reports whether epoch is still the machine's epoch.
func (m *Machine) Current(epoch uint64) bool {
	return m.Epoch() == epoch
}

// Request starts a join attempt and returns its epoch. It is refused while
// waiting or admitted; a request that failed may be retried.
func (m *Machine) Request() (uint64, bool) {
	t, ok := m.fire(eventRequest, nil, nil)
	return t.Epoch, ok
}

// Resolve applies the registry's answer to the request started under epoch.
func (m *Machine) Resolve(epoch uint64, status domain.AdmissionStatus) bool {
	current := func() bool { return epoch == m.epoch && m.current() == Requesting }

	var ok bool
	switch status {
	case domain.StatusApproved:
		_, ok = m.fire(eventAdmit, nil, current)
	case domain.StatusWaiting:
		_, ok = m.fire(eventWait, nil, current)
	case domain.StatusRejected:
		_, ok = m.fire(eventReject, domain.ErrAdmissionRejected, current)
	case domain.StatusRemoved:
		_, ok = m.fire(eventRemove, domain.ErrAdmissionRevoked, current)
	}
	return ok
}

// Admit accepts an approval delivered by push or poll. Duplicates are
// no-ops.
func (m *Machine) Admit() bool {
	_, ok := m.fire(eventAdmit, nil, nil)
	return ok
}

func (m *Machine) Reject(reason error) bool {
	if reason == nil {
		reason = domain.ErrAdmissionRejected
	}
	_, ok := m.fire(eventReject, reason, nil)
	return ok
}

// Remove ends the current attempt. Removal while admitted is what tears
// down media and links; a waiting attempt ends the same way when the room
// goes away.
func (m *Machine) Remove(reason error) bool {
	if reason == nil {
		reason = domain.ErrAdmissionRevoked
	}
	_, ok := m.fire(eventRemove, reason, nil)
	return ok
}

// Reset returns to Idle after the participant leaves.
func (m *Machine) Reset() bool {
	_, ok := m.fire(eventReset, nil, nil)
	return ok
}

// Observe applies a status read from the registry. A removed record only
// matters once the request was answered.
func (m *Machine) Observe(status domain.AdmissionStatus) bool {
	switch status {
	case domain.StatusApproved:
		return m.Admit()
	case domain.StatusRejected:
		return m.Reject(domain.ErrAdmissionRejected)
	case domain.StatusRemoved:
		answered := func() bool { s := m.current(); return s == Admitted || s == Waiting }
		_, ok := m.fire(eventRemove, domain.ErrAdmissionRevoked, answered)
		return ok
	}
	return false
}

func (m *Machine) current() State {
	return states[m.fsm.Current()]
}

// fire runs event when guard, called under the lock, allows it. A request
// repeated while requesting counts as a transition so the retry gets its
// own epoch.
func (m *Machine) fire(event string, reason error, guard func() bool) (Transition, bool) {
	m.mu.Lock()
	from := m.current()
	if guard != nil && !guard() {
		t := Transition{From: from, To: from, Epoch: m.epoch}
		m.mu.Unlock()
		return t, false
	}

	if err := m.fsm.Event(context.Background(), event); err != nil {
		var same fsm.NoTransitionError
		if !errors.As(err, &same) {
			t := Transition{From: from, To: from, Epoch: m.epoch}
			m.mu.Unlock()
			return t, false
		}
	}

	m.epoch++
	t := Transition{From: from, To: m.current(), Epoch: m.epoch, Reason: reason}
	m.reason = reason
	listeners := append([]func(Transition){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
	return t, true
}
