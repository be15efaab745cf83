package admission

import (
	"slices"
	"testing"

	"github.com/immxrtalbeast/sigstream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoAdmission(t *testing.T) {
	m := New()
	epoch, ok := m.Request()
	require.True(t, ok)
	assert.Equal(t, Requesting, m.State())

	assert.True(t, m.Resolve(epoch, domain.StatusApproved))
	assert.Equal(t, Admitted, m.State())
}

func TestModeratedAdmissionIgnoresDuplicates(t *testing.T) {
	m := New()
	var seen []Transition
	m.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	epoch, _ := m.Request()
	require.True(t, m.Resolve(epoch, domain.StatusWaiting))
	assert.Equal(t, Waiting, m.State())

	assert.True(t, m.Admit())
	assert.False(t, m.Admit())
	assert.False(t, m.Observe(domain.StatusApproved))
	assert.False(t, m.Reject(nil))
	assert.Equal(t, Admitted, m.State())

	require.Len(t, seen, 3)
	assert.Equal(t, Transition{From: Waiting, To: Admitted, Epoch: 3}, seen[2])
}

func TestRejectThenRequestAgain(t *testing.T) {
	m := New()
	epoch, _ := m.Request()
	m.Resolve(epoch, domain.StatusWaiting)

	assert.True(t, m.Reject(nil))
	assert.Equal(t, Rejected, m.State())
	assert.ErrorIs(t, m.Reason(), domain.ErrAdmissionRejected)
	assert.False(t, m.Admit())

	_, ok := m.Request()
	require.True(t, ok)
	assert.Equal(t, Requesting, m.State())
	assert.NoError(t, m.Reason())
}

func TestStaleResultIsDiscarded(t *testing.T) {
	m := New()
	first, _ := m.Request()
	second, ok := m.Request()
	require.True(t, ok)
	require.NotEqual(t, first, second)

	assert.False(t, m.Resolve(first, domain.StatusApproved))
	assert.Equal(t, Requesting, m.State())
	assert.True(t, m.Resolve(second, domain.StatusWaiting))
}

func TestPushBeforeResponse(t *testing.T) {
	m := New()
	epoch, _ := m.Request()

	assert.True(t, m.Admit())
	assert.False(t, m.Resolve(epoch, domain.StatusWaiting))
	assert.Equal(t, Admitted, m.State())
}

func TestRemovalEndsAttempt(t *testing.T) {
	m := New()
	epoch, _ := m.Request()
	m.Resolve(epoch, domain.StatusApproved)

	assert.True(t, m.Remove(domain.ErrRoomInactive))
	assert.False(t, m.Remove(nil))
	assert.Equal(t, Removed, m.State())
	assert.ErrorIs(t, m.Reason(), domain.ErrRoomInactive)

	_, ok := m.Request()
	assert.True(t, ok)
}

func TestRequestRefusedWhileWaitingOrAdmitted(t *testing.T) {
	m := New()
	epoch, _ := m.Request()
	m.Resolve(epoch, domain.StatusWaiting)

	_, ok := m.Request()
	assert.False(t, ok)

	m.Admit()
	_, ok = m.Request()
	assert.False(t, ok)

	assert.True(t, m.Reset())
	assert.Equal(t, Idle, m.State())
	assert.False(t, m.Reset())
}

func TestLastAcceptedDecisionWins(t *testing.T) {
	tests := []struct {
		name  string
		steps []func(*Machine) bool
		want  State
	}{
		{
			name:  "approve then reject",
			steps: []func(*Machine) bool{(*Machine).Admit, func(m *Machine) bool { return m.Reject(nil) }},
			want:  Admitted,
		},
		{
			name:  "reject then approve",
			steps: []func(*Machine) bool{func(m *Machine) bool { return m.Reject(nil) }, (*Machine).Admit},
			want:  Rejected,
		},
		{
			name:  "approve twice",
			steps: []func(*Machine) bool{(*Machine).Admit, (*Machine).Admit},
			want:  Admitted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			epoch, _ := m.Request()
			m.Resolve(epoch, domain.StatusWaiting)

			accepted := 0
			for _, step := range tt.steps {
				if step(m) {
					accepted++
				}
			}
			assert.Equal(t, 1, accepted)
			assert.Equal(t, tt.want, m.State())
		})
	}
}

// reach drives a fresh machine into state.
func reach(t *testing.T, state State) *Machine {
	t.Helper()
	m := New()
	if state == Idle {
		return m
	}
	epoch, _ := m.Request()
	switch state {
	case Waiting:
		require.True(t, m.Resolve(epoch, domain.StatusWaiting))
	case Admitted:
		require.True(t, m.Admit())
	case Rejected:
		require.True(t, m.Reject(nil))
	case Removed:
		require.True(t, m.Remove(nil))
	}
	require.Equal(t, state, m.State())
	return m
}

func TestTransitionTable(t *testing.T) {
	ops := map[string]func(*Machine) bool{
		"request": func(m *Machine) bool { _, ok := m.Request(); return ok },
		"admit":   (*Machine).Admit,
		"reject":  func(m *Machine) bool { return m.Reject(nil) },
		"remove":  func(m *Machine) bool { return m.Remove(nil) },
		"reset":   (*Machine).Reset,
	}
	allowed := map[State][]string{
		Idle:       {"request"},
		Requesting: {"request", "admit", "reject", "remove", "reset"},
		Waiting:    {"admit", "reject", "remove", "reset"},
		Admitted:   {"remove", "reset"},
		Rejected:   {"request", "reset"},
		Removed:    {"request", "reset"},
	}

	for from, ok := range allowed {
		for name, op := range ops {
			t.Run(from.String()+"/"+name, func(t *testing.T) {
				m := reach(t, from)
				epoch := m.Epoch()
				accepted := op(m)
				assert.Equal(t, slices.Contains(ok, name), accepted)
				if accepted {
					assert.Equal(t, epoch+1, m.Epoch())
					return
				}
				assert.Equal(t, epoch, m.Epoch())
				assert.Equal(t, from, m.State())
			})
		}
	}
}

func TestRetryWhileRequestingIsATransition(t *testing.T) {
	m := New()
	var seen []Transition
	m.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	m.Request()
	m.Request()
	require.Len(t, seen, 2)
	assert.Equal(t, Transition{From: Requesting, To: Requesting, Epoch: 2}, seen[1])
}
