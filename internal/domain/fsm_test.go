package domain

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentTransitions_HappyPath(t *testing.T) {
	path := []AgentState{
		AgentRegistered, AgentScheduled, AgentStarting, AgentHealthy,
		AgentDraining, AgentStopped, AgentRetired,
	}
	cur := AgentState("")
	for _, next := range path {
		require.NoError(t, cur.CanTransition(next), "%s -> %s", cur, next)
		cur = next
	}
}

func TestAgentTransitions_RetiredOnlyFromStopped(t *testing.T) {
	for from := range agentTransitions {
		if from == AgentStopped {
			continue
		}
		err := from.CanTransition(AgentRetired)
		assert.Error(t, err, "retire must be illegal from %q", from)
	}
	assert.NoError(t, AgentStopped.CanTransition(AgentRetired))
}

func TestAgentTransitions_QuarantineFromAnyNonTerminal(t *testing.T) {
	nonTerminal := []AgentState{
		AgentRegistered, AgentScheduled, AgentStarting, AgentHealthy,
		AgentDegraded, AgentBackoff, AgentDraining, AgentStopped,
	}
	for _, s := range nonTerminal {
		assert.NoError(t, s.CanTransition(AgentQuarantined), "from %q", s)
	}
	assert.Error(t, AgentRetired.CanTransition(AgentQuarantined))
}

func TestRunTransitions_Table(t *testing.T) {
	tests := []struct {
		from, to RunState
		ok       bool
	}{
		{RunPending, RunRunning, true},
		{RunRunning, RunWaitingIO, true},
		{RunRunning, RunWaitingHITL, true},
		{RunWaitingIO, RunRunning, true},
		{RunWaitingIO, RunFailed, true},
		{RunRunning, RunSucceeded, true},
		{RunRunning, RunCompensating, true},
		{RunRunning, RunPending, true}, // re-enqueue при retriable
		{RunCompensating, RunCompensated, true},
		{RunCompensating, RunFailed, true},
		{RunFailed, RunCompensating, true}, // ручной перезапуск компенсаций
		{RunOrphaned, RunPending, true},    // reassign осиротевшего

		{RunSucceeded, RunRunning, false},
		{RunSucceeded, RunFailed, false},
		{RunCompensated, RunRunning, false},
		{RunPending, RunSucceeded, false},
		{RunWaitingHITL, RunSucceeded, false},
		{RunFailed, RunSucceeded, false},
		{RunCompensating, RunSucceeded, false},
	}
	for _, tc := range tests {
		err := tc.from.CanTransition(tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.Error(t, err, "%s -> %s", tc.from, tc.to)
		}
	}
}

// Property-тест: случайные последовательности событий никогда не выводят
// автомат за пределы объявленного множества состояний, а компенсируемый
// путь никогда не заканчивается в succeeded.
func TestRunFSM_RandomWalkNeverLeavesDeclaredStates(t *testing.T) {
	declared := map[RunState]bool{
		RunPending: true, RunRunning: true, RunWaitingIO: true,
		RunWaitingHITL: true, RunSucceeded: true, RunFailed: true,
		RunCompensating: true, RunCompensated: true, RunOrphaned: true,
	}
	all := []RunState{
		RunPending, RunRunning, RunWaitingIO, RunWaitingHITL, RunSucceeded,
		RunFailed, RunCompensating, RunCompensated, RunOrphaned,
	}

	rnd := rand.New(rand.NewSource(7))
	for walk := 0; walk < 200; walk++ {
		cur := RunPending
		enteredCompensating := false
		for step := 0; step < 50; step++ {
			next := all[rnd.Intn(len(all))]
			if err := cur.CanTransition(next); err != nil {
				continue // Нелегальное событие отвергнуто — состояние не меняется
			}
			cur = next
			require.True(t, declared[cur], "undeclared state %q", cur)
			if cur == RunCompensating {
				enteredCompensating = true
			}
			if enteredCompensating {
				require.NotEqual(t, RunSucceeded, cur,
					"run that started compensation must never succeed")
			}
		}
	}
}

func TestRunState_Predicates(t *testing.T) {
	assert.True(t, RunWaitingIO.IsWaiting())
	assert.True(t, RunWaitingHITL.IsWaiting())
	assert.False(t, RunRunning.IsWaiting())

	assert.True(t, RunSucceeded.IsTerminal())
	assert.True(t, RunOrphaned.IsTerminal())
	assert.False(t, RunCompensating.IsTerminal())

	assert.True(t, RunCompensating.IsActive())
	assert.False(t, RunCompensated.IsActive())
}

func TestWaitKind_TimeoutClassification(t *testing.T) {
	assert.True(t, WaitIO.Retriable())
	assert.True(t, WaitRateLimit.Retriable())
	assert.False(t, WaitHITL.Retriable(), "просроченный апрув не повторяем")
}

func TestClassify(t *testing.T) {
	se := Classify(assert.AnError)
	require.NotNil(t, se)
	assert.Equal(t, ErrTransient, se.Category)
	assert.True(t, se.Retriable)

	orig := Permanent("bad_input", "schema validation failed")
	assert.Same(t, orig, Classify(orig))
	assert.Nil(t, Classify(nil))
}
