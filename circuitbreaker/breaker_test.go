package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func testRegistry(cfg Config) (*Registry, *time.Time) {
	r := NewRegistry(cfg, zap.NewNop())
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	r.nowFn = func() time.Time { return now }
	return r, &now
}

// ---- Automaton scenarios ----

func TestRegistry_OpensAfterFailureThreshold(t *testing.T) {
	r, _ := testRegistry(Config{FailureThreshold: 5, RecoveryTimeout: time.Minute, SuccessThreshold: 3})

	for i := 0; i < 4; i++ {
		r.Report("gemini", false, 0)
		require.True(t, r.Allowed("gemini"), "still closed after %d failures", i+1)
	}

	r.Report("gemini", false, 0)
	assert.False(t, r.Allowed("gemini"))
	assert.Equal(t, StateOpen, r.Snapshot("gemini").State)
}

func TestRegistry_RecoveryCycle(t *testing.T) {
	r, now := testRegistry(Config{FailureThreshold: 5, RecoveryTimeout: time.Minute, SuccessThreshold: 3})

	for i := 0; i < 5; i++ {
		r.Report("gemini", false, 0)
	}
	require.False(t, r.Allowed("gemini"))

	// After the cooldown the next check admits a trial call.
	*now = now.Add(61 * time.Second)
	assert.True(t, r.Allowed("gemini"))
	assert.Equal(t, StateHalfOpen, r.Snapshot("gemini").State)

	r.Report("gemini", true, 0)
	r.Report("gemini", true, 0)
	require.Equal(t, StateHalfOpen, r.Snapshot("gemini").State)

	r.Report("gemini", true, 0)
	snap := r.Snapshot("gemini")
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
}

func TestRegistry_TrialFailureReopens(t *testing.T) {
	r, now := testRegistry(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 3})

	r.Report("coupang", false, 0)
	r.Report("coupang", false, 0)
	*now = now.Add(2 * time.Minute)
	require.True(t, r.Allowed("coupang"))
	require.Equal(t, StateHalfOpen, r.Snapshot("coupang").State)

	r.Report("coupang", false, 0)
	assert.Equal(t, StateOpen, r.Snapshot("coupang").State)
	assert.False(t, r.Allowed("coupang"))
}

func TestRegistry_ClosedSuccessDecaysFailures(t *testing.T) {
	r, _ := testRegistry(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 3})

	r.Report("gemini", false, 0)
	r.Report("gemini", false, 0)
	r.Report("gemini", true, 0)
	r.Report("gemini", false, 0)

	// 2 failures - 1 decay + 1 failure = 2, still below the threshold.
	assert.Equal(t, StateClosed, r.Snapshot("gemini").State)
	assert.Equal(t, 2, r.Snapshot("gemini").FailureCount)
}

func TestRegistry_UnknownAPIReadsClosed(t *testing.T) {
	r, _ := testRegistry(Config{})
	assert.True(t, r.Allowed("never-reported"))
	assert.Equal(t, "closed", r.Snapshot("never-reported").StateName)
}

func TestRegistry_Reset(t *testing.T) {
	r, _ := testRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1})

	r.Report("gemini", false, 0)
	require.False(t, r.Allowed("gemini"))

	r.Reset("gemini")
	snap := r.Snapshot("gemini")
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.True(t, r.Allowed("gemini"))
}

func TestRegistry_BreakersAreIndependent(t *testing.T) {
	r, _ := testRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1})

	r.Report("gemini", false, 0)
	assert.False(t, r.Allowed("gemini"))
	assert.True(t, r.Allowed("whisper"))
	assert.ElementsMatch(t, []string{"gemini", "whisper"}, r.Known())
}

func TestRegistry_StateChangeCallback(t *testing.T) {
	transitions := make(chan [2]State, 8)
	cfg := Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
		OnStateChange: func(api string, from, to State) {
			transitions <- [2]State{from, to}
		},
	}
	r, now := testRegistry(cfg)

	r.Report("gemini", false, 0)
	assert.Equal(t, [2]State{StateClosed, StateOpen}, <-transitions)

	*now = now.Add(2 * time.Minute)
	r.Allowed("gemini")
	assert.Equal(t, [2]State{StateOpen, StateHalfOpen}, <-transitions)

	r.Report("gemini", true, 0)
	assert.Equal(t, [2]State{StateHalfOpen, StateClosed}, <-transitions)
}

// ---- Property: the automaton never leaves its legal transition set ----

func TestRegistry_AutomatonProperty(t *testing.T) {
	legal := map[[2]State]bool{
		{StateClosed, StateOpen}:     true,
		{StateOpen, StateHalfOpen}:   true,
		{StateHalfOpen, StateClosed}: true,
		{StateHalfOpen, StateOpen}:   true,
		{StateOpen, StateClosed}:     true, // operator reset only
	}

	rapid.Check(t, func(t *rapid.T) {
		r, now := testRegistry(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 2})

		prev := r.Snapshot("api").State
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < 60; i++ {
			if i >= steps {
				break
			}
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				r.Report("api", true, 0)
			case 1:
				r.Report("api", false, 0)
			case 2:
				r.Allowed("api")
			case 3:
				*now = now.Add(time.Duration(rapid.IntRange(1, 120).Draw(t, "advance")) * time.Second)
			}

			cur := r.Snapshot("api").State
			if cur != prev && !legal[[2]State{prev, cur}] {
				t.Fatalf("illegal transition %v -> %v", prev, cur)
			}
			prev = cur
		}
	})
}
