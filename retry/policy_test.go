package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/shepherd/models"
)

var testPolicy = Policy{
	BaseDelay:      time.Second,
	MaxDelay:       10 * time.Second,
	MaxAttempts:    8,
	MaxJobDuration: time.Hour,
}

func TestDecide_RecoverableBacksOffExponentially(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		d := testPolicy.Decide(models.OutcomeRecoverable, i+1, time.Minute)
		require.True(t, d.Retry, "attempt %d", i+1)
		assert.Equal(t, w, d.After, "attempt %d", i+1)
	}
}

func TestDecide_DelayStrictlyIncreasesUntilCap(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt < testPolicy.MaxAttempts; attempt++ {
		d := testPolicy.Decide(models.OutcomeRecoverable, attempt, 0)
		if prev < testPolicy.MaxDelay {
			assert.Greater(t, d.After, prev)
		} else {
			assert.Equal(t, testPolicy.MaxDelay, d.After)
		}
		prev = d.After
	}
}

func TestDecide_Deterministic(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		a := testPolicy.Decide(models.OutcomeRecoverable, attempt, 5*time.Minute)
		b := testPolicy.Decide(models.OutcomeRecoverable, attempt, 5*time.Minute)
		assert.Equal(t, a, b)
	}
}

func TestDecide_FatalGivesUpImmediately(t *testing.T) {
	d := testPolicy.Decide(models.OutcomeFatal, 1, 0)
	assert.True(t, d.GiveUp())
	assert.Zero(t, d.After)
}

func TestDecide_MaxAttempts(t *testing.T) {
	d := testPolicy.Decide(models.OutcomeRecoverable, testPolicy.MaxAttempts, 0)
	assert.True(t, d.GiveUp())
	assert.Contains(t, d.Reason, "8 attempts")
}

func TestDecide_MaxJobDurationOverridesKind(t *testing.T) {
	d := testPolicy.Decide(models.OutcomeRecoverable, 1, time.Hour)
	assert.True(t, d.GiveUp())
	assert.Contains(t, d.Reason, "max duration")
}

func TestDecide_UnknownOutcomeGivesUp(t *testing.T) {
	assert.True(t, testPolicy.Decide(models.StepOutcome("weird"), 1, 0).GiveUp())
}

func TestBackoff_LargeAttemptDoesNotOverflow(t *testing.T) {
	assert.Equal(t, testPolicy.MaxDelay, testPolicy.Backoff(500))
}
