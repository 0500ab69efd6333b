package scraper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"

	"github.com/use-agent/shepherd/models"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		step models.StepSpec
		ok   bool
	}{
		{models.StepSpec{Action: models.ActionNavigate, URL: "/login"}, true},
		{models.StepSpec{Action: models.ActionNavigate}, false},
		{models.StepSpec{Action: models.ActionWaitURL}, false},
		{models.StepSpec{Action: models.ActionClick, Selector: "#go"}, true},
		{models.StepSpec{Action: models.ActionFill}, false},
		{models.StepSpec{Action: models.ActionExtract}, false},
		{models.StepSpec{Action: models.ActionExecuteJS}, false},
		{models.StepSpec{Action: models.ActionSleep, Milliseconds: 10}, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%v", tt.step.Action, tt.ok), func(t *testing.T) {
			err := validate(tt.step)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, models.ErrCodeInvalidStep, models.CodeOf(err))
		})
	}
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, models.ErrCodeTimeout, models.CodeOf(categorizeError(context.DeadlineExceeded, "x")))
	assert.Equal(t, models.ErrCodeCancelled, models.CodeOf(categorizeError(context.Canceled, "x")))
	assert.Equal(t, models.ErrCodeNavigation,
		models.CodeOf(categorizeError(&rod.NavigationError{Reason: "net::ERR_NAME_NOT_RESOLVED"}, "x")))
	assert.Equal(t, models.ErrCodeRender, models.CodeOf(categorizeError(errors.New("boom"), "x")))

	auth := models.NewStepError(models.ErrCodeAuthRejected, "denied", nil)
	assert.Same(t, auth, categorizeError(auth, "x"))
}

func TestLookupContext_LeavesHeadroom(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lookup, stop := lookupContext(ctx)
	defer stop()

	parent, _ := ctx.Deadline()
	child, ok := lookup.Deadline()
	assert.True(t, ok)
	assert.True(t, child.Before(parent))
	assert.Greater(t, parent.Sub(child), time.Second)
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "https://example.com/account/keys", resolve("https://example.com/signup", "/account/keys"))
	assert.Equal(t, "https://other.test/x", resolve("https://example.com/", "https://other.test/x"))
}

func TestBlockedSet(t *testing.T) {
	set := blockedSet([]string{"Font", "Media", "Bogus"})
	assert.Len(t, set, 2)
	assert.Contains(t, set, proto.NetworkResourceTypeFont)
}

func TestPause_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pause(ctx, 60_000), context.Canceled)
	assert.NoError(t, pause(context.Background(), 0))
}
