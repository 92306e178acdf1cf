package fortunebot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestGate_CheckAndTouch(t *testing.T) {
	t.Parallel()

	now := testStartTime
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}

	tests := []struct {
		name       string
		lastDrawAt *time.Time
		allowed    bool
		remaining  int
	}{
		{name: "never drawn", lastDrawAt: nil, allowed: true},
		{name: "just drawn", lastDrawAt: at(0), remaining: 24},
		{name: "23 hours ago", lastDrawAt: at(-23 * time.Hour), remaining: 1},
		{
			name:       "23h59m ago",
			lastDrawAt: at(-23*time.Hour - 59*time.Minute),
			remaining:  1,
		},
		{name: "exactly 24 hours ago", lastDrawAt: at(-24 * time.Hour), allowed: true},
		{name: "days ago", lastDrawAt: at(-72 * time.Hour), allowed: true},
		{name: "in the future", lastDrawAt: at(3 * time.Hour), remaining: 24},
		{name: "90 minutes ago", lastDrawAt: at(-90 * time.Minute), remaining: 23},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				g := &Gate{Cooldown: DefaultCooldown, Now: func() time.Time { return now }}
				u := &User{LastDrawAt: tc.lastDrawAt, Drawn: NewDrawnSet(1, 2)}
				var before *time.Time
				if tc.lastDrawAt != nil {
					ts := *tc.lastDrawAt
					before = &ts
				}

				decision := g.CheckAndTouch(u)
				assert.Equal(t, tc.allowed, decision.Allowed)
				assert.Equal(t, tc.remaining, decision.RemainingHours)
				assert.Equal(t, NewDrawnSet(1, 2), u.Drawn)

				switch {
				case !tc.allowed:
					// denial has no side effects
					require.NotNil(t, u.LastDrawAt)
					assert.True(t, before.Equal(*u.LastDrawAt))
				case before == nil:
					// caller sets it once the draw succeeds
					assert.Nil(t, u.LastDrawAt)
				default:
					require.NotNil(t, u.LastDrawAt)
					assert.True(t, now.Equal(*u.LastDrawAt))
				}
			},
		)
	}
}

func TestGate_DeniedTwice(t *testing.T) {
	t.Parallel()
	now := testStartTime
	g := &Gate{Cooldown: DefaultCooldown, Now: func() time.Time { return now }}
	last := now.Add(-5 * time.Hour)
	u := &User{LastDrawAt: &last}

	first := g.CheckAndTouch(u)
	second := g.CheckAndTouch(u)
	assert.Equal(t, first, second)
	assert.Equal(t, 19, second.RemainingHours)
	assert.True(t, last.Equal(*u.LastDrawAt))
}

func TestGate_CustomCooldown(t *testing.T) {
	t.Parallel()
	now := testStartTime
	g := &Gate{Cooldown: 2 * time.Hour, Now: func() time.Time { return now }}

	last := now.Add(-time.Hour)
	decision := g.CheckAndTouch(&User{LastDrawAt: &last})
	assert.False(t, decision.Allowed)
	assert.Equal(t, 1, decision.RemainingHours)

	last = now.Add(-2 * time.Hour)
	decision = g.CheckAndTouch(&User{LastDrawAt: &last})
	assert.True(t, decision.Allowed)
}

func TestGate_DefaultClock(t *testing.T) {
	t.Parallel()
	g := NewGate(DefaultCooldown)
	last := time.Now().Add(-25 * time.Hour)
	u := &User{LastDrawAt: &last}
	assert.True(t, g.CheckAndTouch(u).Allowed)
	assert.WithinDuration(t, time.Now(), *u.LastDrawAt, time.Minute)
}
