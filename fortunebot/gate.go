package fortunebot

import (
	"time"
)

// Gate decides whether a user's cooldown has elapsed. Elapsed time is
// measured in whole hours, truncated.
type Gate struct {
	Cooldown time.Duration

	// Now returns the current time. Defaults to time.Now
	Now func() time.Time
}

// Decision is the result of Gate.CheckAndTouch
type Decision struct {
	Allowed bool

	// RemainingHours is the number of whole hours left on the cooldown,
	// when not Allowed. Always >= 1 in that case.
	RemainingHours int
}

func NewGate(cooldown time.Duration) *Gate {
	return &Gate{Cooldown: cooldown, Now: time.Now}
}

func (g *Gate) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now().UTC()
}

func (g *Gate) cooldownHours() int {
	h := int(g.Cooldown / time.Hour)
	if h < 1 {
		return 1
	}
	return h
}

// CheckAndTouch returns whether u may draw now.
//
// If u has never drawn, the draw is allowed and LastDrawAt is left
// unset, for the caller to set once the draw completes. If the cooldown
// has elapsed, LastDrawAt is advanced to now. A denied check doesn't
// modify u.
func (g *Gate) CheckAndTouch(u *User) Decision {
	if u.LastDrawAt == nil {
		return Decision{Allowed: true}
	}

	now := g.now()
	elapsed := 0
	if d := now.Sub(*u.LastDrawAt); d > 0 {
		elapsed = int(d / time.Hour)
	}

	cooldown := g.cooldownHours()
	if elapsed < cooldown {
		return Decision{RemainingHours: cooldown - elapsed}
	}

	u.LastDrawAt = &now
	return Decision{Allowed: true}
}
