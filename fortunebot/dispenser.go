package fortunebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
)

// Author identifies the sender of a message
type Author struct {
	// ID is the Discord user ID
	ID string

	Username string

	// DisplayName is the name shown in the chat (the global name,
	// falling back to the username)
	DisplayName string

	Bot bool
}

func (a Author) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", a.ID),
		slog.String("username", a.Username),
		slog.String("display_name", a.DisplayName),
	)
}

// Outcome is the result of a dispense request
type Outcome struct {
	// Allowed is false when the request was throttled
	Allowed bool

	// Index is the drawn template index, or -1 when throttled
	Index int

	// Text is the rendered advice
	Text string

	// RemainingHours is set when throttled
	RemainingHours int

	User *User
}

// Dispenser serves the dispense command: it gates, draws, persists and
// renders. Requests for the same identity are serialized. When the shared
// pool is enabled, all requests are serialized, as they all touch the
// meta record.
type Dispenser struct {
	store   UserStore
	content *Content
	gate    *Gate
	shared  bool
	locks   *keyedMutex
	logger  *slog.Logger

	rng   *rand.Rand
	rngMu sync.Mutex
}

// NewDispenser returns a Dispenser. If rng is nil, a randomly
// seeded PCG source is used.
func NewDispenser(
	store UserStore,
	content *Content,
	gate *Gate,
	shared bool,
	rng *rand.Rand,
	logger *slog.Logger,
) *Dispenser {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispenser{
		store:   store,
		content: content,
		gate:    gate,
		shared:  shared,
		rng:     rng,
		locks:   newKeyedMutex(),
		logger:  logger.With(loggerNameKey, "dispenser"),
	}
}

func (d *Dispenser) lockKey(a Author) string {
	if d.shared {
		return MetaUserID
	}
	return a.ID
}

func (d *Dispenser) draw(sets ...*DrawnSet) (int, error) {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return Draw(d.rng, d.content.Size(), sets...)
}

// Dispense draws advice for the given author, if their cooldown has
// elapsed. A throttled request is not an error: it returns an Outcome
// with Allowed false and the remaining hours.
func (d *Dispenser) Dispense(ctx context.Context, author Author) (
	Outcome,
	error,
) {
	log := loggerFromContext(ctx, d.logger)
	if author.ID == "" {
		return Outcome{Index: -1}, errors.New("author ID is required")
	}
	if author.ID == MetaUserID {
		return Outcome{Index: -1}, fmt.Errorf("reserved user ID: %q", author.ID)
	}

	unlock := d.locks.Lock(d.lockKey(author))
	defer unlock()

	var meta *User
	if d.shared {
		var err error
		meta, err = d.store.FindByUserID(ctx, MetaUserID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return Outcome{Index: -1}, ErrMetaRecordMissing
			}
			return Outcome{Index: -1}, err
		}
	}

	user, created, err := d.store.GetOrCreate(
		ctx,
		author.ID,
		author.Username,
		author.DisplayName,
	)
	if err != nil {
		return Outcome{Index: -1}, fmt.Errorf("error getting user: %w", err)
	}
	if created {
		log.InfoContext(ctx, "new user", "user", user)
	}

	// gate and draw on a copy; meta is written before the user, so a
	// failed meta write leaves the user's cooldown untouched
	draft := *user
	draft.Drawn = user.Drawn.Clone()

	outcome := Outcome{Index: -1, User: user}
	decision := d.gate.CheckAndTouch(&draft)
	if !decision.Allowed {
		outcome.RemainingHours = decision.RemainingHours
		log.InfoContext(
			ctx,
			"draw throttled",
			"user", user,
			"remaining_hours", outcome.RemainingHours,
		)
		return outcome, nil
	}

	sets := []*DrawnSet{&draft.Drawn}
	var metaDrawn DrawnSet
	if meta != nil {
		metaDrawn = meta.Drawn.Clone()
		sets = append(sets, &metaDrawn)
	}
	idx, err := d.draw(sets...)
	if err != nil {
		return Outcome{Index: -1}, err
	}

	now := d.gate.now()
	if draft.LastDrawAt == nil {
		draft.LastDrawAt = &now
	}

	if meta != nil {
		_, err = d.store.Update(
			ctx, meta.ID, func(m *User) error {
				m.Drawn = metaDrawn
				m.DrawCount++
				m.LastDrawAt = &now
				return nil
			},
		)
		if err != nil {
			return Outcome{Index: -1}, fmt.Errorf(
				"error updating meta record: %w",
				err,
			)
		}
	}

	user, err = d.store.Update(
		ctx, user.ID, func(u *User) error {
			u.Drawn = draft.Drawn
			u.LastDrawAt = draft.LastDrawAt
			u.DrawCount++
			if author.Username != "" {
				u.Username = author.Username
			}
			if author.DisplayName != "" {
				u.GlobalName = author.DisplayName
			}
			return nil
		},
	)
	if err != nil {
		return Outcome{Index: -1}, fmt.Errorf("error updating user: %w", err)
	}
	outcome.User = user
	outcome.Allowed = true
	outcome.Index = idx

	name := d.content.DisplayName(
		author.ID,
		author.Username,
		author.DisplayName,
	)
	outcome.Text, err = d.content.Render(outcome.Index, name)
	if err != nil {
		return Outcome{Index: -1}, err
	}

	log.InfoContext(
		ctx,
		"drew advice",
		"user", user,
		"index", outcome.Index,
	)
	return outcome, nil
}
