package fortunebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispenser(
	t *testing.T,
	poolSize int,
	shared bool,
) (*Dispenser, UserStore, *testClock) {
	t.Helper()
	store := setupTestStore(t)
	clock := newTestClock()
	gate := NewGate(DefaultCooldown)
	gate.Now = clock.Now
	content := testContent(poolSize)
	if shared {
		_, _, err := InitMetaRecord(context.Background(), store, poolSize)
		require.NoError(t, err)
	}
	d := NewDispenser(
		store,
		content,
		gate,
		shared,
		newTestRNG(),
		slog.New(testLogHandler(t)),
	)
	return d, store, clock
}

func TestDispenser_FirstDraw(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, store, _ := newTestDispenser(t, 5, false)
	author := newAuthor(t)

	outcome, err := d.Dispense(ctx, author)
	require.NoError(t, err)
	assert.True(t, outcome.Allowed)
	assert.GreaterOrEqual(t, outcome.Index, 0)
	assert.Less(t, outcome.Index, 5)
	assert.Equal(
		t,
		fmt.Sprintf("advice #%d for %s", outcome.Index, author.DisplayName),
		outcome.Text,
	)

	rec, err := store.FindByUserID(ctx, author.ID)
	require.NoError(t, err)
	assert.Equal(t, NewDrawnSet(outcome.Index), rec.Drawn)
	require.NotNil(t, rec.LastDrawAt)
	assert.True(t, testStartTime.Equal(*rec.LastDrawAt))
	assert.EqualValues(t, 1, rec.DrawCount)
}

func TestDispenser_Throttle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, store, clock := newTestDispenser(t, 5, false)
	author := newAuthor(t)

	first, err := d.Dispense(ctx, author)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	outcome, err := d.Dispense(ctx, author)
	require.NoError(t, err)
	assert.False(t, outcome.Allowed)
	assert.Equal(t, 24, outcome.RemainingHours)
	assert.Equal(t, -1, outcome.Index)

	clock.Advance(23 * time.Hour)
	outcome, err = d.Dispense(ctx, author)
	require.NoError(t, err)
	assert.False(t, outcome.Allowed)
	assert.Equal(t, 1, outcome.RemainingHours)

	// denials don't touch the record
	rec, err := store.FindByUserID(ctx, author.ID)
	require.NoError(t, err)
	assert.Equal(t, NewDrawnSet(first.Index), rec.Drawn)
	assert.True(t, testStartTime.Equal(*rec.LastDrawAt))
	assert.EqualValues(t, 1, rec.DrawCount)

	clock.Advance(time.Hour)
	outcome, err = d.Dispense(ctx, author)
	require.NoError(t, err)
	assert.True(t, outcome.Allowed)
	assert.NotEqual(t, first.Index, outcome.Index)

	rec, err = store.FindByUserID(ctx, author.ID)
	require.NoError(t, err)
	assert.True(t, clock.Now().Equal(*rec.LastDrawAt))
	assert.EqualValues(t, 2, rec.DrawCount)
}

func TestDispenser_NoRepeatUntilExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	poolSize := 6
	d, store, clock := newTestDispenser(t, poolSize, false)
	author := newAuthor(t)

	seen := map[int]bool{}
	for i := 0; i < poolSize; i++ {
		outcome, err := d.Dispense(ctx, author)
		require.NoError(t, err)
		require.True(t, outcome.Allowed)
		assert.False(t, seen[outcome.Index], "index %d repeated", outcome.Index)
		seen[outcome.Index] = true
		clock.Advance(DefaultCooldown)
	}
	assert.Len(t, seen, poolSize)

	rec, err := store.FindByUserID(ctx, author.ID)
	require.NoError(t, err)
	assert.Equal(t, poolSize, rec.Drawn.Len())

	// history resets on the next draw
	outcome, err := d.Dispense(ctx, author)
	require.NoError(t, err)
	require.True(t, outcome.Allowed)

	rec, err = store.FindByUserID(ctx, author.ID)
	require.NoError(t, err)
	assert.Equal(t, NewDrawnSet(outcome.Index), rec.Drawn)
}

func TestDispenser_SharedPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	poolSize := 4
	d, store, _ := newTestDispenser(t, poolSize, true)

	seen := map[int]string{}
	for i := 0; i < poolSize; i++ {
		author := Author{
			ID:       fmt.Sprintf("70000000000000000%d", i),
			Username: fmt.Sprintf("user%d", i),
		}
		outcome, err := d.Dispense(ctx, author)
		require.NoError(t, err)
		require.True(t, outcome.Allowed)
		prev, dup := seen[outcome.Index]
		assert.False(t, dup, "index %d also drawn by %s", outcome.Index, prev)
		seen[outcome.Index] = author.ID
	}

	meta, err := store.FindByUserID(ctx, MetaUserID)
	require.NoError(t, err)
	assert.Equal(t, poolSize, meta.Drawn.Len())
	assert.EqualValues(t, poolSize, meta.DrawCount)

	// the shared history is exhausted, so the next user resets it
	outcome, err := d.Dispense(ctx, Author{ID: "700000000000000009", Username: "late"})
	require.NoError(t, err)
	require.True(t, outcome.Allowed)

	meta, err = store.FindByUserID(ctx, MetaUserID)
	require.NoError(t, err)
	assert.Equal(t, NewDrawnSet(outcome.Index), meta.Drawn)
}

// metaWriteFailStore fails updates to the record with ID metaID while
// fail is set
type metaWriteFailStore struct {
	UserStore
	metaID uint
	fail   atomic.Bool
}

var errMetaWrite = errors.New("meta write failed")

func (s *metaWriteFailStore) Update(
	ctx context.Context,
	id uint,
	fn func(*User) error,
) (*User, error) {
	if id == s.metaID && s.fail.Load() {
		return nil, errMetaWrite
	}
	return s.UserStore.Update(ctx, id, fn)
}

func TestDispenser_SharedPool_MetaWriteFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	poolSize := 4
	base := setupTestStore(t)
	meta, _, err := InitMetaRecord(ctx, base, poolSize)
	require.NoError(t, err)

	store := &metaWriteFailStore{UserStore: base, metaID: meta.ID}
	store.fail.Store(true)

	clock := newTestClock()
	gate := NewGate(DefaultCooldown)
	gate.Now = clock.Now
	d := NewDispenser(store, testContent(poolSize), gate, true, newTestRNG(), nil)

	author := newAuthor(t)
	_, err = d.Dispense(ctx, author)
	require.ErrorIs(t, err, errMetaWrite)

	// the user's record must not show a draw that the shared history
	// never recorded
	u, err := base.FindByUserID(ctx, author.ID)
	require.NoError(t, err)
	assert.Nil(t, u.LastDrawAt)
	assert.EqualValues(t, 0, u.DrawCount)
	assert.Equal(t, 0, u.Drawn.Len())

	m, err := base.FindByUserID(ctx, MetaUserID)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Drawn.Len())

	// once writes succeed again, the user isn't throttled by the
	// failed attempt
	store.fail.Store(false)
	outcome, err := d.Dispense(ctx, author)
	require.NoError(t, err)
	require.True(t, outcome.Allowed)

	u, err = base.FindByUserID(ctx, author.ID)
	require.NoError(t, err)
	m, err = base.FindByUserID(ctx, MetaUserID)
	require.NoError(t, err)
	assert.Equal(t, NewDrawnSet(outcome.Index), u.Drawn)
	assert.Equal(t, NewDrawnSet(outcome.Index), m.Drawn)
	assert.EqualValues(t, 1, u.DrawCount)
	assert.EqualValues(t, 1, m.DrawCount)
}

func TestDispenser_SharedPool_MissingMeta(t *testing.T) {
	t.Parallel()
	store := setupTestStore(t)
	d := NewDispenser(store, testContent(3), NewGate(DefaultCooldown), true, newTestRNG(), nil)

	_, err := d.Dispense(context.Background(), newAuthor(t))
	assert.ErrorIs(t, err, ErrMetaRecordMissing)
}

func TestDispenser_InvalidAuthor(t *testing.T) {
	t.Parallel()
	d, store, _ := newTestDispenser(t, 3, false)

	_, err := d.Dispense(context.Background(), Author{})
	assert.Error(t, err)

	_, err = d.Dispense(context.Background(), Author{ID: MetaUserID})
	assert.Error(t, err)

	_, err = store.FindByUserID(context.Background(), MetaUserID)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestDispenser_Alias(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispenser(t, 1, false)
	d.content.Templates = []string{"Good things are coming, {name}."}

	outcome, err := d.Dispense(
		context.Background(),
		Author{ID: "800000000000000001", Username: "Kai' Sa", DisplayName: "Kai"},
	)
	require.NoError(t, err)
	assert.Equal(t, "Good things are coming, Aether.", outcome.Text)
}

func TestDispenser_ConcurrentSameUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, store, _ := newTestDispenser(t, 10, false)
	author := newAuthor(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := d.Dispense(ctx, author)
			if !assert.NoError(t, err) {
				return
			}
			if outcome.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, allowed)
	assert.Equal(t, 0, d.locks.len())

	rec, err := store.FindByUserID(ctx, author.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Drawn.Len())
	assert.EqualValues(t, 1, rec.DrawCount)
}
