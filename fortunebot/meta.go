package fortunebot

import (
	"context"
	"errors"
	"fmt"
)

var ErrMetaRecordMissing = errors.New("meta record not found")

// InitMetaRecord creates the shared-pool meta record, if it doesn't exist
// yet. A new meta record is seeded with the union of every user's
// in-range draw history (cleared if that union already covers the whole
// pool). It should be called once at startup, before any draws are
// served with the shared pool enabled.
func InitMetaRecord(
	ctx context.Context,
	store UserStore,
	poolSize int,
) (meta *User, created bool, err error) {
	if poolSize <= 0 {
		return nil, false, ErrEmptyPool
	}

	meta, err = store.FindByUserID(ctx, MetaUserID)
	switch {
	case err == nil:
		return meta, false, nil
	case !errors.Is(err, ErrUserNotFound):
		return nil, false, fmt.Errorf("error looking up meta record: %w", err)
	}

	drawn := DrawnSet{}
	err = store.Scan(
		ctx, func(u User) error {
			if u.IsMeta() {
				return nil
			}
			history := u.Drawn.Clone()
			history.pruneOutOfRange(poolSize)
			drawn.Union(history)
			return nil
		},
	)
	if err != nil {
		return nil, false, fmt.Errorf("error scanning user records: %w", err)
	}
	if drawn.Len() >= poolSize {
		drawn.Clear()
	}

	meta = &User{
		UserID:   MetaUserID,
		Username: "meta",
		Drawn:    drawn,
	}
	if _, err = store.Insert(ctx, meta); err != nil {
		return nil, false, fmt.Errorf("error inserting meta record: %w", err)
	}
	return meta, true, nil
}
