package fortunebot

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// MetaUserID is the UserID of the synthetic record that tracks every
// index handed out to anyone, when the shared pool is enabled.
// Discord snowflakes are never "0", so it can't collide with a real user.
const MetaUserID = "0"

var (
	columnUserUserID     = "user_id"
	columnUserUsername   = "username"
	columnUserGlobalName = "global_name"
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation and update, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// User is the persisted draw state of a single Discord user, or of the
// meta record (see MetaUserID).
//
//nolint:lll // struct tags can't be split
type User struct {
	// ID is the store-assigned record ID
	ID uint `json:"id" gorm:"primaryKey"`

	// UserID is the Discord user ID (or MetaUserID)
	UserID string `json:"user_id" gorm:"column:user_id;uniqueIndex;not null;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Drawn holds the template indices already handed to this user
	// in the current cycle
	Drawn DrawnSet `json:"drawn" gorm:"column:drawn"`

	// LastDrawAt is the time of the last successful draw. Nil until
	// the first one.
	LastDrawAt *time.Time `json:"last_draw_at,omitempty" gorm:"column:last_draw_at"`

	// DrawCount is the total number of successful draws
	DrawCount int64 `json:"draw_count" gorm:"column:draw_count;default:0"`

	ModelUnixTime
}

func (User) TableName() string {
	return "users"
}

// IsMeta returns true if this is the shared-pool meta record
func (u User) IsMeta() bool {
	return u.UserID == MetaUserID
}

func (u User) String() string {
	return fmt.Sprintf(
		"User(id=%d user_id=%s username=%s)",
		u.ID,
		u.UserID,
		u.Username,
	)
}

func (u User) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(u.ID)),
		slog.String(columnUserUserID, u.UserID),
		slog.Int("drawn", u.Drawn.Len()),
		slog.Int64("draw_count", u.DrawCount),
	}
	if u.Username != "" {
		attrs = append(attrs, slog.String(columnUserUsername, u.Username))
	}
	if u.GlobalName != "" {
		attrs = append(attrs, slog.String(columnUserGlobalName, u.GlobalName))
	}
	if u.LastDrawAt != nil {
		attrs = append(attrs, slog.Time("last_draw_at", *u.LastDrawAt))
	}
	return slog.GroupValue(attrs...)
}

// DrawnSet is a set of template indices. It's persisted as a sorted
// JSON array of integers.
type DrawnSet map[int]struct{}

// NewDrawnSet returns a DrawnSet containing the given indices
func NewDrawnSet(indices ...int) DrawnSet {
	s := make(DrawnSet, len(indices))
	for _, i := range indices {
		s[i] = struct{}{}
	}
	return s
}

// Add inserts i into the set, allocating the set if needed
func (s *DrawnSet) Add(i int) {
	if *s == nil {
		*s = DrawnSet{}
	}
	(*s)[i] = struct{}{}
}

func (s DrawnSet) Has(i int) bool {
	_, ok := s[i]
	return ok
}

func (s DrawnSet) Len() int {
	return len(s)
}

// Clear empties the set in place
func (s *DrawnSet) Clear() {
	if *s == nil {
		*s = DrawnSet{}
		return
	}
	clear(*s)
}

// Clone returns a copy of the set
func (s DrawnSet) Clone() DrawnSet {
	c := make(DrawnSet, len(s))
	for i := range s {
		c[i] = struct{}{}
	}
	return c
}

// Indices returns the members of the set in ascending order
func (s DrawnSet) Indices() []int {
	rv := make([]int, 0, len(s))
	for i := range s {
		rv = append(rv, i)
	}
	slices.Sort(rv)
	return rv
}

// Union adds every member of other to s
func (s *DrawnSet) Union(other DrawnSet) {
	for i := range other {
		s.Add(i)
	}
}

// pruneOutOfRange removes indices outside [0, size), returning how
// many were removed
func (s *DrawnSet) pruneOutOfRange(size int) int {
	removed := 0
	for i := range *s {
		if i < 0 || i >= size {
			delete(*s, i)
			removed++
		}
	}
	return removed
}

// Scan implements the sql.Scanner interface.
func (s *DrawnSet) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*s = DrawnSet{}
		return nil
	case []byte:
		return s.parse(v)
	case string:
		return s.parse([]byte(v))
	default:
		return fmt.Errorf("invalid type for DrawnSet: %T", value)
	}
}

func (s *DrawnSet) parse(b []byte) error {
	if len(b) == 0 {
		*s = DrawnSet{}
		return nil
	}
	var indices []int
	if err := json.Unmarshal(b, &indices); err != nil {
		return errors.Join(errors.New("invalid DrawnSet value"), err)
	}
	*s = NewDrawnSet(indices...)
	return nil
}

// Value implements the driver.Valuer interface.
func (s DrawnSet) Value() (driver.Value, error) {
	b, err := json.Marshal(s.Indices())
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (DrawnSet) GormDataType() string {
	return "text"
}

// MarshalJSON implements the json.Marshaller interface.
func (s DrawnSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Indices())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *DrawnSet) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = DrawnSet{}
		return nil
	}
	return s.parse(data)
}
