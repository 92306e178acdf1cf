package fortunebot

import (
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestDrawnSet_Value(t *testing.T) {
	t.Parallel()
	s := NewDrawnSet(5, 1, 3)
	v, err := s.Value()
	require.NoError(t, err)
	assert.Equal(t, "[1,3,5]", v)

	var empty DrawnSet
	v, err = empty.Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)
}

func TestDrawnSet_Scan(t *testing.T) {
	t.Parallel()

	var s DrawnSet
	require.NoError(t, s.Scan([]byte("[2,4]")))
	assert.Equal(t, NewDrawnSet(2, 4), s)

	require.NoError(t, s.Scan("[7]"))
	assert.Equal(t, NewDrawnSet(7), s)

	require.NoError(t, s.Scan(nil))
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Scan(""))
	assert.Equal(t, 0, s.Len())

	assert.Error(t, s.Scan(42))
	assert.Error(t, s.Scan("not json"))
}

func TestDrawnSet_Ops(t *testing.T) {
	t.Parallel()
	var s DrawnSet
	assert.False(t, s.Has(1))
	s.Add(1)
	s.Add(1)
	s.Add(4)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []int{1, 4}, s.Indices())

	c := s.Clone()
	c.Add(9)
	assert.False(t, s.Has(9))

	s.Union(NewDrawnSet(2, 4))
	assert.Equal(t, []int{1, 2, 4}, s.Indices())

	assert.Equal(t, 1, s.pruneOutOfRange(3))
	assert.Equal(t, []int{1, 2}, s.Indices())

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.NotNil(t, s)
}

func TestUser_JSON(t *testing.T) {
	t.Parallel()
	last := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	u := User{
		ID:         3,
		UserID:     "600000000000000001",
		Username:   "someone",
		Drawn:      NewDrawnSet(3, 0),
		LastDrawAt: &last,
		DrawCount:  2,
	}
	data, err := json.Marshal(u)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, []any{float64(0), float64(3)}, m["drawn"])
	assert.Equal(t, "600000000000000001", m["user_id"])

	var decoded User
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, u.Drawn, decoded.Drawn)
	assert.True(t, last.Equal(*decoded.LastDrawAt))
}

func TestUser_IsMeta(t *testing.T) {
	t.Parallel()
	assert.True(t, User{UserID: MetaUserID}.IsMeta())
	assert.False(t, User{UserID: "600000000000000001"}.IsMeta())
}
