package chatclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(entries []Entry) []uint {
	out := make([]uint, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestViewOrdersByTimestampAndDedupes(t *testing.T) {
	base := time.Unix(1700000000, 0)
	v := newView()

	assert.True(t, v.insert(Entry{ID: 2, Timestamp: base.Add(2 * time.Second)}))
	assert.True(t, v.insert(Entry{ID: 3, Timestamp: base.Add(3 * time.Second)}))
	assert.True(t, v.insert(Entry{ID: 1, Timestamp: base.Add(time.Second)}))
	assert.False(t, v.insert(Entry{ID: 2, Timestamp: base.Add(2 * time.Second)}))
	assert.False(t, v.insert(Entry{Timestamp: base}))

	assert.Equal(t, []uint{1, 2, 3}, ids(v.Entries()))

	oldest, ok := v.oldest()
	require.True(t, ok)
	assert.True(t, oldest.Equal(base.Add(time.Second)))
	newest, ok := v.newest()
	require.True(t, ok)
	assert.True(t, newest.Equal(base.Add(3*time.Second)))
}

func TestViewKeepsPendingAtTail(t *testing.T) {
	base := time.Unix(1700000000, 0)
	v := newView()
	v.insert(Entry{ID: 1, Timestamp: base})
	v.addPending(Entry{TempID: "tmp", Timestamp: base.Add(-time.Hour)})
	v.insert(Entry{ID: 2, Timestamp: base.Add(time.Second)})

	entries := v.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, []uint{1, 2, 0}, ids(entries))
	assert.True(t, entries[2].IsSending)

	newest, ok := v.newest()
	require.True(t, ok)
	assert.True(t, newest.Equal(base.Add(time.Second)))

	assert.True(t, v.removePending("tmp"))
	assert.False(t, v.removePending("tmp"))
	assert.Equal(t, 2, v.Len())
}

func TestViewRemoveAndUpdate(t *testing.T) {
	v := newView()
	v.insert(Entry{ID: 7, Content: "a", Timestamp: time.Now()})

	assert.True(t, v.update(7, func(e *Entry) { e.Content = "b" }))
	e, ok := v.Get(7)
	require.True(t, ok)
	assert.Equal(t, "b", e.Content)

	assert.False(t, v.update(8, func(e *Entry) { e.Content = "x" }))
	assert.True(t, v.remove(7))
	assert.False(t, v.remove(7))
	assert.False(t, v.Has(7))
	_, ok = v.oldest()
	assert.False(t, ok)
}
