package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyEvent(n int) Event {
	return Event{ID: fmt.Sprintf("evt-%d", n), Type: "test.event", Payload: map[string]any{"n": n}}
}

func TestHistoryAppendAndRecent(t *testing.T) {
	h := NewHistory(4)
	assert.Zero(t, h.Len())

	for i := 0; i < 3; i++ {
		h.Append(historyEvent(i))
	}

	assert.Equal(t, 3, h.Len())
	recent := h.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "evt-1", recent[0].ID)
	assert.Equal(t, "evt-2", recent[1].ID)
}

func TestHistoryEviction(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(historyEvent(i))
	}

	assert.Equal(t, 3, h.Len())
	all := h.Recent(0)
	require.Len(t, all, 3)
	assert.Equal(t, "evt-2", all[0].ID)
	assert.Equal(t, "evt-4", all[2].ID)
}

func TestHistorySince(t *testing.T) {
	h := NewHistory(8)
	for i := 0; i < 5; i++ {
		h.Append(historyEvent(i))
	}

	gap := h.Since("evt-2")
	require.Len(t, gap, 2)
	assert.Equal(t, "evt-3", gap[0].ID)
	assert.Equal(t, "evt-4", gap[1].ID)

	assert.Empty(t, h.Since("evt-4"))
}

func TestHistorySinceUnknownIDReplaysAll(t *testing.T) {
	h := NewHistory(8)
	for i := 0; i < 3; i++ {
		h.Append(historyEvent(i))
	}

	assert.Len(t, h.Since("expired-cursor"), 3)
	assert.Len(t, h.Since(""), 3)
}

func TestHistoryDefaultCapacity(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < DefaultHistorySize+10; i++ {
		h.Append(historyEvent(i))
	}
	assert.Equal(t, DefaultHistorySize, h.Len())
}
