package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/promptforge/promptforge/types"
)

func TestRecordUsageAccumulates(t *testing.T) {
	r := NewRecorder()

	r.RecordUsage("claude-sonnet-4", types.NewTokenUsage(100, 50))
	r.RecordUsage("claude-sonnet-4", types.NewTokenUsage(200, 75))

	usage := r.Usage("claude-sonnet-4")
	assert.Equal(t, 300, *usage.InputTokens)
	assert.Equal(t, 125, *usage.OutputTokens)
	assert.Equal(t, 425, usage.Total())
}

func TestRecordUsageEmptyModel(t *testing.T) {
	r := NewRecorder()
	r.RecordUsage("", types.NewTokenUsage(10, 5))

	assert.Equal(t, 15, r.Usage("unknown").Total())
}

func TestSnapshotSortedWithCalls(t *testing.T) {
	r := NewRecorder()
	r.RecordUsage("gpt-4o", types.NewTokenUsage(10, 10))
	r.RecordUsage("claude-sonnet-4", types.NewTokenUsage(20, 20))
	r.RecordUsage("claude-sonnet-4", types.TokenUsage{})

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, "claude-sonnet-4", snap[0].Model)
	assert.Equal(t, 2, snap[0].Calls)
	assert.Equal(t, 40, snap[0].Tokens.Total())
	assert.Equal(t, "gpt-4o", snap[1].Model)
	assert.Equal(t, 1, snap[1].Calls)
}

func TestTotalTokens(t *testing.T) {
	r := NewRecorder()
	assert.Equal(t, 0, r.TotalTokens())

	r.RecordUsage("a", types.NewTokenUsage(100, 50))
	r.RecordUsage("b", types.NewTokenUsage(30, 20))
	assert.Equal(t, 200, r.TotalTokens())
}

func TestRecorderConcurrentAccess(t *testing.T) {
	r := NewRecorder()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordUsage("m", types.NewTokenUsage(1, 1))
		}()
	}
	wg.Wait()

	assert.Equal(t, 40, r.Usage("m").Total())
}
