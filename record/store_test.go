package record

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lets every store implementation run the same suite.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisStore(client)
		},
	}
}

func TestStoreCRUD(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			r := New("raw prompt")
			r.ProjectID = "proj-1"
			require.NoError(t, store.Create(ctx, r))

			assert.ErrorIs(t, store.Create(ctx, r), ErrConflict)

			loaded, err := store.Get(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, r.ID, loaded.ID)
			assert.Equal(t, "raw prompt", loaded.RawPrompt)
			assert.Equal(t, "proj-1", loaded.ProjectID)

			loaded.OptimizedPrompt = "polished prompt"
			loaded.OverallScore = floatPtr(0.9)
			require.NoError(t, store.Update(ctx, loaded))

			reloaded, err := store.Get(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, "polished prompt", reloaded.OptimizedPrompt)
			require.NotNil(t, reloaded.OverallScore)
			assert.Equal(t, 0.9, *reloaded.OverallScore)

			require.NoError(t, store.Delete(ctx, r.ID))
			_, err = store.Get(ctx, r.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.Delete(ctx, r.ID), ErrNotFound)
		})
	}
}

func TestStoreErrors(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			_, err := store.Get(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidID)

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, store.Update(ctx, New("never created")), ErrNotFound)
			assert.ErrorIs(t, store.Create(ctx, &Record{}), ErrInvalidID)
		})
	}
}

func TestStoreListFiltersAndPaginates(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			base := time.Now().UTC()
			for i := 0; i < 5; i++ {
				r := New(fmt.Sprintf("prompt %d", i))
				r.CreatedAt = base.Add(time.Duration(i) * time.Second)
				if i%2 == 0 {
					r.ProjectID = "proj-even"
				}
				if i == 4 {
					r.Status = StatusCompleted
				}
				require.NoError(t, store.Create(ctx, r))
			}

			all, err := store.List(ctx, ListOptions{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			// Newest first.
			assert.Equal(t, "prompt 4", all[0].RawPrompt)
			assert.Equal(t, "prompt 0", all[4].RawPrompt)

			evens, err := store.List(ctx, ListOptions{ProjectID: "proj-even"})
			require.NoError(t, err)
			assert.Len(t, evens, 3)

			completed, err := store.List(ctx, ListOptions{Status: StatusCompleted})
			require.NoError(t, err)
			require.Len(t, completed, 1)
			assert.Equal(t, "prompt 4", completed[0].RawPrompt)

			page, err := store.List(ctx, ListOptions{Limit: 2, Offset: 1})
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, "prompt 3", page[0].RawPrompt)
			assert.Equal(t, "prompt 2", page[1].RawPrompt)

			empty, err := store.List(ctx, ListOptions{Offset: 50})
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	r := New("raw")
	r.Tags = []string{"keep"}
	require.NoError(t, store.Create(ctx, r))

	// Mutating the original after Create must not leak into the store.
	r.Tags[0] = "mutated"
	r.RawPrompt = "mutated"

	loaded, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "raw", loaded.RawPrompt)
	assert.Equal(t, []string{"keep"}, loaded.Tags)

	// Mutating a loaded record must not change stored state either.
	loaded.Tags[0] = "mutated"
	again, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, again.Tags)
}

func TestRedisStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, WithTTL(time.Minute), WithPrefix("test"))
	ctx := context.Background()

	r := New("expiring")
	require.NoError(t, store.Create(ctx, r))

	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The recency index may still reference the expired record; List
	// skips it rather than failing.
	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
