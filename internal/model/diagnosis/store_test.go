package diagnosis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(id, user string, created time.Time) Session {
	return Session{ID: id, UserID: user, Status: StatusCreated, CreatedAt: created, UpdatedAt: created}
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newSession("s1", "u1", time.Now())))

	current, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version)

	current.Status = StatusCollecting
	updated, err := store.CompareAndSwap(ctx, current.Version, current)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// a writer holding the stale version loses
	current.Status = StatusExpired
	_, err = store.CompareAndSwap(ctx, 1, current)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCollecting, got.Status)
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newSession("s1", "u1", time.Now())))
	assert.ErrorIs(t, store.Create(ctx, newSession("s1", "u1", time.Now())), ErrSessionExists)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := newSession("s1", "u1", time.Now())
	s.Metadata = map[string]string{"clinic": "a"}
	require.NoError(t, store.Create(ctx, s))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	got.Metadata["clinic"] = "b"

	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Metadata["clinic"])
}

func TestMemoryStoreConcurrentCASLosesNoUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newSession("s1", "u1", time.Now())))

	var wg sync.WaitGroup
	for _, m := range AllModalities() {
		wg.Add(1)
		go func(m Modality) {
			defer wg.Done()
			for {
				cur, err := store.Get(ctx, "s1")
				if err != nil {
					t.Error(err)
					return
				}
				if cur.Evidence == nil {
					cur.Evidence = map[Modality]Evidence{}
				}
				cur.Evidence[m] = Evidence{Modality: m, Available: true}
				_, err = store.CompareAndSwap(ctx, cur.Version, cur)
				if errors.Is(err, ErrVersionConflict) {
					continue
				}
				if err != nil {
					t.Error(err)
				}
				return
			}
		}(m)
	}
	wg.Wait()

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Evidence, 4)
	assert.True(t, got.AllAvailable())
}

func TestMemoryStoreListByUserPaginates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Create(ctx, newSession(id, "u1", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, store.Create(ctx, newSession("other", "u2", base)))

	items, total, err := store.ListByUser(ctx, "u1", ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, "c", items[0].ID)
	assert.Equal(t, "b", items[1].ID)

	items, _, err = store.ListByUser(ctx, "u1", ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)

	items, _, err = store.ListByUser(ctx, "u1", ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMemoryStoreListByStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.Create(ctx, newSession("a", "u1", now)))
	collecting := newSession("b", "u1", now)
	collecting.Status = StatusCollecting
	require.NoError(t, store.Create(ctx, collecting))

	items, err := store.ListByStatus(ctx, []Status{StatusCollecting, StatusReadyForFusion}, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)
}
