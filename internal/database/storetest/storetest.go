// Package storetest holds the behavioural tests shared by every
// moderation.Store and auth.SessionStore backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"radiochat/internal/auth"
	"radiochat/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(clientID, actor, reason string, at time.Time) moderation.BlockRecord {
	return moderation.BlockRecord{
		ID:        moderation.NewRecordID(),
		ClientID:  clientID,
		Active:    true,
		ActorID:   actor,
		Reason:    reason,
		BlockedAt: at.UTC(),
	}
}

// RunBlockStore exercises a moderation.Store. newStore must return an empty
// store each time it is called.
func RunBlockStore(t *testing.T, newStore func(t *testing.T) moderation.Store) {
	ctx := context.Background()

	t.Run("add and check block", func(t *testing.T) {
		store := newStore(t)

		blocked, err := store.IsBlocked(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, blocked)

		require.NoError(t, store.AddBlock(ctx, block("c1", "mod", "spam", time.Now())))

		blocked, err = store.IsBlocked(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, blocked)

		blocked, err = store.IsBlocked(ctx, "c2")
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("reblock replaces active record", func(t *testing.T) {
		store := newStore(t)

		first := block("c1", "mod", "first", time.Now())
		require.NoError(t, store.AddBlock(ctx, first))
		second := block("c1", "mod", "second", time.Now())
		require.NoError(t, store.AddBlock(ctx, second))

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, second.ID, active[0].ID)
		assert.Equal(t, "second", active[0].Reason)

		history, err := store.History(ctx, 10)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, second.ID, history[0].ID)
		assert.True(t, history[0].Active)
		assert.False(t, history[1].Active)
	})

	t.Run("remove block", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.AddBlock(ctx, block("c1", "mod", "", time.Now())))

		removed, err := store.RemoveBlock(ctx, "c1", "admin")
		require.NoError(t, err)
		assert.True(t, removed)

		blocked, err := store.IsBlocked(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, blocked)

		history, err := store.History(ctx, 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.False(t, history[0].Active)
		assert.Equal(t, "admin", history[0].UnblockedBy)
		require.NotNil(t, history[0].UnblockedAt)

		removed, err = store.RemoveBlock(ctx, "c1", "admin")
		require.NoError(t, err)
		assert.False(t, removed, "second unblock must report nothing removed")
	})

	t.Run("remove never blocked", func(t *testing.T) {
		store := newStore(t)
		removed, err := store.RemoveBlock(ctx, "nobody", "admin")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("list active", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.AddBlock(ctx, block("c1", "mod", "a", time.Now())))
		require.NoError(t, store.AddBlock(ctx, block("c2", "mod", "b", time.Now())))
		require.NoError(t, store.AddBlock(ctx, block("c3", "mod", "c", time.Now())))
		_, err := store.RemoveBlock(ctx, "c2", "mod")
		require.NoError(t, err)

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(active))
		for _, r := range active {
			ids = append(ids, r.ClientID)
			assert.True(t, r.Active)
		}
		assert.ElementsMatch(t, []string{"c1", "c3"}, ids)
	})

	t.Run("history limit and order", func(t *testing.T) {
		store := newStore(t)
		var last string
		for _, id := range []string{"c1", "c2", "c3", "c4"} {
			rec := block(id, "mod", "", time.Now())
			last = rec.ID
			require.NoError(t, store.AddBlock(ctx, rec))
		}

		history, err := store.History(ctx, 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, last, history[0].ID)
		assert.Equal(t, "c4", history[0].ClientID)
		assert.Equal(t, "c3", history[1].ClientID)
	})

	t.Run("purge inactive", func(t *testing.T) {
		store := newStore(t)
		old := time.Now().Add(-40 * 24 * time.Hour)

		require.NoError(t, store.AddBlock(ctx, block("old-inactive", "mod", "", old)))
		_, err := store.RemoveBlock(ctx, "old-inactive", "mod")
		require.NoError(t, err)
		require.NoError(t, store.AddBlock(ctx, block("old-active", "mod", "", old)))
		require.NoError(t, store.AddBlock(ctx, block("new-inactive", "mod", "", time.Now())))
		_, err = store.RemoveBlock(ctx, "new-inactive", "mod")
		require.NoError(t, err)

		n, err := store.PurgeInactive(ctx, time.Now().Add(-30*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		history, err := store.History(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, history, 2)

		blocked, err := store.IsBlocked(ctx, "old-active")
		require.NoError(t, err)
		assert.True(t, blocked, "purge must never touch active records")
	})

	t.Run("cancelled context", func(t *testing.T) {
		store := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := store.AddBlock(cctx, block("c1", "mod", "", time.Now()))
		assert.Error(t, err)

		blocked, err := store.IsBlocked(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, blocked)
	})
}

// RunSessionStore exercises an auth.SessionStore.
func RunSessionStore(t *testing.T, newStore func(t *testing.T) auth.SessionStore) {
	ctx := context.Background()

	t.Run("save get delete", func(t *testing.T) {
		store := newStore(t)
		now := time.Now().UTC().Truncate(time.Second)
		sess := auth.Session{
			TokenHash: auth.HashToken("secret"),
			Username:  "carol",
			CreatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		}
		require.NoError(t, store.SaveSession(ctx, sess))

		got, err := store.GetSession(ctx, sess.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, "carol", got.Username)
		assert.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))

		require.NoError(t, store.DeleteSession(ctx, sess.TokenHash))
		_, err = store.GetSession(ctx, sess.TokenHash)
		assert.ErrorIs(t, err, auth.ErrSessionNotFound)
	})

	t.Run("unknown session", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, auth.ErrSessionNotFound)
	})

	t.Run("manager round trip", func(t *testing.T) {
		m := auth.NewManager(newStore(t))
		issued, err := m.Issue(ctx, "dave", time.Hour)
		require.NoError(t, err)

		username, err := m.Verify(ctx, issued.Token)
		require.NoError(t, err)
		assert.Equal(t, "dave", username)
	})
}
