package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acp2/acp2/internal/common/errors"
	"github.com/acp2/acp2/pkg/acp/protocol"
	v1 "github.com/acp2/acp2/pkg/api/v1"
)

// withStores runs fn against every backend so the contract stays uniform.
func withStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "acp2.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func TestStore_CreateAndGetSession(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.CreateSession(ctx, "sess-1", "echo")
		require.NoError(t, err)
		assert.Equal(t, "sess-1", created.ID)
		assert.Equal(t, "echo", created.AgentName)
		assert.Equal(t, v1.SessionStatusIdle, created.Status)
		assert.Empty(t, created.SouthSessionID)
		assert.Zero(t, created.MessageCount)

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, created.AgentName, got.AgentName)
		assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Second)
	})
}

func TestStore_CreateSessionDuplicate(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.CreateSession(ctx, "sess-1", "echo")
		require.NoError(t, err)

		_, err = s.CreateSession(ctx, "sess-1", "echo")
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))
	})
}

func TestStore_GetSessionNotFound(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		_, err := s.GetSession(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestStore_UpdateSession(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.CreateSession(ctx, "sess-1", "echo")
		require.NoError(t, err)

		southID := "south-abc"
		status := v1.SessionStatusActive
		err = s.UpdateSession(ctx, "sess-1", SessionPatch{
			SouthSessionID: &southID,
			Status:         &status,
		})
		require.NoError(t, err)

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "south-abc", got.SouthSessionID)
		assert.Equal(t, v1.SessionStatusActive, got.Status)

		// Partial patch leaves other fields alone.
		replacement := "south-def"
		err = s.UpdateSession(ctx, "sess-1", SessionPatch{SouthSessionID: &replacement})
		require.NoError(t, err)

		got, err = s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "south-def", got.SouthSessionID)
		assert.Equal(t, v1.SessionStatusActive, got.Status)
	})
}

func TestStore_UpdateSessionNotFound(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		status := v1.SessionStatusTerminated
		err := s.UpdateSession(context.Background(), "missing", SessionPatch{Status: &status})
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestStore_DeleteSessionCascades(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.CreateSession(ctx, "sess-1", "echo")
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, "sess-1", v1.RoleUser, []protocol.ContentBlock{protocol.TextBlock("hello")}, nil)
		require.NoError(t, err)

		require.NoError(t, s.DeleteSession(ctx, "sess-1"))

		_, err = s.GetSession(ctx, "sess-1")
		assert.True(t, errors.IsNotFound(err))

		msgs, err := s.ListMessages(ctx, "sess-1", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		// Deleting again is not an error.
		assert.NoError(t, s.DeleteSession(ctx, "sess-1"))
	})
}

func TestStore_AppendMessageSequence(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.CreateSession(ctx, "sess-1", "echo")
		require.NoError(t, err)

		seq, err := s.AppendMessage(ctx, "sess-1", v1.RoleUser, []protocol.ContentBlock{protocol.TextBlock("hi")}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, seq)

		seq, err = s.AppendMessage(ctx, "sess-1", v1.RoleAgent, []protocol.ContentBlock{protocol.TextBlock("hello back")}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, seq)

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.MessageCount)
	})
}

func TestStore_AppendMessageSessionNotFound(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		_, err := s.AppendMessage(context.Background(), "missing", v1.RoleUser, []protocol.ContentBlock{protocol.TextBlock("hi")}, nil)
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestStore_MessageRoundTripPreservesBlocks(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.CreateSession(ctx, "sess-1", "echo")
		require.NoError(t, err)

		contentJSON := `[{"type":"text","text":"describe this"},{"type":"image","data":"aGVsbG8=","mimeType":"image/png"},{"type":"resource","resource":{"uri":"file:///tmp/x","nested":[1,2,3]}}]`
		var content []protocol.ContentBlock
		require.NoError(t, json.Unmarshal([]byte(contentJSON), &content))

		south := json.RawMessage(`[{"type":"text","text":"describe this","annotations":{"priority":1}}]`)
		_, err = s.AppendMessage(ctx, "sess-1", v1.RoleUser, content, south)
		require.NoError(t, err)

		msgs, err := s.ListMessages(ctx, "sess-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		roundTripped, err := json.Marshal(msgs[0].Content)
		require.NoError(t, err)
		assert.JSONEq(t, contentJSON, string(roundTripped))
		assert.JSONEq(t, string(south), string(msgs[0].South))
		assert.Equal(t, v1.RoleUser, msgs[0].Role)
	})
}

func TestStore_ListMessagesSinceAndLimit(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.CreateSession(ctx, "sess-1", "echo")
		require.NoError(t, err)
		for i := 0; i < 4; i++ {
			_, err = s.AppendMessage(ctx, "sess-1", v1.RoleUser, []protocol.ContentBlock{protocol.TextBlock("m")}, nil)
			require.NoError(t, err)
		}

		msgs, err := s.ListMessages(ctx, "sess-1", 1, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, 2, msgs[0].Sequence)
		assert.Equal(t, 3, msgs[1].Sequence)

		all, err := s.ListMessages(ctx, "sess-1", 0, 0)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestStore_ListSessionsFilterAndOrder(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, id := range []string{"a", "b", "c"} {
			_, err := s.CreateSession(ctx, id, "echo")
			require.NoError(t, err)
		}
		_, err := s.CreateSession(ctx, "d", "planner")
		require.NoError(t, err)

		// Spread activity so the ordering is unambiguous.
		base := time.Now().UTC()
		for i, id := range []string{"a", "b", "c", "d"} {
			at := base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.UpdateSession(ctx, id, SessionPatch{LastActiveAt: &at}))
		}
		terminated := v1.SessionStatusTerminated
		require.NoError(t, s.UpdateSession(ctx, "b", SessionPatch{Status: &terminated}))

		all, err := s.ListSessions(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "d", all[0].ID)
		assert.Equal(t, "a", all[3].ID)

		echoOnly, err := s.ListSessions(ctx, ListFilter{AgentName: "echo"})
		require.NoError(t, err)
		assert.Len(t, echoOnly, 3)

		terminatedOnly, err := s.ListSessions(ctx, ListFilter{Status: v1.SessionStatusTerminated})
		require.NoError(t, err)
		require.Len(t, terminatedOnly, 1)
		assert.Equal(t, "b", terminatedOnly[0].ID)

		paged, err := s.ListSessions(ctx, ListFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, paged, 2)
		assert.Equal(t, "c", paged[0].ID)
		assert.Equal(t, "b", paged[1].ID)
	})
}
