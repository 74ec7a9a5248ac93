package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"TrustMed/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return store
}

func conversation() *Session {
	sess := New("ollama")
	q := NewMessage(RoleUser, "What are the symptoms of diabetes?")
	q.Topic = "diabetes"
	sess.Append(q)
	a := NewMessage(RoleAssistant, "Diabetes symptoms include increased thirst.")
	a.Confidence, a.SourceCount = 0.8, 3
	sess.Append(a)
	q2 := NewMessage(RoleUser, "And asthma?")
	q2.Topic = "asthma"
	sess.Append(q2)
	a2 := NewMessage(RoleAssistant, "Asthma symptoms include wheezing.")
	a2.Confidence, a2.SourceCount = 0.6, 1
	sess.Append(a2)
	return sess
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := conversation()

	require.NoError(t, store.Save(ctx, sess))
	// saving again only adds new messages
	sess.Append(NewMessage(RoleUser, "thanks"))
	require.NoError(t, store.Save(ctx, sess))

	got, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "ollama", got.Backend)
	require.Len(t, got.Messages, 5)
	for i := range sess.Messages {
		assert.Equal(t, sess.Messages[i].ID, got.Messages[i].ID)
		assert.Equal(t, sess.Messages[i].Content, got.Messages[i].Content)
		assert.Equal(t, sess.Messages[i].Role, got.Messages[i].Role)
	}
	assert.Equal(t, 0.8, got.Messages[1].Confidence)
	assert.Equal(t, "diabetes", got.Messages[0].Topic)
}

func TestLoadMissing(t *testing.T) {
	_, err := newTestStore(t).Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := conversation()
	require.NoError(t, store.Save(ctx, sess))

	require.NoError(t, store.Delete(ctx, sess.ID))
	_, err := store.Load(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, sess.ID), ErrNotFound)
}

func TestDeleteIdle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	old := New("ollama")
	old.LastActivity = time.Now().UTC().Add(-3 * time.Hour)
	fresh := New("ollama")
	require.NoError(t, store.Save(ctx, old))
	require.NoError(t, store.Save(ctx, fresh))

	n, err := store.DeleteIdle(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = store.Load(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSummarize(t *testing.T) {
	sum := conversation().Summarize()
	assert.Equal(t, 2, sum.TotalQueries)
	assert.Equal(t, []string{"diabetes", "asthma"}, sum.Topics)
	assert.InDelta(t, 0.7, sum.AvgConfidence, 1e-9)
	assert.Equal(t, 4, sum.TotalSources)
}

func TestHistory(t *testing.T) {
	sess := conversation()
	assert.Len(t, sess.History(2), 2)
	assert.Equal(t, "Asthma symptoms include wheezing.", sess.History(2)[1].Content)
	assert.Len(t, sess.History(10), 4)
	assert.Nil(t, sess.History(0))
}

func TestIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ids, err := store.IDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	older := New("ollama")
	older.LastActivity = time.Now().UTC().Add(-time.Hour)
	newer := New("ollama")
	require.NoError(t, store.Save(ctx, older))
	require.NoError(t, store.Save(ctx, newer))

	ids, err = store.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{newer.ID, older.ID}, ids)
}
