package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/pkg/db"
	"github.com/sgrastar/authrim/pkg/idgen"
)

func newTestManager() *Manager {
	return NewManager(db.NewMemoryStore(), idgen.SystemIDSource{})
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", time.Hour, Data{DeviceName: "phone"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "user-1", s.UserID)

	got, ok := m.Get(ctx, s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "phone", got.Data.DeviceName)
}

func TestGet_MissingReturnsFalse(t *testing.T) {
	m := newTestManager()
	_, ok := m.Get(context.Background(), "nonexistent")
	assert.False(t, ok)
}

func TestGet_FallsBackToColdWhenNotHot(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)

	// Simulate an eviction from hot storage (e.g. process restart) by
	// deleting only the hot entry directly.
	m.hot.delete(s.ID)

	got, ok := m.Get(ctx, s.ID)
	require.True(t, ok, "expected cold-storage fallback to find the session")
	assert.Equal(t, s.ID, got.ID)

	// The cold hit should have promoted the session back into hot.
	_, hotOK := m.hot.get(s.ID)
	assert.True(t, hotOK)
}

func TestExtend(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", time.Minute, Data{})
	require.NoError(t, err)
	before := s.ExpiresAt

	extended, ok := m.Extend(ctx, s.ID, time.Hour)
	require.True(t, ok)
	assert.True(t, extended.ExpiresAt.After(before))
}

func TestExtend_MissingReturnsFalse(t *testing.T) {
	m := newTestManager()
	_, ok := m.Extend(context.Background(), "nonexistent", time.Hour)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)

	existed, err := m.Invalidate(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok := m.Get(ctx, s.ID)
	assert.False(t, ok)
}

func TestInvalidate_IsIdempotent(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)

	_, err = m.Invalidate(ctx, s.ID)
	require.NoError(t, err)

	existed, err := m.Invalidate(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestInvalidateBatch(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := m.Create(ctx, "user-1", time.Hour, Data{})
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	ids = append(ids, "nonexistent")

	result := m.InvalidateBatch(ctx, ids)
	assert.Equal(t, 3, result.Deleted)
	assert.Equal(t, []string{"nonexistent"}, result.Failed)

	for _, id := range ids[:3] {
		_, ok := m.Get(ctx, id)
		assert.False(t, ok)
	}
}

func TestListUserSessions(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s1, err := m.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)
	s2, err := m.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)
	_, err = m.Create(ctx, "user-2", time.Hour, Data{})
	require.NoError(t, err)

	sessions, err := m.ListUserSessions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	ids := []string{sessions[0].ID, sessions[1].ID}
	assert.Contains(t, ids, s1.ID)
	assert.Contains(t, ids, s2.ID)
}

func TestListUserSessions_ExcludesExpired(t *testing.T) {
	clock := idgen.NewFixedClock(time.Now())
	m := NewManager(db.NewMemoryStore(), idgen.SystemIDSource{}, WithClock(clock))
	ctx := context.Background()

	_, err := m.Create(ctx, "user-1", time.Minute, Data{})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	sessions, err := m.ListUserSessions(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreate_ClampsTTLToMax(t *testing.T) {
	m := NewManager(db.NewMemoryStore(), idgen.SystemIDSource{}, WithMaxTTL(time.Minute))
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)
	assert.LessOrEqual(t, s.ExpiresAt.Sub(s.CreatedAt), time.Minute)
}

func TestSweepExpired_EvictsOnlyExpiredSessions(t *testing.T) {
	clock := idgen.NewFixedClock(time.Now())
	m := NewManager(db.NewMemoryStore(), idgen.SystemIDSource{}, WithClock(clock))
	ctx := context.Background()

	expiring, err := m.Create(ctx, "user-1", time.Minute, Data{})
	require.NoError(t, err)
	alive, err := m.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	swept, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, ok := m.hot.get(expiring.ID)
	assert.False(t, ok)
	_, ok = m.hot.get(alive.ID)
	assert.True(t, ok)
}

func TestListUserSessions_IncludesColdOnlyEntries(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)
	m.hot.delete(s.ID) // simulate a cold-only entry

	sessions, err := m.ListUserSessions(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, s.ID, sessions[0].ID)
}
