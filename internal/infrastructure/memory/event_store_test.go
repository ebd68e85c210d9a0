package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

func newEvent(t *testing.T, workspaceID uuid.UUID, at time.Time) *activity.Event {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return &activity.Event{
		ID:          id,
		WorkspaceID: &workspaceID,
		EventType:   activity.EventCreated,
		Category:    activity.CategoryUserAction,
		Severity:    activity.SeverityInfo,
		EntityType:  activity.EntityTask,
		EntityID:    uuid.New(),
		Source:      activity.SourceWeb,
		CreatedAt:   at,
	}
}

func TestEventStore_QueryOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	ws := uuid.New()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		e := newEvent(t, ws, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Append(ctx, e))
		ids = append(ids, e.ID)
	}

	page, err := store.Query(ctx, activity.EventQuery{WorkspaceID: &ws, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)
}

func TestEventStore_SameTimestampOrdersByID(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	ws := uuid.New()
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	a := newEvent(t, ws, ts)
	a.ID = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := newEvent(t, ws, ts)
	b.ID = uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	require.NoError(t, store.Append(ctx, a))
	require.NoError(t, store.Append(ctx, b))

	all, err := store.Query(ctx, activity.EventQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)
}

func TestEventStore_AppendBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	ws := uuid.New()
	now := time.Now().UTC()

	first := newEvent(t, ws, now)
	require.NoError(t, store.Append(ctx, first))

	err := store.AppendBatch(ctx, []*activity.Event{newEvent(t, ws, now), first})
	assert.ErrorIs(t, err, activity.ErrDuplicateEvent)
	assert.Equal(t, 1, store.Len())
}

func TestEventStore_RedactHidesFromReads(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	ws := uuid.New()
	now := time.Now().UTC()

	e := newEvent(t, ws, now)
	require.NoError(t, store.Append(ctx, e))
	require.NoError(t, store.Redact(ctx, e.ID))

	visible, err := store.Range(ctx, activity.WorkspaceScope(ws), now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, visible)

	audit, err := store.Query(ctx, activity.EventQuery{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.True(t, audit[0].IsDeleted)
	assert.True(t, audit[0].CreatedAt.Equal(now), "redaction leaves created_at untouched")
	assert.NotNil(t, audit[0].UpdatedAt)
}

func TestEventStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	e := newEvent(t, uuid.New(), time.Now().UTC())
	require.NoError(t, store.Append(ctx, e))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	got.CreatedAt = time.Time{}
	got.Description = "tampered"

	again, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.CreatedAt, again.CreatedAt)
	assert.Empty(t, again.Description)
}

func TestEventStore_FailWrites(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore()
	boom := errors.New("disk full")

	store.FailWrites(boom)
	assert.ErrorIs(t, store.Append(ctx, newEvent(t, uuid.New(), time.Now())), boom)

	store.FailWrites(nil)
	assert.NoError(t, store.Append(ctx, newEvent(t, uuid.New(), time.Now())))
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory()
	ws := uuid.New()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	dir.AddWorkspace(ws, "Design")
	dir.AddMember(ws, alice)
	membership := dir.AddMember(ws, bob)

	task := uuid.New()
	dir.AddTask(task, ws)

	owner, err := dir.TaskWorkspace(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, ws, owner)

	dir.DeleteTask(task)
	_, err = dir.TaskWorkspace(ctx, task)
	assert.ErrorIs(t, err, activity.ErrEntityNotFound)

	owner, err = dir.MembershipWorkspace(ctx, membership)
	require.NoError(t, err)
	assert.Equal(t, ws, owner)

	shared, err := dir.ShareWorkspace(ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, shared)

	shared, err = dir.ShareWorkspace(ctx, alice, carol)
	require.NoError(t, err)
	assert.False(t, shared)

	dir.DeactivateMember(ws, bob)
	active, err := dir.IsActiveMember(ctx, ws, bob)
	require.NoError(t, err)
	assert.False(t, active)
}
