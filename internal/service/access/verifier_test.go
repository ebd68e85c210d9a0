package access

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
	"github.com/davidleathers/workspace-activity/internal/infrastructure/memory"
)

type world struct {
	dir        *memory.Directory
	workspace  uuid.UUID
	other      uuid.UUID
	member     uuid.UUID
	outsider   uuid.UUID
	task       uuid.UUID
	section    uuid.UUID
	membership uuid.UUID
}

func newWorld() world {
	w := world{
		dir:       memory.NewDirectory(),
		workspace: uuid.New(),
		other:     uuid.New(),
		member:    uuid.New(),
		outsider:  uuid.New(),
		task:      uuid.New(),
		section:   uuid.New(),
	}
	w.dir.AddWorkspace(w.workspace, "Product")
	w.dir.AddWorkspace(w.other, "Finance")
	w.membership = w.dir.AddMember(w.workspace, w.member)
	w.dir.AddMember(w.other, w.outsider)
	w.dir.AddTask(w.task, w.workspace)
	w.dir.AddSection(w.section, w.workspace)
	return w
}

func TestVerifier_Decisions(t *testing.T) {
	w := newWorld()
	v := NewDefaultVerifier(w.dir, zaptest.NewLogger(t), nil)
	missing := uuid.New()

	tests := []struct {
		name       string
		requester  uuid.UUID
		entityType activity.EntityType
		entityID   uuid.UUID
		want       Decision
	}{
		{"member reads workspace", w.member, activity.EntityWorkspace, w.workspace, Authorized},
		{"outsider reads workspace", w.outsider, activity.EntityWorkspace, w.workspace, AccessDenied},
		{"missing workspace", w.member, activity.EntityWorkspace, missing, NotFound},
		{"member reads task", w.member, activity.EntityTask, w.task, Authorized},
		{"outsider reads task", w.outsider, activity.EntityTask, w.task, AccessDenied},
		{"missing task", w.member, activity.EntityTask, missing, NotFound},
		{"member reads section", w.member, activity.EntitySection, w.section, Authorized},
		{"outsider reads section", w.outsider, activity.EntitySection, w.section, AccessDenied},
		{"member reads membership", w.member, activity.EntityWorkspaceMember, w.membership, Authorized},
		{"outsider reads membership", w.outsider, activity.EntityWorkspaceMember, w.membership, AccessDenied},
		{"own user timeline", w.outsider, activity.EntityUser, w.outsider, Authorized},
		{"user sharing no workspace", w.outsider, activity.EntityUser, w.member, AccessDenied},
		{"unregistered entity type", w.member, activity.EntityComment, uuid.New(), AccessDenied},
		{"anonymous requester", uuid.Nil, activity.EntityWorkspace, w.workspace, AccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Check(context.Background(), tt.requester, tt.entityType, tt.entityID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifier_SharedWorkspaceGrantsUserTimeline(t *testing.T) {
	w := newWorld()
	w.dir.AddMember(w.workspace, w.outsider)
	v := NewDefaultVerifier(w.dir, nil, nil)

	got, err := v.Check(context.Background(), w.outsider, activity.EntityUser, w.member)
	require.NoError(t, err)
	assert.Equal(t, Authorized, got)
}

func TestVerifier_SoftDeletedTaskIsNotFound(t *testing.T) {
	w := newWorld()
	w.dir.DeleteTask(w.task)
	v := NewDefaultVerifier(w.dir, nil, nil)

	err := v.Authorize(context.Background(), w.member, activity.EntityTask, w.task)
	require.Error(t, err)
	assert.Equal(t, 404, errors.GetStatusCode(err))
}

func TestVerifier_InactiveMemberDenied(t *testing.T) {
	w := newWorld()
	w.dir.DeactivateMember(w.workspace, w.member)
	v := NewDefaultVerifier(w.dir, nil, nil)

	err := v.Authorize(context.Background(), w.member, activity.EntityTask, w.task)
	require.Error(t, err)
	assert.Equal(t, 403, errors.GetStatusCode(err))
}

func TestVerifier_RegistryExtension(t *testing.T) {
	w := newWorld()
	v := NewDefaultVerifier(w.dir, nil, nil)
	comments := map[uuid.UUID]uuid.UUID{uuid.New(): w.task}

	var commentID uuid.UUID
	for id := range comments {
		commentID = id
	}

	v.Register(activity.EntityComment, NewOwnedStrategy(w.dir, func(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
		taskID, ok := comments[id]
		if !ok {
			return uuid.Nil, activity.ErrEntityNotFound
		}
		return w.dir.TaskWorkspace(ctx, taskID)
	}))

	got, err := v.Check(context.Background(), w.member, activity.EntityComment, commentID)
	require.NoError(t, err)
	assert.Equal(t, Authorized, got)

	got, err = v.Check(context.Background(), w.outsider, activity.EntityComment, commentID)
	require.NoError(t, err)
	assert.Equal(t, AccessDenied, got)
}

// MockDirectory is a mock implementation of activity.MembershipDirectory
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) IsActiveMember(ctx context.Context, workspaceID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, workspaceID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDirectory) WorkspaceExists(ctx context.Context, workspaceID uuid.UUID) (bool, error) {
	args := m.Called(ctx, workspaceID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDirectory) TaskWorkspace(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error) {
	args := m.Called(ctx, taskID)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockDirectory) SectionWorkspace(ctx context.Context, sectionID uuid.UUID) (uuid.UUID, error) {
	args := m.Called(ctx, sectionID)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockDirectory) MembershipWorkspace(ctx context.Context, membershipID uuid.UUID) (uuid.UUID, error) {
	args := m.Called(ctx, membershipID)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockDirectory) ShareWorkspace(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	args := m.Called(ctx, userA, userB)
	return args.Bool(0), args.Error(1)
}

func (m *MockDirectory) UserWorkspaces(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func TestVerifier_DirectoryErrorDenies(t *testing.T) {
	dir := new(MockDirectory)
	taskID := uuid.New()
	dir.On("TaskWorkspace", mock.Anything, taskID).Return(uuid.Nil, stderrors.New("db down"))

	v := NewDefaultVerifier(dir, zaptest.NewLogger(t), nil)
	got, err := v.Check(context.Background(), uuid.New(), activity.EntityTask, taskID)

	require.Error(t, err)
	assert.Equal(t, AccessDenied, got)
	assert.Equal(t, 500, errors.GetStatusCode(err))
	dir.AssertExpectations(t)
}
