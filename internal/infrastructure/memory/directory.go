package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

type workspaceRecord struct {
	name    string
	deleted bool
	// userID -> active
	members map[uuid.UUID]bool
}

type ownedRecord struct {
	workspaceID uuid.UUID
	deleted     bool
}

// Directory is an in-memory membership and name directory. It stands in
// for the workspace/section/task side of the system.
type Directory struct {
	mu          sync.RWMutex
	workspaces  map[uuid.UUID]*workspaceRecord
	tasks       map[uuid.UUID]ownedRecord
	sections    map[uuid.UUID]ownedRecord
	memberships map[uuid.UUID]ownedRecord
	users       map[uuid.UUID]string
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		workspaces:  make(map[uuid.UUID]*workspaceRecord),
		tasks:       make(map[uuid.UUID]ownedRecord),
		sections:    make(map[uuid.UUID]ownedRecord),
		memberships: make(map[uuid.UUID]ownedRecord),
		users:       make(map[uuid.UUID]string),
	}
}

// AddUser registers a user display name
func (d *Directory) AddUser(id uuid.UUID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = name
}

// AddWorkspace registers a workspace
func (d *Directory) AddWorkspace(id uuid.UUID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workspaces[id] = &workspaceRecord{name: name, members: make(map[uuid.UUID]bool)}
}

// AddMember registers an active membership and returns its id
func (d *Directory) AddMember(workspaceID, userID uuid.UUID) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()

	ws, ok := d.workspaces[workspaceID]
	if !ok {
		ws = &workspaceRecord{members: make(map[uuid.UUID]bool)}
		d.workspaces[workspaceID] = ws
	}
	ws.members[userID] = true

	membershipID := uuid.New()
	d.memberships[membershipID] = ownedRecord{workspaceID: workspaceID}
	return membershipID
}

// DeactivateMember keeps the membership row but marks it inactive
func (d *Directory) DeactivateMember(workspaceID, userID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ws, ok := d.workspaces[workspaceID]; ok {
		if _, member := ws.members[userID]; member {
			ws.members[userID] = false
		}
	}
}

// AddTask registers a task owned by a workspace
func (d *Directory) AddTask(taskID, workspaceID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[taskID] = ownedRecord{workspaceID: workspaceID}
}

// DeleteTask soft-deletes a task
func (d *Directory) DeleteTask(taskID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.tasks[taskID]; ok {
		rec.deleted = true
		d.tasks[taskID] = rec
	}
}

// AddSection registers a section owned by a workspace
func (d *Directory) AddSection(sectionID, workspaceID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sections[sectionID] = ownedRecord{workspaceID: workspaceID}
}

func (d *Directory) IsActiveMember(_ context.Context, workspaceID, userID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ws, ok := d.workspaces[workspaceID]
	if !ok || ws.deleted {
		return false, nil
	}
	return ws.members[userID], nil
}

func (d *Directory) WorkspaceExists(_ context.Context, workspaceID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ws, ok := d.workspaces[workspaceID]
	return ok && !ws.deleted, nil
}

func (d *Directory) TaskWorkspace(_ context.Context, taskID uuid.UUID) (uuid.UUID, error) {
	return d.owner(d.tasks, taskID)
}

func (d *Directory) SectionWorkspace(_ context.Context, sectionID uuid.UUID) (uuid.UUID, error) {
	return d.owner(d.sections, sectionID)
}

func (d *Directory) MembershipWorkspace(_ context.Context, membershipID uuid.UUID) (uuid.UUID, error) {
	return d.owner(d.memberships, membershipID)
}

func (d *Directory) owner(records map[uuid.UUID]ownedRecord, id uuid.UUID) (uuid.UUID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := records[id]
	if !ok || rec.deleted {
		return uuid.Nil, activity.ErrEntityNotFound
	}
	return rec.workspaceID, nil
}

func (d *Directory) ShareWorkspace(_ context.Context, userA, userB uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, ws := range d.workspaces {
		if ws.deleted {
			continue
		}
		if ws.members[userA] && ws.members[userB] {
			return true, nil
		}
	}
	return false, nil
}

func (d *Directory) UserWorkspaces(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]uuid.UUID, 0)
	for id, ws := range d.workspaces {
		if !ws.deleted && ws.members[userID] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (d *Directory) UserNames(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if name, ok := d.users[id]; ok {
			names[id] = name
		}
	}
	return names, nil
}

func (d *Directory) WorkspaceNames(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if ws, ok := d.workspaces[id]; ok && ws.name != "" {
			names[id] = ws.name
		}
	}
	return names, nil
}

var (
	_ activity.MembershipDirectory = (*Directory)(nil)
	_ activity.NameDirectory       = (*Directory)(nil)
	_ activity.EventRepository     = (*EventStore)(nil)
	_ activity.SummaryRepository   = (*SummaryStore)(nil)
)
