package database

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
)

func TestBuildEventQuery_Defaults(t *testing.T) {
	query, args := buildEventQuery(activity.EventQuery{})

	assert.Contains(t, query, "WHERE NOT is_deleted")
	assert.Contains(t, query, "ORDER BY created_at DESC, id DESC")
	assert.NotContains(t, query, "LIMIT")
	assert.Empty(t, args)
}

func TestBuildEventQuery_AllFilters(t *testing.T) {
	workspaceID := uuid.New()
	userID := uuid.New()
	entityID := uuid.New()
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600))
	to := from.Add(24 * time.Hour)

	query, args := buildEventQuery(activity.EventQuery{
		Visibility:     &activity.Visibility{UserID: userID, WorkspaceIDs: []uuid.UUID{workspaceID}},
		WorkspaceID:    &workspaceID,
		UserID:         &userID,
		Categories:     []activity.Category{activity.CategorySecurity},
		EntityType:     activity.EntityTask,
		EntityID:       &entityID,
		CorrelationID:  "corr-1",
		From:           &from,
		To:             &to,
		IncludeDeleted: true,
		Limit:          20,
		Offset:         40,
	})

	assert.NotContains(t, query, "is_deleted")
	assert.Contains(t, query, "(workspace_id = ANY($1) OR (workspace_id IS NULL AND user_id = $2))")
	assert.Contains(t, query, "workspace_id = $3")
	assert.Contains(t, query, "category = ANY($5)")
	assert.Contains(t, query, "created_at >= $9 AND created_at < $10")
	assert.Contains(t, query, "LIMIT $11 OFFSET $12")
	assert.Len(t, args, 12)

	assert.Equal(t, "task", args[5])
	assert.Equal(t, from.UTC(), args[8])
	assert.Equal(t, 20, args[10])
	assert.Equal(t, 40, args[11])
}

func TestBuildEventQuery_VisibilityWithoutWorkspaces(t *testing.T) {
	_, args := buildEventQuery(activity.EventQuery{
		Visibility: &activity.Visibility{UserID: uuid.New()},
	})
	assert.Equal(t, []uuid.UUID{}, args[0], "an empty membership must still bind an array")
}

func TestMarshalJSON_NilIsNullEmptyIsObject(t *testing.T) {
	data, err := marshalJSON(map[string]interface{}(nil))
	assert.NoError(t, err)
	assert.Nil(t, data)

	data, err = marshalJSON(map[string]activity.FieldChange{})
	assert.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	// an update that changed nothing keeps an empty delta
	var delta map[string]activity.FieldChange
	require.NoError(t, unmarshalJSON(data, &delta))
	assert.NotNil(t, delta)
	assert.Empty(t, delta)

	var absent map[string]activity.FieldChange
	require.NoError(t, unmarshalJSON(nil, &absent))
	assert.Nil(t, absent)

	data, err = marshalJSON(map[string]activity.FieldChange{"title": {Old: "a", New: "b"}})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"title":{"old":"a","new":"b"}}`, string(data))
}

func TestBuildEventQuery_StructuredFilters(t *testing.T) {
	actor := uuid.New()
	query, args := buildEventQuery(activity.EventQuery{
		EventTypes:  []activity.EventType{activity.EventLoginFailed},
		Severities:  []activity.Severity{activity.SeverityCritical, activity.SeverityError},
		EntityTypes: []activity.EntityType{activity.EntityTask},
		UserIDs:     []uuid.UUID{actor},
		Limit:       1000,
		Offset:      2000,
	})

	assert.Contains(t, query, "event_type = ANY($1) AND severity = ANY($2) AND entity_type = ANY($3) AND user_id = ANY($4)")
	assert.Contains(t, query, "LIMIT $5 OFFSET $6")
	require.Len(t, args, 6)
	assert.Equal(t, []uuid.UUID{actor}, args[3])
}
