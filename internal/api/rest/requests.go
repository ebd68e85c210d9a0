package rest

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	domainErrors "github.com/davidleathers/workspace-activity/internal/domain/errors"
	activitysvc "github.com/davidleathers/workspace-activity/internal/service/activity"
)

// feedQuery holds the raw parameters of GET /v1/activity
type feedQuery struct {
	WorkspaceID string   `validate:"omitempty,uuid"`
	UserID      string   `validate:"omitempty,uuid"`
	Categories  []string `validate:"dive,oneof=user_action system security integration automation error"`
	Limit       int
	Offset      int
}

// timelineQuery holds the raw parameters of the timeline endpoints
type timelineQuery struct {
	EntityType string `validate:"required"`
	EntityID   string `validate:"required,uuid"`
	Limit      int
}

// exportQuery holds the raw parameters of GET /v1/activity/export
type exportQuery struct {
	Format      string   `validate:"omitempty,oneof=csv json"`
	WorkspaceID string   `validate:"omitempty,uuid"`
	Search      string   `validate:"max=200"`
	EventTypes  []string
	Severities  []string
	EntityTypes []string
	UserIDs     []string `validate:"dive,uuid"`
	DateRange   string   `validate:"omitempty,oneof=all today week month quarter custom"`
	From        string   `validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	To          string   `validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	SortBy      string   `validate:"omitempty,oneof=created_at event_type entity_type actor_name severity"`
	SortDir     string   `validate:"omitempty,oneof=asc desc"`
	Audit       bool
}

// scopeQuery holds the workspace of the stats endpoints
type scopeQuery struct {
	WorkspaceID string `validate:"required,uuid"`
}

// summariesQuery holds the raw parameters of GET /v1/activity/summaries
type summariesQuery struct {
	WorkspaceID string `validate:"required,uuid"`
	Period      string `validate:"required,oneof=hour day week month"`
	From        string `validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	To          string `validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
}

func parseFeedQuery(q url.Values) (feedQuery, error) {
	limit, err := queryInt(q, "limit")
	if err != nil {
		return feedQuery{}, err
	}
	offset, err := queryInt(q, "offset")
	if err != nil {
		return feedQuery{}, err
	}
	return feedQuery{
		WorkspaceID: q.Get("workspaceId"),
		UserID:      q.Get("userId"),
		Categories:  queryList(q, "categories"),
		Limit:       limit,
		Offset:      offset,
	}, nil
}

func (p feedQuery) request(requesterID uuid.UUID) activitysvc.FeedRequest {
	req := activitysvc.FeedRequest{
		RequesterID: requesterID,
		WorkspaceID: optionalUUID(p.WorkspaceID),
		UserID:      optionalUUID(p.UserID),
		Limit:       p.Limit,
		Offset:      p.Offset,
	}
	for _, c := range p.Categories {
		req.Categories = append(req.Categories, activity.Category(c))
	}
	return req
}

func parseExportQuery(q url.Values) (exportQuery, error) {
	audit := false
	if raw := q.Get("audit"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return exportQuery{}, invalidParameter("audit")
		}
		audit = v
	}

	return exportQuery{
		Format:      q.Get("format"),
		WorkspaceID: q.Get("workspaceId"),
		Search:      q.Get("search"),
		EventTypes:  queryList(q, "eventTypes"),
		Severities:  queryList(q, "severities"),
		EntityTypes: queryList(q, "entityTypes"),
		UserIDs:     queryList(q, "userIds"),
		DateRange:   q.Get("dateRange"),
		From:        q.Get("from"),
		To:          q.Get("to"),
		SortBy:      q.Get("sortBy"),
		SortDir:     q.Get("sortDir"),
		Audit:       audit,
	}, nil
}

func (p exportQuery) request(requesterID uuid.UUID) activitysvc.ExportRequest {
	filter := activitysvc.Filter{
		Search:    p.Search,
		DateRange: activitysvc.DatePreset(p.DateRange),
		From:      optionalTime(p.From),
		To:        optionalTime(p.To),
	}
	for _, v := range p.EventTypes {
		filter.EventTypes = append(filter.EventTypes, activity.EventType(v))
	}
	for _, v := range p.Severities {
		filter.Severities = append(filter.Severities, activity.Severity(v))
	}
	for _, v := range p.EntityTypes {
		filter.EntityTypes = append(filter.EntityTypes, activity.EntityType(v))
	}
	for _, v := range p.UserIDs {
		if id := optionalUUID(v); id != nil {
			filter.UserIDs = append(filter.UserIDs, *id)
		}
	}
	if filter.DateRange == "" {
		filter.DateRange = activitysvc.DateAll
	}

	return activitysvc.ExportRequest{
		SearchRequest: activitysvc.SearchRequest{
			RequesterID: requesterID,
			WorkspaceID: optionalUUID(p.WorkspaceID),
			Filter:      filter,
			Sort: activitysvc.SortOptions{
				Key:       activitysvc.SortKey(p.SortBy),
				Direction: activitysvc.SortDirection(p.SortDir),
			},
			Audit: p.Audit,
		},
		Format: activitysvc.ExportFormat(p.Format),
	}
}

// queryInt reads an optional integer; absent means 0
func queryInt(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidParameter(key)
	}
	return v, nil
}

// queryList accepts both repeated keys and comma-separated values
func queryList(q url.Values, key string) []string {
	var out []string
	for _, raw := range q[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func optionalUUID(raw string) *uuid.UUID {
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func optionalTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func invalidParameter(name string) error {
	return domainErrors.NewValidationError("INVALID_PARAMETER", "request parameters are invalid").
		WithDetails(map[string]interface{}{name: "invalid"})
}
