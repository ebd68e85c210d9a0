package activity

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/domain/errors"
	"github.com/davidleathers/workspace-activity/internal/infrastructure/memory"
	"github.com/davidleathers/workspace-activity/internal/service/access"
)

type queryFixture struct {
	store     *memory.EventStore
	dir       *memory.Directory
	ingester  *Ingester
	service   *QueryService
	workspace uuid.UUID
	member    uuid.UUID
	outsider  uuid.UUID
	task      uuid.UUID
}

func newQueryFixture(t *testing.T) *queryFixture {
	t.Helper()

	f := &queryFixture{
		store:     memory.NewEventStore(),
		dir:       memory.NewDirectory(),
		workspace: uuid.New(),
		member:    uuid.New(),
		outsider:  uuid.New(),
		task:      uuid.New(),
	}

	f.dir.AddWorkspace(f.workspace, "Launch Plan")
	f.dir.AddUser(f.member, "Ada Lovelace")
	f.dir.AddUser(f.outsider, "Grace Hopper")
	f.dir.AddMember(f.workspace, f.member)
	f.dir.AddTask(f.task, f.workspace)

	logger := zaptest.NewLogger(t)
	ingester, err := NewIngester(DefaultIngesterConfig(), f.store, logger, nil, nil)
	require.NoError(t, err)
	f.ingester = ingester

	verifier := access.NewDefaultVerifier(f.dir, logger, nil)
	f.service = NewQueryService(f.store, verifier, f.dir, f.dir, time.UTC, logger)
	return f
}

// logAt ingests a draft with created_at pinned to at
func (f *queryFixture) logAt(t *testing.T, at time.Time, draft *activity.Event) uuid.UUID {
	t.Helper()
	f.ingester.now = func() time.Time { return at }
	id, err := f.ingester.Log(context.Background(), draft)
	require.NoError(t, err)
	return id
}

func (f *queryFixture) draft(t *testing.T, eventType activity.EventType, category activity.Category) *activity.Event {
	t.Helper()
	e, err := activity.NewEventBuilder(eventType).
		WithWorkspace(f.workspace).
		WithActor(f.member).
		WithEntity(activity.EntityTask, f.task).
		WithCategory(category).
		Build()
	require.NoError(t, err)
	return e
}

func TestGetRecentActivity_CategoryFilterOrder(t *testing.T) {
	f := newQueryFixture(t)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	first := f.logAt(t, day.Add(9*time.Hour), f.draft(t, activity.EventCreated, activity.CategoryUserAction))
	second := f.logAt(t, day.Add(9*time.Hour+30*time.Minute), f.draft(t, activity.EventUpdated, activity.CategoryUserAction))
	f.logAt(t, day.Add(14*time.Hour), f.draft(t, activity.EventLogin, activity.CategorySecurity))

	page, err := f.service.GetRecentActivity(context.Background(), FeedRequest{
		RequesterID: f.member,
		Categories:  []activity.Category{activity.CategoryUserAction},
	})
	require.NoError(t, err)

	require.Len(t, page.Data, 2)
	assert.Equal(t, second, page.Data[0].ID)
	assert.Equal(t, first, page.Data[1].ID)
	assert.Equal(t, DefaultFeedLimit, page.Pagination.Limit)
	assert.False(t, page.Pagination.HasMore)
}

func TestGetRecentActivity_CategoryPartitionsCoverFeed(t *testing.T) {
	f := newQueryFixture(t)
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	categories := activity.Categories()

	for n := 0; n < 24; n++ {
		c := categories[n%len(categories)]
		f.logAt(t, base.Add(time.Duration(n)*time.Minute), f.draft(t, activity.EventCreated, c))
	}

	all, err := f.service.GetRecentActivity(context.Background(), FeedRequest{RequesterID: f.member, Limit: MaxFeedLimit})
	require.NoError(t, err)

	seen := make(map[uuid.UUID]int)
	for _, c := range categories {
		page, err := f.service.GetRecentActivity(context.Background(), FeedRequest{
			RequesterID: f.member,
			Categories:  []activity.Category{c},
			Limit:       MaxFeedLimit,
		})
		require.NoError(t, err)
		for _, e := range page.Data {
			seen[e.ID]++
		}
	}

	require.Len(t, seen, len(all.Data))
	for _, e := range all.Data {
		assert.Equal(t, 1, seen[e.ID], "event %s", e.ID)
	}
}

func TestGetRecentActivity_Paging(t *testing.T) {
	f := newQueryFixture(t)
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for n := 0; n < 5; n++ {
		f.logAt(t, base.Add(time.Duration(n)*time.Minute), f.draft(t, activity.EventUpdated, activity.CategoryUserAction))
	}
	ctx := context.Background()

	page, err := f.service.GetRecentActivity(ctx, FeedRequest{RequesterID: f.member, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page.Data, 2)
	assert.True(t, page.Pagination.HasMore)

	page, err = f.service.GetRecentActivity(ctx, FeedRequest{RequesterID: f.member, Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page.Data, 1)
	assert.False(t, page.Pagination.HasMore)

	page, err = f.service.GetRecentActivity(ctx, FeedRequest{RequesterID: f.member, Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, MaxFeedLimit, page.Pagination.Limit)

	_, err = f.service.GetRecentActivity(ctx, FeedRequest{RequesterID: f.member, Offset: -1})
	assert.Equal(t, 400, errors.GetStatusCode(err))
}

func TestGetRecentActivity_Authorization(t *testing.T) {
	f := newQueryFixture(t)
	f.logAt(t, time.Now().UTC(), f.draft(t, activity.EventCreated, activity.CategoryUserAction))
	ctx := context.Background()

	_, err := f.service.GetRecentActivity(ctx, FeedRequest{})
	assert.Equal(t, 401, errors.GetStatusCode(err))

	_, err = f.service.GetRecentActivity(ctx, FeedRequest{RequesterID: f.outsider, WorkspaceID: &f.workspace})
	assert.Equal(t, 404, errors.GetStatusCode(err))

	page, err := f.service.GetRecentActivity(ctx, FeedRequest{RequesterID: f.outsider})
	require.NoError(t, err)
	assert.Empty(t, page.Data, "outsider sees nothing of a foreign workspace")
}

func TestGetEntityActivityTimeline_CorrelatedEvents(t *testing.T) {
	f := newQueryFixture(t)
	ctx, correlationID := StartOperation(context.Background())
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	change := EntityChange{
		WorkspaceID: f.workspace,
		ActorID:     f.member,
		EntityType:  activity.EntityTask,
		EntityID:    f.task,
		NewValues:   map[string]interface{}{"title": "Ship it"},
	}

	f.ingester.now = func() time.Time { return base }
	created, err := f.ingester.LogEntityCreated(ctx, change)
	require.NoError(t, err)

	f.ingester.now = func() time.Time { return base.Add(time.Second) }
	assigned, err := f.ingester.LogAssignment(ctx, change, uuid.Nil, f.member)
	require.NoError(t, err)

	timeline, err := f.service.GetEntityActivityTimeline(context.Background(), f.member, "task", f.task, 0)
	require.NoError(t, err)

	require.Equal(t, 2, timeline.Total)
	assert.Equal(t, assigned, timeline.Data[0].ID)
	assert.Equal(t, created, timeline.Data[1].ID)
	for _, e := range timeline.Data {
		assert.Equal(t, correlationID, e.CorrelationID)
	}
}

func TestGetEntityActivityTimeline_AccessDeniedLeaksNothing(t *testing.T) {
	f := newQueryFixture(t)
	f.logAt(t, time.Now().UTC(), f.draft(t, activity.EventCreated, activity.CategoryUserAction))

	timeline, err := f.service.GetEntityActivityTimeline(context.Background(), f.outsider, "task", f.task, 10)
	require.Error(t, err)
	assert.Nil(t, timeline)
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))
}

func TestGetEntityActivityTimeline_Validation(t *testing.T) {
	f := newQueryFixture(t)
	ctx := context.Background()

	_, err := f.service.GetEntityActivityTimeline(ctx, f.member, "project", uuid.New(), 0)
	assert.Equal(t, 400, errors.GetStatusCode(err))

	_, err = f.service.GetEntityActivityTimeline(ctx, f.member, "task", uuid.New(), 0)
	assert.Equal(t, 404, errors.GetStatusCode(err))

	_, err = f.service.GetEntityActivityTimeline(ctx, uuid.Nil, "task", f.task, 0)
	assert.Equal(t, 401, errors.GetStatusCode(err))
}

func TestGetEntityActivityTimeline_HidesRedacted(t *testing.T) {
	f := newQueryFixture(t)
	id := f.logAt(t, time.Now().UTC(), f.draft(t, activity.EventCreated, activity.CategoryUserAction))
	require.NoError(t, f.store.Redact(context.Background(), id))

	timeline, err := f.service.GetEntityActivityTimeline(context.Background(), f.member, "task", f.task, 0)
	require.NoError(t, err)
	assert.Zero(t, timeline.Total)
	assert.NotNil(t, timeline.Data)
}

func TestSearch_FreeTextAndStructuredFilters(t *testing.T) {
	f := newQueryFixture(t)
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	f.service.now = func() time.Time { return now }

	withDescription := func(e *activity.Event, d string) *activity.Event {
		e.Description = d
		return e
	}

	renamed := f.logAt(t, now.Add(-time.Hour), withDescription(f.draft(t, activity.EventUpdated, activity.CategoryUserAction), "Renamed the Budget task"))
	f.logAt(t, now.Add(-40*24*time.Hour), withDescription(f.draft(t, activity.EventUpdated, activity.CategoryUserAction), "Old budget note"))
	failed := f.logAt(t, now.Add(-2*time.Hour), f.draft(t, activity.EventLoginFailed, activity.CategorySecurity))

	search := func(filter Filter) []uuid.UUID {
		events, _, err := f.service.Search(context.Background(), SearchRequest{RequesterID: f.member, Filter: filter})
		require.NoError(t, err)
		ids := make([]uuid.UUID, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		return ids
	}

	assert.Equal(t, []uuid.UUID{renamed}, search(Filter{Search: "BUDGET", DateRange: DateMonth}))
	assert.Len(t, search(Filter{Search: "ada lovelace"}), 3, "actor name is searchable")
	assert.Len(t, search(Filter{Search: "launch plan"}), 3, "workspace name is searchable")
	assert.Equal(t, []uuid.UUID{failed}, search(Filter{Search: "login_failed"}))
	assert.Equal(t, []uuid.UUID{failed}, search(Filter{Severities: []activity.Severity{activity.SeverityWarning}}))
	assert.Empty(t, search(Filter{Severities: []activity.Severity{activity.SeverityWarning}, Search: "budget"}))
	assert.Len(t, search(Filter{DateRange: DateToday}), 2)
	assert.Len(t, search(Filter{UserIDs: []uuid.UUID{f.outsider}}), 0)

	_, _, err := f.service.Search(context.Background(), SearchRequest{
		RequesterID: f.member,
		Filter:      Filter{DateRange: DatePreset("decade")},
	})
	assert.Equal(t, 400, errors.GetStatusCode(err))
}

func TestSortEvents(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id int, sev activity.Severity, et activity.EventType, minutes int) *activity.Event {
		return &activity.Event{
			ID:        uuid.MustParse("00000000-0000-0000-0000-00000000000" + string(rune('0'+id))),
			Severity:  sev,
			EventType: et,
			CreatedAt: ts.Add(time.Duration(minutes) * time.Minute),
		}
	}

	a := mk(1, activity.SeverityInfo, activity.EventUpdated, 1)
	b := mk(2, activity.SeverityCritical, activity.EventSuspiciousActivity, 2)
	c := mk(3, activity.SeverityInfo, activity.EventCreated, 3)
	d := mk(4, activity.SeverityDebug, activity.EventAPICall, 4)

	events := []*activity.Event{a, b, c, d}
	SortEvents(events, SortOptions{Key: SortSeverity, Direction: SortDesc}, Names{})
	assert.Equal(t, []*activity.Event{b, a, c, d}, events, "equal ranks keep input order")

	SortEvents(events, SortOptions{}, Names{})
	assert.Equal(t, []*activity.Event{d, c, b, a}, events)

	SortEvents(events, SortOptions{Key: SortEventType, Direction: SortAsc}, Names{})
	assert.Equal(t, activity.EventAPICall, events[0].EventType)

	assert.Error(t, SortOptions{Key: "priority"}.Validate())
}

func TestGroupByDay(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	// Thursday 2026-03-19 10:00 in Los Angeles
	now := time.Date(2026, 3, 19, 10, 0, 0, 0, loc)
	at := func(y int, m time.Month, d, h int) *activity.Event {
		return &activity.Event{ID: uuid.New(), CreatedAt: time.Date(y, m, d, h, 0, 0, 0, loc).UTC()}
	}

	today := at(2026, 3, 19, 1)
	// 23:00 on the 18th in LA is already the 19th in UTC
	yesterday := at(2026, 3, 18, 23)
	thisWeek := at(2026, 3, 16, 8)
	thisMonth := at(2026, 3, 2, 8)
	older := at(2026, 2, 27, 8)

	groups := GroupByDay([]*activity.Event{today, yesterday, thisWeek, thisMonth, older}, now, loc)
	require.Len(t, groups, 5)

	labels := make([]string, 0, len(groups))
	for _, g := range groups {
		require.Len(t, g.Events, 1)
		labels = append(labels, g.Label)
	}
	assert.Equal(t, []string{GroupToday, GroupYesterday, GroupThisWeek, GroupThisMonth, GroupOlder}, labels)
	assert.Equal(t, yesterday, groups[1].Events[0])
}

func TestExport_CSVRoundTrip(t *testing.T) {
	f := newQueryFixture(t)
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	quoted := f.draft(t, activity.EventUpdated, activity.CategoryUserAction)
	quoted.Description = `Renamed "Q1" plan, then moved it`
	f.logAt(t, base, quoted)
	f.logAt(t, base.Add(time.Hour), f.draft(t, activity.EventLoginFailed, activity.CategorySecurity))

	var buf bytes.Buffer
	n, err := f.service.Export(context.Background(), ExportRequest{
		SearchRequest: SearchRequest{RequesterID: f.member, Sort: SortOptions{Direction: SortAsc}},
		Format:        ExportCSV,
	}, &buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Contains(t, buf.String(), `"Renamed ""Q1"" plan, then moved it"`)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, []string{"2026-03-02", "09:15:00", "updated", "task", "Ada Lovelace", `Renamed "Q1" plan, then moved it`, "Launch Plan", "info"}, rows[1])
	assert.Equal(t, []string{"login_failed", "task", "Ada Lovelace", "warning"}, []string{rows[2][2], rows[2][3], rows[2][4], rows[2][7]})
}

func TestExport_EmptySetIsHeaderOnly(t *testing.T) {
	f := newQueryFixture(t)

	var buf bytes.Buffer
	n, err := f.service.Export(context.Background(), ExportRequest{
		SearchRequest: SearchRequest{RequesterID: f.member},
		Format:        ExportCSV,
	}, &buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{CSVHeader}, rows)
}

func TestExport_JSONAuditIncludesRedacted(t *testing.T) {
	f := newQueryFixture(t)
	id := f.logAt(t, time.Now().UTC(), f.draft(t, activity.EventCreated, activity.CategoryUserAction))
	require.NoError(t, f.store.Redact(context.Background(), id))

	export := func(audit bool) jsonExport {
		var buf bytes.Buffer
		_, err := f.service.Export(context.Background(), ExportRequest{
			SearchRequest: SearchRequest{RequesterID: f.member, WorkspaceID: &f.workspace, Audit: audit},
			Format:        ExportJSON,
		}, &buf)
		require.NoError(t, err)

		var out jsonExport
		require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
		return out
	}

	assert.Zero(t, export(false).Count)

	audit := export(true)
	require.Equal(t, 1, audit.Count)
	assert.True(t, audit.Events[0].IsDeleted)
	assert.Equal(t, id, audit.Events[0].ID)
}

// seedBulk stores n info events, newest first, one second apart before base
func (f *queryFixture) seedBulk(t *testing.T, base time.Time, n int) {
	t.Helper()
	batch := make([]*activity.Event, 0, n)
	for i := 0; i < n; i++ {
		e := f.draft(t, activity.EventUpdated, activity.CategoryUserAction)
		e.ID = uuid.New()
		e.CreatedAt = base.Add(-time.Duration(i+1) * time.Second)
		batch = append(batch, e)
	}
	require.NoError(t, f.store.AppendBatch(context.Background(), batch))
}

func TestExport_MatchesOlderThanNewestRows(t *testing.T) {
	f := newQueryFixture(t)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	old := f.draft(t, activity.EventSuspiciousActivity, activity.CategorySecurity)
	old.Severity = activity.SeverityCritical
	old.Description = "Token reuse detected"
	oldID := f.logAt(t, base.Add(-24*time.Hour), old)
	f.seedBulk(t, base, MaxExportRows)

	var buf bytes.Buffer
	n, err := f.service.Export(context.Background(), ExportRequest{
		SearchRequest: SearchRequest{
			RequesterID: f.member,
			Filter:      Filter{Severities: []activity.Severity{activity.SeverityCritical}},
		},
		Format: ExportCSV,
	}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, _, err := f.service.Search(context.Background(), SearchRequest{
		RequesterID: f.member,
		Filter:      Filter{Search: "token reuse"},
	})
	require.NoError(t, err)
	require.Len(t, events, 1, "free text is matched across every page")
	assert.Equal(t, oldID, events[0].ID)
}

func TestSearch_TooManyMatchesIsRejected(t *testing.T) {
	f := newQueryFixture(t)
	f.seedBulk(t, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), MaxExportRows+1)

	_, _, err := f.service.Search(context.Background(), SearchRequest{RequesterID: f.member})
	require.Error(t, err)
	assert.Equal(t, 400, errors.GetStatusCode(err))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
