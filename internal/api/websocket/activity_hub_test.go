package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/metrics"
)

func streamEvent(workspaceID uuid.UUID, category activity.Category) *activity.Event {
	return &activity.Event{
		ID:          uuid.New(),
		WorkspaceID: &workspaceID,
		EventType:   activity.EventCreated,
		Category:    category,
		Severity:    activity.SeverityInfo,
		EntityType:  activity.EntityTask,
		EntityID:    uuid.New(),
		CreatedAt:   time.Now().UTC(),
	}
}

func TestSubscription_Allows(t *testing.T) {
	mine := uuid.New()
	other := uuid.New()
	sub := Subscription{
		UserID:     uuid.New(),
		Visibility: activity.Visibility{WorkspaceIDs: []uuid.UUID{mine}},
		Categories: []activity.Category{activity.CategoryUserAction},
	}
	sub.Visibility.UserID = sub.UserID

	assert.True(t, sub.Allows(streamEvent(mine, activity.CategoryUserAction)))
	assert.False(t, sub.Allows(streamEvent(other, activity.CategoryUserAction)))
	assert.False(t, sub.Allows(streamEvent(mine, activity.CategorySecurity)))

	redacted := streamEvent(mine, activity.CategoryUserAction)
	redacted.IsDeleted = true
	assert.False(t, sub.Allows(redacted))
}

func TestHub_StreamsVisibleEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	registry := metrics.NewRegistry(reg)
	hub := NewHub(DefaultHubConfig(), zaptest.NewLogger(t), registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	workspace := uuid.New()
	userID := uuid.New()
	sub := Subscription{
		UserID:     userID,
		Visibility: activity.Visibility{UserID: userID, WorkspaceIDs: []uuid.UUID{workspace}},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, hub.Serve(w, r, sub))
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var welcome StreamMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, MessageConnected, welcome.Type)
	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.StreamClients))

	hidden := streamEvent(uuid.New(), activity.CategoryUserAction)
	visible := streamEvent(workspace, activity.CategoryUserAction)
	hub.Publish(hidden)
	hub.Publish(visible)

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, visible.ID, msg.Event.ID)

	cancel()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(registry.StreamClients))
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(HubConfig{BroadcastBufferSize: 1}, zaptest.NewLogger(t), nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish(streamEvent(uuid.New(), activity.CategorySystem))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked without a running hub")
	}
}
