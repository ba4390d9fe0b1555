package progress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"whatsauto/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func snapshot(id string, status models.CampaignStatus, sent int) models.CampaignProgress {
	return models.CampaignProgress{CampaignID: id, Status: status, TotalContacts: 3, SentCount: sent}
}

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub(4, quietLogger())
	updates, cancel := hub.Subscribe("c1")
	other, cancelOther := hub.Subscribe("c2")
	defer cancelOther()

	hub.Publish(snapshot("c1", models.CampaignRunning, 1))

	select {
	case p := <-updates:
		assert.Equal(t, 1, p.SentCount)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
	assert.Len(t, other, 0)

	assert.Equal(t, 1, hub.Subscribers("c1"))
	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers("c1"))
	_, open := <-updates
	assert.False(t, open)
}

func TestHub_SlowSubscriberKeepsNewest(t *testing.T) {
	hub := NewHub(2, quietLogger())
	updates, cancel := hub.Subscribe("c1")
	defer cancel()

	for sent := 1; sent <= 5; sent++ {
		hub.Publish(snapshot("c1", models.CampaignRunning, sent))
	}

	require.Len(t, updates, 2)
	assert.Equal(t, 4, (<-updates).SentCount)
	assert.Equal(t, 5, (<-updates).SentCount)
}

func TestHub_ServeWS(t *testing.T) {
	hub := NewHub(8, quietLogger())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "c1", func(ctx context.Context) (models.CampaignProgress, error) {
			return snapshot("c1", models.CampaignRunning, 0), nil
		})
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var first models.CampaignProgress
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, models.CampaignRunning, first.Status)

	require.Eventually(t, func() bool { return hub.Subscribers("c1") == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(snapshot("c1", models.CampaignRunning, 2))
	hub.Publish(snapshot("c1", models.CampaignCompleted, 3))

	var next models.CampaignProgress
	require.NoError(t, wsjson.Read(ctx, conn, &next))
	assert.Equal(t, 2, next.SentCount)
	require.NoError(t, wsjson.Read(ctx, conn, &next))
	assert.Equal(t, models.CampaignCompleted, next.Status)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
