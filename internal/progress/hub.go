// Package progress pushes campaign progress snapshots to websocket
// subscribers.
package progress

import (
	"context"
	"net/http"
	"sync"
	"time"

	"whatsauto/internal/constants"
	"whatsauto/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

// Hub fans progress out per campaign. A slow subscriber loses its oldest
// pending snapshot, never the newest, and never blocks a publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan models.CampaignProgress]struct{}
	buffer int
	logger *logrus.Logger
}

func NewHub(buffer int, logger *logrus.Logger) *Hub {
	if buffer <= 0 {
		buffer = constants.DefaultProgressBufferSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		subs:   make(map[string]map[chan models.CampaignProgress]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

func (h *Hub) Publish(p models.CampaignProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[p.CampaignID] {
		select {
		case ch <- p:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p:
		default:
		}
	}
}

// Subscribe returns a channel of snapshots for campaignID and the func that
// ends the subscription and closes the channel.
func (h *Hub) Subscribe(campaignID string) (<-chan models.CampaignProgress, func()) {
	ch := make(chan models.CampaignProgress, h.buffer)

	h.mu.Lock()
	if h.subs[campaignID] == nil {
		h.subs[campaignID] = make(map[chan models.CampaignProgress]struct{})
	}
	h.subs[campaignID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[campaignID], ch)
			if len(h.subs[campaignID]) == 0 {
				delete(h.subs, campaignID)
			}
			close(ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Subscribers(campaignID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[campaignID])
}

// ServeWS upgrades the request and streams snapshots for campaignID until the
// campaign reaches a terminal state or the client goes away. snapshot is
// read after subscribing so that no update is missed in between.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, campaignID string,
	snapshot func(ctx context.Context) (models.CampaignProgress, error)) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("campaign_id", campaignID).Warn("Websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	updates, unsubscribe := h.Subscribe(campaignID)
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())

	current, err := snapshot(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "failed to load campaign")
		return
	}
	if !h.write(ctx, conn, current) {
		return
	}

	for !current.Status.IsTerminal() {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-updates:
			if !ok {
				return
			}
			current = p
			if !h.write(ctx, conn, current) {
				return
			}
		}
	}
	conn.Close(websocket.StatusNormalClosure, "campaign finished")
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, p models.CampaignProgress) bool {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, p); err != nil {
		h.logger.WithError(err).WithField("campaign_id", p.CampaignID).Debug("Progress subscriber went away")
		return false
	}
	return true
}
