package registrar

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/did-doc-patch/go-didpatch"
	"github.com/gorilla/websocket"
)

const (
	// streamBacklogLimit is the oldest cursor /export/stream will serve. A
	// client further behind is closed with an OutdatedCursor reason and must
	// catch up via the paginated /export endpoint first.
	streamBacklogLimit = 10000

	// subscriberBuffer is the per-subscriber queue. A subscriber that can't
	// keep up is dropped and has to reconnect.
	subscriberBuffer = 100

	streamWriteTimeout = 10 * time.Second
)

// closeReasonOutdatedCursor is the close message text a streaming client
// receives when its cursor is older than the backlog window.
const closeReasonOutdatedCursor = "OutdatedCursor"

type streamSub struct {
	ch chan didpatch.ExportEntry
}

// streamHub fans committed entries out to connected /export/stream clients.
type streamHub struct {
	mu   sync.Mutex
	subs map[*streamSub]struct{}
}

func newStreamHub() *streamHub {
	return &streamHub{
		subs: make(map[*streamSub]struct{}),
	}
}

func (h *streamHub) subscribe() *streamSub {
	sub := &streamSub{ch: make(chan didpatch.ExportEntry, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *streamHub) unsubscribe(sub *streamSub) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()
}

// broadcast delivers an entry to every subscriber. A subscriber with a full
// queue is dropped rather than blocking the committer.
func (h *streamHub) broadcast(entry didpatch.ExportEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- entry:
		default:
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

func (h *streamHub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

var streamUpgrader = websocket.Upgrader{
	// The stream carries public data, any origin may subscribe
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleExportStream handles GET /export/stream - a websocket feed of
// committed entries, starting after the cursor query parameter
func (s *Server) handleExportStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cursor := int64(0)
	if v := r.URL.Query().Get("cursor"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, "invalid cursor parameter", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	maxSeq, err := s.store.MaxSeq(ctx)
	if err != nil {
		s.logger.Error("failed to read max seq", "error", err)
		return
	}
	if maxSeq-cursor > streamBacklogLimit {
		deadline := time.Now().Add(streamWriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReasonOutdatedCursor)
		conn.WriteControl(websocket.CloseMessage, msg, deadline)
		return
	}

	// Subscribe before draining the backlog so nothing committed in between
	// is missed; duplicates are filtered by seq below.
	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)
	StreamSubscribersGauge.Record(ctx, int64(s.hub.subscriberCount()))

	// Discard client messages, but notice disconnects
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	send := func(entry didpatch.ExportEntry) error {
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteJSON(entry)
	}

	lastSent := cursor
	backlog, err := s.store.GetExportAfter(ctx, cursor, streamBacklogLimit)
	if err != nil {
		s.logger.Error("failed to read stream backlog", "error", err)
		return
	}
	for _, entry := range backlog {
		if err := send(entry); err != nil {
			return
		}
		lastSent = entry.Seq
	}

	s.logger.Info("stream subscriber attached", "cursor", cursor, "backlog", len(backlog))

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-sub.ch:
			if !ok {
				// dropped by the hub for falling behind
				deadline := time.Now().Add(streamWriteTimeout)
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "TooSlow")
				conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
			if entry.Seq <= lastSent {
				continue
			}
			if err := send(entry); err != nil {
				return
			}
			lastSent = entry.Seq
		}
	}
}
