package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/did-doc-patch/go-didpatch"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Pure function tests ---

func TestBuildStreamURL_HTTPS(t *testing.T) {
	u, err := url.Parse("https://registry.example.com")
	require.NoError(t, err)
	got := buildStreamURL(u, 42)
	assert.Equal(t, "wss://registry.example.com/export/stream?cursor=42", got)
}

func TestBuildStreamURL_HTTP(t *testing.T) {
	u, err := url.Parse("http://localhost:8080")
	require.NoError(t, err)
	got := buildStreamURL(u, 0)
	assert.Equal(t, "ws://localhost:8080/export/stream?cursor=0", got)
}

func TestSleepCtx_Completes(t *testing.T) {
	ctx := context.Background()
	ok := sleepCtx(ctx, 1*time.Millisecond)
	assert.True(t, ok)
}

func TestSleepCtx_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := sleepCtx(ctx, 10*time.Second)
	assert.False(t, ok)
}

func TestToSequencedEntry_Valid(t *testing.T) {
	priv, pubKey := generateKey(t)
	genesis, did := createGenesis(t, priv, []string{pubKey})

	entry := &didpatch.ExportEntry{
		Seq:       1,
		DID:       did,
		Entry:     *genesis,
		CID:       genesis.CID().String(),
		CreatedAt: "2024-01-01T00:00:00Z",
	}

	se, err := toSequencedEntry(entry)
	require.NoError(t, err)
	require.NotNil(t, se)
	assert.Equal(t, did, se.DID)
	assert.Equal(t, genesis.CID().String(), se.CID)
	assert.Equal(t, int64(1), se.Seq)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), se.CreatedAt)
}

func TestToSequencedEntry_BadTimestamp(t *testing.T) {
	priv, pubKey := generateKey(t)
	genesis, did := createGenesis(t, priv, []string{pubKey})

	entry := &didpatch.ExportEntry{
		Seq:       1,
		DID:       did,
		Entry:     *genesis,
		CID:       genesis.CID().String(),
		CreatedAt: "not-a-timestamp",
	}

	se, err := toSequencedEntry(entry)
	assert.Error(t, err)
	assert.Nil(t, se)
	assert.Contains(t, err.Error(), "failed to parse timestamp")
}

// --- HTTP/WebSocket ingestion tests ---

func newTestMirror(t *testing.T, originURL string) *Mirror {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := NewMirror(newTestStore(t), originURL, 0, 1, NewRegistrarState(), logger)
	require.NoError(t, err)
	return m
}

func TestIngestPaginated_BasicFlow(t *testing.T) {
	priv, pubKey := generateKey(t)
	genesis, did := createGenesis(t, priv, []string{pubKey})

	// A recent timestamp so ingestPaginated returns errCaughtUp
	recentTime := time.Now().UTC().Add(-30 * time.Minute)
	page := []didpatch.ExportEntry{{
		Seq:       1,
		DID:       did,
		Entry:     *genesis,
		CID:       genesis.CID().String(),
		CreatedAt: recentTime.Format(time.RFC3339),
	}}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/export", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("after") == "0" {
			json.NewEncoder(w).Encode(page)
		} else {
			fmt.Fprint(w, "[]")
		}
	}))
	defer ts.Close()

	mirror := newTestMirror(t, ts.URL)

	ctx := context.Background()
	entries := make(chan *SequencedEntry, 10)
	cursor := int64(0)

	err := mirror.ingestPaginated(ctx, &cursor, entries)
	assert.ErrorIs(t, err, errCaughtUp)
	assert.Equal(t, int64(1), cursor)

	// Should have received the entry
	require.Len(t, entries, 1)
	se := <-entries
	assert.Equal(t, did, se.DID)
}

func TestIngestPaginated_EmptyFeed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[]")
	}))
	defer ts.Close()

	mirror := newTestMirror(t, ts.URL)

	ctx := context.Background()
	entries := make(chan *SequencedEntry, 10)
	cursor := int64(0)

	err := mirror.ingestPaginated(ctx, &cursor, entries)
	assert.ErrorIs(t, err, errCaughtUp)
	assert.Empty(t, entries)
}

func TestIngestPaginated_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, "internal error")
	}))
	defer ts.Close()

	mirror := newTestMirror(t, ts.URL)

	ctx := context.Background()
	entries := make(chan *SequencedEntry, 10)
	cursor := int64(0)

	err := mirror.ingestPaginated(ctx, &cursor, entries)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch export")
}

func TestIngestStream_BasicFlow(t *testing.T) {
	priv, pubKey := generateKey(t)
	genesis, did := createGenesis(t, priv, []string{pubKey})

	entryBytes, err := json.Marshal(didpatch.ExportEntry{
		Seq:       5,
		DID:       did,
		Entry:     *genesis,
		CID:       genesis.CID().String(),
		CreatedAt: "2024-06-01T00:00:00Z",
	})
	require.NoError(t, err)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, entryBytes)
		// Close after sending one message to end the stream
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	}))
	defer ts.Close()

	mirror := newTestMirror(t, ts.URL)

	// Override the parsed URL to use ws:// scheme for the test server
	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1)
	mirror.parsedOriginURL, _ = url.Parse(wsURL)

	ctx := context.Background()
	entries := make(chan *SequencedEntry, 10)
	cursor := int64(0)

	// ingestStream will return an error when the WS closes
	err = mirror.ingestStream(ctx, &cursor, entries)
	assert.Error(t, err) // normal close is still an error from ReadMessage perspective

	assert.Equal(t, int64(5), cursor)
	require.Len(t, entries, 1)
	se := <-entries
	assert.Equal(t, did, se.DID)
	assert.Equal(t, int64(5), se.Seq)
}

func TestIngestStream_OutdatedCursor(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReasonOutdatedCursor))
	}))
	defer ts.Close()

	mirror := newTestMirror(t, ts.URL)

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1)
	mirror.parsedOriginURL, _ = url.Parse(wsURL)

	ctx := context.Background()
	entries := make(chan *SequencedEntry, 10)
	cursor := int64(0)

	err := mirror.ingestStream(ctx, &cursor, entries)
	assert.ErrorIs(t, err, errOutdatedCursor)
}

func TestIngestStream_ContextCancellation(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Hold the connection open without sending anything. The read
		// returns once the client side closes the connection.
		conn.ReadMessage()
	}))
	defer ts.Close()

	mirror := newTestMirror(t, ts.URL)

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1)
	mirror.parsedOriginURL, _ = url.Parse(wsURL)

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *SequencedEntry, 10)
	cursor := int64(0)

	done := make(chan error, 1)
	go func() {
		done <- mirror.ingestStream(ctx, &cursor, entries)
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("ingestStream did not return promptly after context cancellation")
	}
}

// --- End-to-end: server stream feeding a mirror ---

func TestExportStream_ServesBacklogAndLive(t *testing.T) {
	handler, store := newTestServer(t)
	ctx := context.Background()

	priv, pubKey := generateKey(t)
	genesis, did := createGenesis(t, priv, []string{pubKey})
	commitGenesis(t, ctx, store, genesis, did, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	ts := httptest.NewServer(handler)
	defer ts.Close()

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/export/stream?cursor=0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the committed backlog arrives first
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var entry didpatch.ExportEntry
	require.NoError(t, json.Unmarshal(msg, &entry))
	assert.Equal(t, int64(1), entry.Seq)
	assert.Equal(t, did, entry.DID)
	assert.Equal(t, genesis.CID().String(), entry.CID)
}
