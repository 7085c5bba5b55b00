package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/did-doc-patch/go-didpatch"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// toSequencedEntry converts an export entry into the pipeline's internal
// form, parsing the timestamp.
func toSequencedEntry(e *didpatch.ExportEntry) (*SequencedEntry, error) {
	createdAt, err := time.Parse(time.RFC3339, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp for %s: %w", e.DID, err)
	}

	entry := e.Entry
	return &SequencedEntry{
		DID:       e.DID,
		CID:       e.CID,
		Entry:     &entry,
		CreatedAt: createdAt,
		Seq:       e.Seq,
	}, nil
}

const (
	// caughtUpThreshold is how close to real-time the latest entry must be
	// before paginated catch-up switches to streaming.
	caughtUpThreshold = 1 * time.Hour

	// retryDelay is the delay before retrying after an ingestion error.
	retryDelay = 1 * time.Second

	// cursorPersistInterval is how often the resume cursor is persisted.
	cursorPersistInterval = 1 * time.Second

	// If this timeout is reached, we'll retry the request.
	// Also used as the timeout for websocket reads, triggering a reconnect.
	httpClientTimeout = 30 * time.Second

	// exportPageSize is the page size requested from the paginated endpoint.
	exportPageSize = 1000
)

var (
	// errOutdatedCursor is returned by ingestStream when the origin sends an
	// OutdatedCursor close reason, indicating the cursor is too old for the
	// streaming endpoint and paginated catch-up is needed.
	errOutdatedCursor = errors.New("outdated cursor")

	// errCaughtUp is returned by ingestPaginated when the latest entry
	// timestamp is within 1 hour of now, indicating we're close enough to
	// real-time to switch to streaming.
	errCaughtUp = errors.New("caught up to near real-time")
)

// Mirror follows the export feed of an origin registry, validates every
// entry, and commits them to the local store.
type Mirror struct {
	store           *GormPatchStore
	originURL       string
	parsedOriginURL *url.URL
	cursorHost      string
	numWorkers      int
	startCursor     int64
	state           *RegistrarState
	client          *didpatch.Client
	wsDialer        *websocket.Dialer
	logger          *slog.Logger
}

// NewMirror creates a new Mirror. Pass startCursor == -1 to resume from the
// cursor stored in the database.
func NewMirror(store *GormPatchStore, originURL string, startCursor int64, numWorkers int, state *RegistrarState, logger *slog.Logger) (*Mirror, error) {
	parsedOriginURL, err := url.Parse(originURL)
	if err != nil {
		return nil, err
	}
	userAgent := fmt.Sprintf("go-didpatch-mirror/%s", versioninfo.Short())
	return &Mirror{
		store:           store,
		originURL:       originURL,
		parsedOriginURL: parsedOriginURL,
		cursorHost:      parsedOriginURL.Host, // "host" or "host:port"
		numWorkers:      numWorkers,
		startCursor:     startCursor,
		state:           state,
		client: &didpatch.Client{
			RegistryURL: originURL,
			UserAgent:   userAgent,
			HTTPClient: &http.Client{
				Timeout:   httpClientTimeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
		},
		wsDialer: websocket.DefaultDialer,
		logger:   logger.With("component", "mirror"),
	}, nil
}

// Run executes the full mirroring pipeline: resolving the cursor, spawning
// validate/commit workers, streaming entries from the origin, and
// dispatching them through the pipeline.
func (m *Mirror) Run(ctx context.Context) error {
	cursor := m.startCursor
	if cursor == -1 {
		var err error
		cursor, err = m.store.GetCursor(ctx, m.cursorHost)
		if err != nil {
			return err
		}
	}

	infl := NewInFlight(cursor)

	/*

		ingestLoop reads entries from the origin registry and puts them into
		the ingested channel (in seq order).

		the loop below reads from ingested and forwards into seqEntries, *but*,
		importantly, it ensures that there are never two entries for the same
		DID in-flight at once (an entry can only be validated once its
		predecessor is committed).

		ValidateWorker threads each sit in a loop reading from seqEntries,
		verifying entries against the local store, and writing the results
		into the validated channel.

		Finally, the CommitWorker loop reads from validated and commits them
		to the db in batches.

	*/

	ingested := make(chan *SequencedEntry, 10000)
	seqEntries := make(chan *SequencedEntry, 100)
	validated := make(chan ValidatedEntry, 1000)

	// Start multiple validateWorker goroutines
	for range m.numWorkers {
		go ValidateWorker(ctx, seqEntries, validated, infl, m.store)
	}

	// Start single commit worker
	flushCh := make(chan chan struct{})
	go CommitWorker(ctx, validated, infl, m.store, m.state, flushCh)

	// Periodically persist the resume cursor and record queue metrics
	go func() {
		ticker := time.NewTicker(cursorPersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resumeCursor := infl.GetResumeCursor()
				if err := m.store.PutCursor(ctx, m.cursorHost, resumeCursor); err != nil {
					m.logger.Error("failed to persist cursor", "error", err)
				} else {
					m.logger.Info("persisted cursor", "cursor", resumeCursor, "host", m.cursorHost)
				}
				MirrorCursorGauge.Record(ctx, resumeCursor)
				IngestedEntriesQueueGauge.Record(ctx, int64(len(ingested)))
				SeqEntriesQueueGauge.Record(ctx, int64(len(seqEntries)))
				ValidatedEntriesQueueGauge.Record(ctx, int64(len(validated)))
			}
		}
	}()

	// Start ingestion state machine in a goroutine
	go m.ingestLoop(ctx, &cursor, ingested)

	// Process entries from the ingestion channel and add to InFlight before
	// sending to workers
	for se := range ingested {

		// If the DID is already in-flight, ask the committer to flush its
		// batch so the previous entry for this DID hopefully gets committed
		// and removed from in-flight tracking. (it might still be in a queue
		// but we'll get there eventually)
		for !infl.AddInFlight(se.DID, se.Seq) {
			done := make(chan struct{})
			flushCh <- done
			<-done
		}

		seqEntries <- se

		// Note: recorded when the entry is in-flight, not yet validated/committed
		LastIngestedEntryTsGauge.Record(ctx, se.CreatedAt.Unix())
	}

	return nil
}

// ingestLoop is the state machine that orchestrates ingestion, switching between
// websocket streaming (/export/stream) and paginated HTTP (/export) as needed.
//
// It starts by attempting a websocket stream. If the origin reports an outdated
// cursor, it falls back to paginated ingestion until caught up, then switches
// back to streaming. Other errors trigger a retry after a fixed delay.
func (m *Mirror) ingestLoop(ctx context.Context, cursor *int64, entries chan<- *SequencedEntry) {
	recordState := func(attr attribute.KeyValue) {
		// Record 1 for the active state, 0 for the other
		if attr == IngestStateStream {
			IngestStateGauge.Record(ctx, 1, metric.WithAttributes(IngestStateStream))
			IngestStateGauge.Record(ctx, 0, metric.WithAttributes(IngestStatePaginated))
		} else {
			IngestStateGauge.Record(ctx, 1, metric.WithAttributes(IngestStatePaginated))
			IngestStateGauge.Record(ctx, 0, metric.WithAttributes(IngestStateStream))
		}
	}

	for {
		recordState(IngestStateStream)
		m.logger.Info("starting stream ingestion", "cursor", *cursor)
		err := m.ingestStream(ctx, cursor, entries)
		if err == nil {
			continue
		}

		if errors.Is(err, errOutdatedCursor) {
			m.logger.Info("cursor outdated for stream, falling back to paginated", "cursor", *cursor)
			recordState(IngestStatePaginated)
			for {
				m.logger.Info("starting paginated ingestion", "cursor", *cursor)
				perr := m.ingestPaginated(ctx, cursor, entries)
				if perr == nil {
					continue
				}
				if errors.Is(perr, errCaughtUp) {
					m.logger.Info("caught up, switching to stream", "cursor", *cursor)
					break // back to outer loop -> try stream again
				}
				m.logger.Error("paginated ingestion error, retrying", "error", perr)
				if !sleepCtx(ctx, retryDelay) {
					return
				}
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}

		m.logger.Error("stream ingestion error, retrying", "error", err)
		if !sleepCtx(ctx, retryDelay) {
			return
		}
	}
}

// ingestStream connects to the /export/stream websocket endpoint and reads
// entries until an error occurs. Returns errOutdatedCursor if the origin
// closes the connection with an OutdatedCursor reason.
func (m *Mirror) ingestStream(ctx context.Context, cursor *int64, entries chan<- *SequencedEntry) error {
	wsURL := buildStreamURL(m.parsedOriginURL, *cursor)
	m.logger.Debug("websocket connecting", "url", wsURL)

	header := http.Header{}
	header.Set("User-Agent", m.client.UserAgent)

	conn, _, err := m.wsDialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	// Close the connection when ctx is cancelled. ReadMessage doesn't accept
	// a context, so we need this goroutine to interrupt it.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)
	defer conn.Close()

	m.logger.Info("websocket connected", "url", wsURL)

	for {
		conn.SetReadDeadline(time.Now().Add(httpClientTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			// Check for OutdatedCursor close reason
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text == closeReasonOutdatedCursor {
				return errOutdatedCursor
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read error: %w", err)
		}

		var entry didpatch.ExportEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return fmt.Errorf("failed to parse websocket message: %w", err)
		}

		se, err := toSequencedEntry(&entry)
		if err != nil {
			return err
		}

		select {
		case entries <- se:
		case <-ctx.Done():
			return ctx.Err()
		}

		if entry.Seq > *cursor {
			*cursor = entry.Seq
		}
	}
}

// ingestPaginated fetches entries from the paginated /export HTTP endpoint.
// It loops through pages until it encounters an error or determines the cursor
// is within 1 hour of real-time (returns errCaughtUp).
func (m *Mirror) ingestPaginated(ctx context.Context, cursor *int64, entries chan<- *SequencedEntry) error {
	var latestCreatedAt time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.logger.Debug("export page starting", "after", *cursor)
		page, err := m.client.Export(ctx, *cursor, exportPageSize)
		if err != nil {
			m.logger.Error("export request failed", "error", err)
			return fmt.Errorf("failed to fetch export: %w", err)
		}

		for i := range page {
			se, err := toSequencedEntry(&page[i])
			if err != nil {
				return err
			}

			select {
			case entries <- se:
			case <-ctx.Done():
				return ctx.Err()
			}

			if page[i].Seq > *cursor {
				*cursor = page[i].Seq
			}
			if se.CreatedAt.After(latestCreatedAt) {
				latestCreatedAt = se.CreatedAt
			}
		}

		// Check if we're close enough to real-time to switch to streaming.
		// An empty page means we've drained the backlog.
		if len(page) == 0 {
			return errCaughtUp
		}
		if !latestCreatedAt.IsZero() && time.Since(latestCreatedAt) < caughtUpThreshold {
			return errCaughtUp
		}
	}
}

// buildStreamURL converts an HTTP origin URL to a websocket /export/stream URL.
// e.g. "https://host" -> "wss://host/export/stream?cursor=N"
func buildStreamURL(u *url.URL, cursor int64) string {
	copy := *u

	switch copy.Scheme {
	case "https":
		copy.Scheme = "wss"
	case "http":
		copy.Scheme = "ws"
	}

	copy.Path = "/export/stream"
	q := copy.Query()
	q.Set("cursor", fmt.Sprintf("%d", cursor))
	copy.RawQuery = q.Encode()
	return copy.String()
}

// sleepCtx sleeps for the given duration or until the context is cancelled.
// Returns true if the sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
