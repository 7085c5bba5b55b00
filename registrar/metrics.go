package registrar

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/did-doc-patch/go-didpatch/registrar")

var (
	SubmittedEntriesCounter metric.Int64Counter
	StreamSubscribersGauge  metric.Int64Gauge

	MirrorCursorGauge          metric.Int64Gauge
	IngestedEntriesQueueGauge  metric.Int64Gauge
	SeqEntriesQueueGauge       metric.Int64Gauge
	ValidatedEntriesQueueGauge metric.Int64Gauge
	IngestStateGauge           metric.Int64Gauge
	LastIngestedEntryTsGauge   metric.Int64Gauge
)

var (
	IngestStateStream    = attribute.String("state", "stream")
	IngestStatePaginated = attribute.String("state", "paginated")
)

func init() {
	var err error
	SubmittedEntriesCounter, err = meter.Int64Counter("didpatch_registrar_submitted_entries",
		metric.WithDescription("Number of entries accepted via POST"),
	)
	if err != nil {
		panic(err)
	}
	StreamSubscribersGauge, err = meter.Int64Gauge("didpatch_registrar_stream_subscribers",
		metric.WithDescription("Number of connected export stream subscribers"),
	)
	if err != nil {
		panic(err)
	}
	MirrorCursorGauge, err = meter.Int64Gauge("didpatch_mirror_cursor",
		metric.WithDescription("The most recently committed seq value"),
	)
	if err != nil {
		panic(err)
	}
	IngestedEntriesQueueGauge, err = meter.Int64Gauge("didpatch_mirror_ingested_entries_queue",
		metric.WithDescription("Number of items in the ingested entries channel"),
	)
	if err != nil {
		panic(err)
	}
	SeqEntriesQueueGauge, err = meter.Int64Gauge("didpatch_mirror_seq_entries_queue",
		metric.WithDescription("Number of items in the sequenced entries channel"),
	)
	if err != nil {
		panic(err)
	}
	ValidatedEntriesQueueGauge, err = meter.Int64Gauge("didpatch_mirror_validated_entries_queue",
		metric.WithDescription("Number of items in the validated entries channel"),
	)
	if err != nil {
		panic(err)
	}
	IngestStateGauge, err = meter.Int64Gauge("didpatch_mirror_ingest_state",
		metric.WithDescription("Current ingest mode: 1 with state attribute (stream or paginated)"),
	)
	if err != nil {
		panic(err)
	}
	LastIngestedEntryTsGauge, err = meter.Int64Gauge("didpatch_mirror_last_ingested_entry_ts",
		metric.WithDescription("Unix timestamp of the most recently ingested entry"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}
