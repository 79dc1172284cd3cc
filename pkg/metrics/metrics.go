package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SnapshotsApplied counts snapshots applied per product
var SnapshotsApplied = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bookfeed_snapshots_applied_total",
		Help: "Total number of book snapshots applied",
	},
	[]string{"product"},
)

// ChangesApplied counts level changes applied by product and side (bid/ask)
var ChangesApplied = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bookfeed_changes_applied_total",
		Help: "Total number of level changes applied to a book side",
	},
	[]string{"product", "side"},
)

// GateWaits counts changes that had to wait for the side's snapshot
var GateWaits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bookfeed_gate_waits_total",
		Help: "Number of changes that arrived before the side was initialized",
	},
	[]string{"product", "side"},
)

// BookLevels tracks the number of price levels held per side
var BookLevels = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bookfeed_book_levels",
		Help: "Number of price levels currently held by a book side",
	},
	[]string{"product", "side"},
)

// Feed and book error metrics
var (
	ParseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfeed_parse_errors_total",
			Help: "Book messages rejected because of malformed levels",
		},
		[]string{"product"},
	)

	UnknownProducts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bookfeed_unknown_product_messages_total",
			Help: "Book messages received for products outside the registry",
		},
	)

	FeedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfeed_feed_messages_total",
			Help: "Feed messages received by type",
		},
		[]string{"source", "type"},
	)

	FeedDecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfeed_feed_decode_errors_total",
			Help: "Feed messages that could not be decoded",
		},
		[]string{"source"},
	)

	FeedHandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfeed_feed_handler_errors_total",
			Help: "Errors returned by feed message handlers",
		},
		[]string{"type"},
	)

	FeedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfeed_feed_reconnects_total",
			Help: "Feed connection attempts after a failure",
		},
		[]string{"source"},
	)
)

// Publisher metrics
var (
	BookUpdatesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfeed_book_updates_published_total",
			Help: "Book updates published to the distribution backend",
		},
		[]string{"product"},
	)

	PublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfeed_publish_errors_total",
			Help: "Failed book update publications",
		},
		[]string{"product"},
	)
)

// Stream metrics
var (
	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookfeed_stream_clients",
			Help: "Connected book stream websocket clients",
		},
	)

	StreamDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfeed_stream_dropped_total",
			Help: "Book stream messages dropped for slow clients",
		},
		[]string{"topic"},
	)
)

// RESTRequestLatency records latency of exchange REST calls
var RESTRequestLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "bookfeed_rest_request_latency_seconds",
		Help:    "Latency in seconds of REST calls to the exchange",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "status"},
)

func init() {
	prometheus.MustRegister(SnapshotsApplied, ChangesApplied, GateWaits, BookLevels)
	prometheus.MustRegister(ParseErrors, UnknownProducts)
	prometheus.MustRegister(FeedMessages, FeedDecodeErrors, FeedHandlerErrors, FeedReconnects)
	prometheus.MustRegister(BookUpdatesPublished, PublishErrors, RESTRequestLatency)
	prometheus.MustRegister(StreamClients, StreamDropped)
}
