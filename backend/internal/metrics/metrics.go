package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Conns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_ws_conns",
		Help: "Active websocket sessions",
	})
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_rooms",
		Help: "Document rooms with at least one member",
	})
	PresenceBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_presence_broadcasts_total",
		Help: "Full presence snapshots computed and delivered",
	})
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_dropped_total",
		Help: "Outbound messages dropped, partitioned by reason",
	}, []string{"why"}) // queue_full / closed

	RelayProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_relay_produced_total",
		Help: "Update events acknowledged by the broker",
	})
	RelayCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_relay_coalesced_total",
		Help: "Submissions merged into a pending update event",
	})
	RelayFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_relay_failed_total",
		Help: "Update events that could not be handed to the broker",
	}, []string{"stage"}) // enqueue / produce
	RelayRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_relay_retries_total",
		Help: "Produce attempts retried after a failure",
	})

	ProjectorApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_projector_applied_total",
		Help: "Update events written to the document store",
	})
	ProjectorMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_projector_malformed_total",
		Help: "Broker messages dropped as malformed",
	})
	ProjectorStoreFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_projector_store_failures_total",
		Help: "Store writes that failed and left the event uncommitted",
	})
)
