package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LookupsTotal counts finished lookups by mode and termination reason
var LookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aegis_dht_lookups_total",
		Help: "Total number of finished routing lookups",
	},
	[]string{"mode", "reason"},
)

// RequestsTotal counts find-neighbors requests by result (success, failure)
var RequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aegis_dht_requests_total",
		Help: "Total number of find-neighbors requests issued by lookups",
	},
	[]string{"result"},
)

// DirectHitsTotal counts peers that reported holding the searched data
var DirectHitsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "aegis_dht_direct_hits_total",
		Help: "Total number of direct hits recorded by lookups",
	},
)

// LookupPeersQueried observes how many peers a lookup contacted
var LookupPeersQueried = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "aegis_dht_lookup_peers_queried",
		Help:    "Number of peers contacted per lookup",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	},
)

// TablePeers tracks routing table size per tier (verified, unverified)
var TablePeers = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "aegis_dht_table_peers",
		Help: "Number of peers in the routing table",
	},
	[]string{"tier"},
)

// TableEvictionsTotal counts peers removed from the table by cause
var TableEvictionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aegis_dht_table_evictions_total",
		Help: "Total number of routing table evictions",
	},
	[]string{"cause"},
)

// ProbesTotal counts maintenance liveness probes by result
var ProbesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aegis_dht_probes_total",
		Help: "Total number of maintenance liveness probes",
	},
	[]string{"result"},
)

// MessagesTotal counts wire messages by direction (inbound, outbound) and type
var MessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aegis_network_messages_total",
		Help: "Total number of protocol messages exchanged",
	},
	[]string{"direction", "type"},
)
