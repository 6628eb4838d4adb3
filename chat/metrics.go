package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duochat_appends_total",
		Help: "Messages appended to conversation documents.",
	})
	metricRollovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duochat_rollovers_total",
		Help: "Recent-window rollovers into archive chunks.",
	})
	// A rollover orphan is a chunk written whose conversation merge then
	// failed: the evicted window exists in both the chunk and the recent
	// window until a later rollover. Duplication, never loss.
	metricRolloverOrphans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duochat_rollover_orphans_total",
		Help: "Chunk writes whose follow-up conversation merge failed.",
	})
	metricSendRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duochat_send_rejected_total",
		Help: "sendMessage requests rejected at validation.",
	}, []string{"code"})
)
