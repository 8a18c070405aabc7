// Package metrics holds the Prometheus collectors shared by bots, syncers
// and webhook notifiers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	UpdatesHandled    *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	EntriesCreated    *prometheus.CounterVec
	SyncRows          *prometheus.CounterVec
	SyncErrors        *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		UpdatesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetbot",
			Name:      "updates_handled_total",
			Help:      "Telegram updates handled, by kind.",
		}, []string{"bot", "kind"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetbot",
			Name:      "rate_limited_total",
			Help:      "Messages rejected by the per-user rate limiter.",
		}, []string{"bot"}),
		EntriesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetbot",
			Name:      "entries_created_total",
			Help:      "Ledger entries recorded.",
		}, []string{"bot"}),
		SyncRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetbot",
			Name:      "sync_rows_total",
			Help:      "Spreadsheet rows touched by the syncer, by result.",
		}, []string{"bot", "result"}),
		SyncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetbot",
			Name:      "sync_errors_total",
			Help:      "Sync passes that ended in an error.",
		}, []string{"bot"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetbot",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook notifications, by result.",
		}, []string{"bot", "result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.UpdatesHandled,
		m.RateLimited,
		m.EntriesCreated,
		m.SyncRows,
		m.SyncErrors,
		m.WebhookDeliveries,
	)
	return m
}
