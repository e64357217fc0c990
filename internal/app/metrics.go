package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-dispatch-backend/internal/repo"
)

// OutboxCollector reports the outbox backlog per status on every scrape.
type OutboxCollector struct {
	db   *gorm.DB
	desc *prometheus.Desc
}

// NewOutboxCollector returns a collector over db. Register it once per
// process.
func NewOutboxCollector(db *gorm.DB) *OutboxCollector {
	return &OutboxCollector{
		db: db,
		desc: prometheus.NewDesc(
			"outbox_events",
			"Outbox events by delivery status.",
			[]string{"status"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *OutboxCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

// Collect implements prometheus.Collector. A failing query yields no samples.
func (c *OutboxCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	counts, err := repo.OutboxCounts(ctx, c.db)
	if err != nil {
		log.Warn().Err(err).Msg("collect outbox counts")
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(status))
	}
}
