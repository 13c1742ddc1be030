package jobq

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsTimeout = 5 * time.Second

// Collector exports job counts of queues as Prometheus gauges. Counts are
// read from the store on every scrape.
type Collector struct {
	queues []*Queue

	jobs   *prometheus.Desc
	paused *prometheus.Desc
	up     *prometheus.Desc
}

// NewCollector returns a collector for queues. Register it with a
// prometheus.Registerer.
func NewCollector(queues ...*Queue) *Collector {
	return &Collector{
		queues: queues,
		jobs: prometheus.NewDesc("jobq_jobs",
			"Number of jobs per queue and state.", []string{"queue", "state"}, nil),
		paused: prometheus.NewDesc("jobq_queue_paused",
			"Whether the queue is paused (1) or not (0).", []string{"queue"}, nil),
		up: prometheus.NewDesc("jobq_up",
			"Whether the last scrape of the queue succeeded.", []string{"queue"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.paused
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsTimeout)
	defer cancel()
	for _, q := range c.queues {
		counts, err := q.GetJobCounts(ctx)
		var paused bool
		if err == nil {
			paused, err = q.IsPaused(ctx)
		}
		if err != nil {
			q.log.Warnf("metrics: collect failed: queue=%s err=%v", q.name, err)
			ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0, q.name)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1, q.name)
		for _, s := range AllStates {
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(counts[s]), q.name, string(s))
		}
		p := 0.0
		if paused {
			p = 1
		}
		ch <- prometheus.MustNewConstMetric(c.paused, prometheus.GaugeValue, p, q.name)
	}
}
