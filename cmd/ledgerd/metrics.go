// metrics.go - Event-driven metrics for ledgerd
package main

import (
	"sort"
	"strings"
	"sync"
	"time"

	"batchledger/internal/events"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
)

// Metric represents a single metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricsCollector manages metrics collection. It is an events.Notifier: consensus and
// governance events update it directly.
type MetricsCollector struct {
	mu         sync.RWMutex
	metrics    map[string]*Metric
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
	proposedAt map[uint64]time.Time
}

var _ events.Notifier = (*MetricsCollector)(nil)

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:    make(map[string]*Metric),
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
		proposedAt: make(map[uint64]time.Time),
	}
}

// Predefined metric names
const (
	MetricBatchesProposed  = "batches_proposed"
	MetricBatchesFinalized = "batches_finalized"
	MetricBatchesRejected  = "batches_rejected"
	MetricTransfers        = "transfers_finalized"
	MetricDropped          = "transfers_dropped"
	MetricVotes            = "votes_recorded"
	MetricFreezes          = "freeze_changes"
	MetricBatchLatency     = "batch_decision_seconds"
	MetricPending          = "pending_transfers"
	MetricDisclosures      = "disclosures_unlocked"
)

// Notify updates the metrics from one event.
func (mc *MetricsCollector) Notify(e events.Event) {
	switch e.Type {
	case events.BatchProposed:
		mc.IncrementCounter(MetricBatchesProposed, nil)
		mc.mu.Lock()
		mc.proposedAt[e.BatchID] = e.At
		mc.mu.Unlock()
	case events.VoteRecorded:
		decision := "reject"
		if e.Approve {
			decision = "approve"
		}
		mc.IncrementCounter(MetricVotes, map[string]string{"decision": decision})
	case events.BatchFinalized:
		mc.IncrementCounter(MetricBatchesFinalized, nil)
		mc.AddCounter(MetricTransfers, int64(len(e.TxIDs)), nil)
		mc.recordLatency(e)
	case events.BatchRejected:
		mc.IncrementCounter(MetricBatchesRejected, nil)
		mc.recordLatency(e)
	case events.TransferDropped:
		mc.AddCounter(MetricDropped, int64(len(e.TxIDs)), nil)
	case events.AccountFrozen, events.AccountUnfrozen:
		mc.IncrementCounter(MetricFreezes, map[string]string{"type": string(e.Type)})
	}
}

func (mc *MetricsCollector) recordLatency(e events.Event) {
	mc.mu.Lock()
	start, ok := mc.proposedAt[e.BatchID]
	delete(mc.proposedAt, e.BatchID)
	mc.mu.Unlock()
	if ok && !e.At.IsZero() {
		mc.RecordHistogram(MetricBatchLatency, e.At.Sub(start).Seconds(), nil)
	}
}

// IncrementCounter increments a counter metric
func (mc *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	mc.AddCounter(name, 1, labels)
}

// AddCounter adds delta to a counter metric
func (mc *MetricsCollector) AddCounter(name string, delta int64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	mc.counters[key] += delta
	mc.updateMetric(key, name, Counter, float64(mc.counters[key]), labels)
}

// SetGauge sets a gauge metric value
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	mc.gauges[key] = value
	mc.updateMetric(key, name, Gauge, value, labels)
}

// RecordHistogram records a value in a histogram
func (mc *MetricsCollector) RecordHistogram(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	h := append(mc.histograms[key], value)
	// Keep only the last 1000 values
	if len(h) > 1000 {
		h = h[len(h)-1000:]
	}
	mc.histograms[key] = h
	mc.updateMetric(key, name, Histogram, value, labels)
}

// GetMetric retrieves a metric by name and labels
func (mc *MetricsCollector) GetMetric(name string, labels map[string]string) *Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	m, ok := mc.metrics[makeKey(name, labels)]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Counter returns the current value of a counter.
func (mc *MetricsCollector) Counter(name string, labels map[string]string) int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.counters[makeKey(name, labels)]
}

// GetMetricsSummary returns a summary of all metrics
func (mc *MetricsCollector) GetMetricsSummary() map[string]interface{} {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	counters := make(map[string]int64, len(mc.counters))
	for key, v := range mc.counters {
		counters[key] = v
	}
	gauges := make(map[string]float64, len(mc.gauges))
	for key, v := range mc.gauges {
		gauges[key] = v
	}
	histograms := make(map[string]map[string]float64)
	for key, values := range mc.histograms {
		if len(values) == 0 {
			continue
		}
		h := map[string]float64{"count": float64(len(values)), "min": values[0], "max": values[0]}
		var sum float64
		for _, v := range values {
			if v < h["min"] {
				h["min"] = v
			}
			if v > h["max"] {
				h["max"] = v
			}
			sum += v
		}
		h["sum"] = sum
		h["avg"] = sum / h["count"]
		histograms[key] = h
	}
	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// makeKey creates a deterministic key for a metric name and labels
func makeKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("_" + k + "_" + labels[k])
	}
	return b.String()
}

func (mc *MetricsCollector) updateMetric(key, name string, metricType MetricType, value float64, labels map[string]string) {
	mc.metrics[key] = &Metric{
		Name:      name,
		Type:      metricType,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	}
}
