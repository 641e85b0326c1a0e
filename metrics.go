package bmservice

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/behrlich/go-bmservice/internal/interfaces"
)

// LatencyBuckets defines the stage-latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics aggregates per-stage latency, per-device task completion and
// queue-depth samples across every pipeline in a runner (spec.md §3's
// per-request Status rolled up consumer-side, per SPEC_FULL.md §3
// "ProcessStatInfo").
type Metrics struct {
	TasksValid   atomic.Uint64
	TasksInvalid atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint64

	mu         sync.Mutex
	perStage   map[string]*stageMetrics
	perDevice  map[uint32]*deviceMetrics
	StartTime  atomic.Int64
	StopTime   atomic.Int64
}

type stageMetrics struct {
	totalLatencyNs atomic.Uint64
	opCount        atomic.Uint64
	failures       atomic.Uint64
}

type deviceMetrics struct {
	valid   atomic.Uint64
	invalid atomic.Uint64
}

// NewMetrics creates a fresh Metrics instance, timestamped now.
func NewMetrics() *Metrics {
	m := &Metrics{
		perStage:  make(map[string]*stageMetrics),
		perDevice: make(map[uint32]*deviceMetrics),
	}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) stage(name string) *stageMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.perStage[name]
	if !ok {
		s = &stageMetrics{}
		m.perStage[name] = s
	}
	return s
}

func (m *Metrics) device(id uint32) *deviceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.perDevice[id]
	if !ok {
		d = &deviceMetrics{}
		m.perDevice[id] = d
	}
	return d
}

// RecordStageLatency records one stage invocation's latency and
// success/failure.
func (m *Metrics) RecordStageLatency(stageName string, deviceID uint32, latencyNs uint64, success bool) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}

	s := m.stage(stageName)
	s.totalLatencyNs.Add(latencyNs)
	s.opCount.Add(1)
	if !success {
		s.failures.Add(1)
	}
}

// RecordQueueDepth samples a named queue's current occupancy.
func (m *Metrics) RecordQueueDepth(depth uint64) {
	m.QueueDepthTotal.Add(depth)
	m.QueueDepthCount.Add(1)
	for {
		cur := m.MaxQueueDepth.Load()
		if depth <= cur || m.MaxQueueDepth.CompareAndSwap(cur, depth) {
			break
		}
	}
}

// RecordTaskComplete records one item exiting a pipeline's terminal
// stage, successful or marked invalid (spec.md §7 UserError path).
func (m *Metrics) RecordTaskComplete(deviceID uint32, valid bool) {
	if valid {
		m.TasksValid.Add(1)
	} else {
		m.TasksInvalid.Add(1)
	}
	d := m.device(deviceID)
	if valid {
		d.valid.Add(1)
	} else {
		d.invalid.Add(1)
	}
}

// Stop marks the runner as stopped, fixing the uptime window used by
// Snapshot's rate calculations.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// StageSnapshot is a point-in-time rollup for one stage name.
type StageSnapshot struct {
	Name         string
	OpCount      uint64
	Failures     uint64
	AvgLatencyNs uint64
}

// DeviceSnapshot is a point-in-time rollup for one device id.
type DeviceSnapshot struct {
	DeviceID uint32
	Valid    uint64
	Invalid  uint64
}

// MetricsSnapshot is a consistent point-in-time read of Metrics.
type MetricsSnapshot struct {
	TasksValid   uint64
	TasksInvalid uint64
	TotalOps     uint64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	AvgQueueDepth float64
	MaxQueueDepth uint64

	UptimeNs uint64

	Stages  []StageSnapshot
	Devices []DeviceSnapshot
}

// Snapshot takes a consistent, point-in-time read of every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TasksValid:    m.TasksValid.Load(),
		TasksInvalid:  m.TasksInvalid.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}
	snap.TotalOps = snap.TasksValid + snap.TasksInvalid

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	m.mu.Lock()
	for name, s := range m.perStage {
		ss := StageSnapshot{Name: name, OpCount: s.opCount.Load(), Failures: s.failures.Load()}
		if ss.OpCount > 0 {
			ss.AvgLatencyNs = s.totalLatencyNs.Load() / ss.OpCount
		}
		snap.Stages = append(snap.Stages, ss)
	}
	for id, d := range m.perDevice {
		snap.Devices = append(snap.Devices, DeviceSnapshot{DeviceID: id, Valid: d.valid.Load(), Invalid: d.invalid.Load()})
	}
	m.mu.Unlock()

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) via linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// MetricsObserver implements interfaces.Observer by recording into a
// Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m as an interfaces.Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{metrics: m} }

func (o *MetricsObserver) ObserveStageLatency(stage string, deviceID uint32, latencyNs uint64, success bool) {
	o.metrics.RecordStageLatency(stage, deviceID, latencyNs, success)
}
func (o *MetricsObserver) ObserveQueueDepth(_ string, depth int) {
	o.metrics.RecordQueueDepth(uint64(depth))
}
func (o *MetricsObserver) ObserveTaskComplete(deviceID uint32, valid bool) {
	o.metrics.RecordTaskComplete(deviceID, valid)
}

var _ interfaces.Observer = (*MetricsObserver)(nil)

// PrometheusObserver implements interfaces.Observer by exporting
// Prometheus metrics instead of (or alongside) the atomic-counter
// Metrics struct, for deployments that scrape rather than poll
// Snapshot().
type PrometheusObserver struct {
	stageLatency  *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
	tasksComplete *prometheus.CounterVec
}

// NewPrometheusObserver registers its collectors on reg (pass
// prometheus.DefaultRegisterer for the global registry).
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bmservice",
			Name:      "stage_latency_seconds",
			Help:      "Stage invocation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "device", "success"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bmservice",
			Name:      "queue_depth",
			Help:      "Current occupancy of a named queue.",
		}, []string{"queue"}),
		tasksComplete: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bmservice",
			Name:      "tasks_complete_total",
			Help:      "Tasks delivered from a terminal stage, by device and validity.",
		}, []string{"device", "valid"}),
	}
	reg.MustRegister(o.stageLatency, o.queueDepth, o.tasksComplete)
	return o
}

func (o *PrometheusObserver) ObserveStageLatency(stage string, deviceID uint32, latencyNs uint64, success bool) {
	o.stageLatency.WithLabelValues(stage, deviceLabel(deviceID), boolLabel(success)).Observe(float64(latencyNs) / 1e9)
}
func (o *PrometheusObserver) ObserveQueueDepth(name string, depth int) {
	o.queueDepth.WithLabelValues(name).Set(float64(depth))
}
func (o *PrometheusObserver) ObserveTaskComplete(deviceID uint32, valid bool) {
	o.tasksComplete.WithLabelValues(deviceLabel(deviceID), boolLabel(valid)).Inc()
}

func deviceLabel(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var _ interfaces.Observer = (*PrometheusObserver)(nil)
