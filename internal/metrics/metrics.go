package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FailReason labels why a handshake ended in the failed state.
type FailReason string

const (
	FailTransport FailReason = "transport"
	FailProtocol  FailReason = "protocol"
	FailKeys      FailReason = "keys"
	FailPoW       FailReason = "pow"
	FailVerify    FailReason = "verify"
	FailTimeout   FailReason = "timeout"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Handshake   HandshakeMetrics `json:"handshake"`
	Frames      FrameMetrics     `json:"frames"`
	PoW         PoWMetrics       `json:"pow"`
}

type HandshakeMetrics struct {
	Started     uint64 `json:"started"`
	Established uint64 `json:"established"`
	Failed      uint64 `json:"failed"`
}

type FrameMetrics struct {
	Received     uint64 `json:"received"`
	Sent         uint64 `json:"sent"`
	DropChecksum uint64 `json:"drop_checksum"`
	DropUnknown  uint64 `json:"drop_unknown"`
}

type PoWMetrics struct {
	Cycles     uint64 `json:"cycles"`
	Failures   uint64 `json:"failures"`
	QueueWaits uint64 `json:"queue_waits"`
	LastNanos  int64  `json:"last_nanos"`
}

// Metrics counts handshake activity. A nil *Metrics is valid and drops
// every observation.
type Metrics struct {
	started      atomic.Uint64
	established  atomic.Uint64
	failed       atomic.Uint64
	framesIn     atomic.Uint64
	framesOut    atomic.Uint64
	dropChecksum atomic.Uint64
	dropUnknown  atomic.Uint64
	powCycles    atomic.Uint64
	powFailures  atomic.Uint64
	queueWaits   atomic.Uint64
	powLast      atomic.Int64

	failures    *prometheus.CounterVec
	powDuration prometheus.Histogram
	inflight    prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qortpeer_handshake_failures_total",
			Help: "Handshakes that ended in the failed state, by reason.",
		}, []string{"reason"}),
		powDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qortpeer_pow_duration_seconds",
			Help:    "Wall time of proof-of-work cycles, including queueing for the arena.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qortpeer_handshakes_inflight",
			Help: "Handshakes currently in progress.",
		}),
	}
}

// Register exports the metrics on reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(v.Load())
		})
	}
	cs := []prometheus.Collector{
		counter("qortpeer_handshakes_started_total", "Handshakes started.", &m.started),
		counter("qortpeer_handshakes_established_total", "Handshakes that reached the established state.", &m.established),
		counter("qortpeer_frames_received_total", "Frames decoded from peers.", &m.framesIn),
		counter("qortpeer_frames_sent_total", "Frames written to peers.", &m.framesOut),
		counter("qortpeer_frames_dropped_checksum_total", "Frames dropped on checksum mismatch.", &m.dropChecksum),
		counter("qortpeer_frames_dropped_unknown_total", "Frames of unknown type ignored.", &m.dropUnknown),
		counter("qortpeer_pow_cycles_total", "Proof-of-work cycles completed.", &m.powCycles),
		counter("qortpeer_arena_queue_waits_total", "Arena allocations that had to queue.", &m.queueWaits),
		m.failures,
		m.powDuration,
		m.inflight,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) HandshakeStarted() {
	if m == nil {
		return
	}
	m.started.Add(1)
	m.inflight.Inc()
}

func (m *Metrics) HandshakeEstablished() {
	if m == nil {
		return
	}
	m.established.Add(1)
	m.inflight.Dec()
}

func (m *Metrics) HandshakeFailed(reason FailReason) {
	if m == nil {
		return
	}
	m.failed.Add(1)
	m.inflight.Dec()
	m.failures.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.framesIn.Add(1)
	}
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.framesOut.Add(1)
	}
}

func (m *Metrics) FrameDroppedChecksum() {
	if m != nil {
		m.dropChecksum.Add(1)
	}
}

func (m *Metrics) FrameDroppedUnknown() {
	if m != nil {
		m.dropUnknown.Add(1)
	}
}

func (m *Metrics) QueueWait() {
	if m != nil {
		m.queueWaits.Add(1)
	}
}

func (m *Metrics) PoWCycle(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.powFailures.Add(1)
	} else {
		m.powCycles.Add(1)
	}
	m.powLast.Store(int64(d))
	m.powDuration.Observe(d.Seconds())
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Handshake: HandshakeMetrics{
			Started:     m.started.Load(),
			Established: m.established.Load(),
			Failed:      m.failed.Load(),
		},
		Frames: FrameMetrics{
			Received:     m.framesIn.Load(),
			Sent:         m.framesOut.Load(),
			DropChecksum: m.dropChecksum.Load(),
			DropUnknown:  m.dropUnknown.Load(),
		},
		PoW: PoWMetrics{
			Cycles:     m.powCycles.Load(),
			Failures:   m.powFailures.Load(),
			QueueWaits: m.queueWaits.Load(),
			LastNanos:  m.powLast.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
