package metrics

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.HandshakeStarted()
	m.HandshakeStarted()
	m.HandshakeEstablished()
	m.HandshakeFailed(FailTimeout)
	m.FrameReceived()
	m.FrameReceived()
	m.FrameSent()
	m.FrameDroppedChecksum()
	m.FrameDroppedUnknown()
	m.QueueWait()
	m.PoWCycle(3*time.Millisecond, nil)
	m.PoWCycle(time.Millisecond, errors.New("kernel"))
	snap := m.Snapshot()
	if snap.Handshake.Started != 2 || snap.Handshake.Established != 1 || snap.Handshake.Failed != 1 {
		t.Fatalf("unexpected handshake counts: %+v", snap.Handshake)
	}
	if snap.Frames.Received != 2 || snap.Frames.Sent != 1 {
		t.Fatalf("unexpected frame counts: %+v", snap.Frames)
	}
	if snap.Frames.DropChecksum != 1 || snap.Frames.DropUnknown != 1 {
		t.Fatalf("unexpected drop counts: %+v", snap.Frames)
	}
	if snap.PoW.Cycles != 1 || snap.PoW.Failures != 1 || snap.PoW.QueueWaits != 1 {
		t.Fatalf("unexpected pow counts: %+v", snap.PoW)
	}
	if snap.PoW.LastNanos != int64(time.Millisecond) {
		t.Fatalf("expected last pow duration 1ms, got %d", snap.PoW.LastNanos)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.HandshakeStarted()
	m.FrameSent()
	m.PoWCycle(time.Second, nil)
	if snap := m.Snapshot(); snap.Handshake.Started != 0 {
		t.Fatalf("expected empty snapshot")
	}
}

func TestRegisterExportsCounters(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	m.HandshakeStarted()
	m.HandshakeFailed(FailProtocol)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	found := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				found[f.GetName()] += c.GetValue()
			}
		}
	}
	if found["qortpeer_handshakes_started_total"] != 1 {
		t.Fatalf("expected started=1, got %v", found["qortpeer_handshakes_started_total"])
	}
	if found["qortpeer_handshake_failures_total"] != 1 {
		t.Fatalf("expected failures=1, got %v", found["qortpeer_handshake_failures_total"])
	}
	if err := m.Register(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.FrameSent()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot failed: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot failed: %v", err)
	}
	if snap.Frames.Sent != 1 {
		t.Fatalf("expected sent=1, got %d", snap.Frames.Sent)
	}
}
