package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"recsync/internal/model"
)

func sampleAt(ts time.Time, node string, rttMs float64) ProbeSample {
	return ProbeSample{
		Timestamp: ts,
		NodeID:    node,
		ProbeID:   "p1",
		RTTMs:     rttMs,
		OffsetUs:  1500,
	}
}

func TestAppendRead_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "probes.csv")
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	if err := AppendCSV(path, []ProbeSample{sampleAt(base, "node-1", 2.5)}); err != nil {
		t.Fatalf("AppendCSV: %v", err)
	}
	if err := AppendCSV(path, []ProbeSample{sampleAt(base.Add(time.Second), "node-2", 3.25)}); err != nil {
		t.Fatalf("AppendCSV: %v", err)
	}

	samples, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("samples=%d", len(samples))
	}
	if samples[0].NodeID != "node-1" || samples[0].RTTMs != 2.5 {
		t.Fatalf("first sample mangled: %+v", samples[0])
	}
	if samples[1].OffsetUs != 1500 {
		t.Fatalf("offset mangled: %+v", samples[1])
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if got := strings.Count(string(raw), "timestamp,"); got != 1 {
		t.Fatalf("header written %d times", got)
	}
}

func TestFromProbe_Offset(t *testing.T) {
	t.Parallel()

	send := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	rtt := 4 * time.Millisecond
	ahead := 30 * time.Millisecond
	s := FromProbe(model.SyncProbe{
		NodeID:       "n1",
		ProbeID:      "p9",
		SendTime:     send,
		NodeEchoTime: send.Add(rtt / 2).Add(ahead).UnixNano(),
		ReceiveTime:  send.Add(rtt),
		RTT:          rtt,
	})
	if s.OffsetUs != ahead.Microseconds() {
		t.Fatalf("offset=%dus, want %dus", s.OffsetUs, ahead.Microseconds())
	}
	if s.RTTMs != 4.0 {
		t.Fatalf("rtt=%fms", s.RTTMs)
	}
}

func TestSummarize_Window(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	samples := []ProbeSample{
		sampleAt(base, "n1", 10),
		sampleAt(base.Add(time.Minute), "n1", 2),
		sampleAt(base.Add(2*time.Minute), "n1", 4),
	}

	all := Summarize(samples, time.Time{})
	if all.Count != 3 {
		t.Fatalf("count=%d", all.Count)
	}
	if all.MinRTTMs != 2 || all.MaxRTTMs != 10 {
		t.Fatalf("min/max=%f/%f", all.MinRTTMs, all.MaxRTTMs)
	}

	recent := Summarize(samples, base.Add(30*time.Second))
	if recent.Count != 2 {
		t.Fatalf("windowed count=%d", recent.Count)
	}
	if recent.MaxRTTMs != 4 {
		t.Fatalf("windowed max=%f", recent.MaxRTTMs)
	}
	if !recent.From.Equal(base.Add(time.Minute)) {
		t.Fatalf("window from=%s", recent.From)
	}
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	s := Summarize(nil, time.Time{})
	if s.Count != 0 || s.AvgRTTMs != 0 {
		t.Fatalf("empty summary: %+v", s)
	}
}
