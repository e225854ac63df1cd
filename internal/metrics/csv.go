// Package metrics keeps a bounded CSV trail of accepted timing probes
// for post-hoc diagnostics of a session's synchronization quality.
package metrics

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"recsync/internal/model"
)

// ProbeSample is one accepted timing probe, flattened for CSV.
type ProbeSample struct {
	Timestamp time.Time
	NodeID    string
	ProbeID   string
	RTTMs     float64
	OffsetUs  int64
}

// FromProbe converts a wire probe into a diagnostic sample.
func FromProbe(p model.SyncProbe) ProbeSample {
	offset := p.NodeEchoTime - (p.SendTime.UnixNano() + p.RTT.Nanoseconds()/2)
	return ProbeSample{
		Timestamp: p.ReceiveTime.UTC(),
		NodeID:    p.NodeID,
		ProbeID:   p.ProbeID,
		RTTMs:     float64(p.RTT.Microseconds()) / 1000.0,
		OffsetUs:  offset / 1000,
	}
}

var header = []string{"timestamp", "node_id", "probe_id", "rtt_ms", "offset_us"}

// AppendCSV appends samples, writing the header when the file is new.
// Not safe for concurrent use; callers serialize appends.
func AppendCSV(path string, samples []ProbeSample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	info, err := os.Stat(path)
	writeHeader := err != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	for _, s := range samples {
		record := []string{
			s.Timestamp.Format(time.RFC3339Nano),
			s.NodeID,
			s.ProbeID,
			strconv.FormatFloat(s.RTTMs, 'f', 3, 64),
			strconv.FormatInt(s.OffsetUs, 10),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// ReadCSV loads all samples from a diagnostics file.
func ReadCSV(path string) ([]ProbeSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	samples := make([]ProbeSample, 0, len(rows))
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == "timestamp" {
			continue
		}
		if len(row) != len(header) {
			return nil, fmt.Errorf("row %d: expected %d fields, got %d", i+1, len(header), len(row))
		}
		ts, err := time.Parse(time.RFC3339Nano, row[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		rtt, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		offset, err := strconv.ParseInt(row[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		samples = append(samples, ProbeSample{
			Timestamp: ts,
			NodeID:    row[1],
			ProbeID:   row[2],
			RTTMs:     rtt,
			OffsetUs:  offset,
		})
	}
	return samples, nil
}
