package metrics

import (
	"sort"
	"time"
)

// Summary aggregates probe samples inside a time window.
type Summary struct {
	Count       int
	From        time.Time
	To          time.Time
	AvgRTTMs    float64
	P95RTTMs    float64
	MinRTTMs    float64
	MaxRTTMs    float64
	AvgOffsetUs float64
}

// Summarize aggregates samples at or after the cutoff.
func Summarize(samples []ProbeSample, cutoff time.Time) Summary {
	var s Summary
	rtts := make([]float64, 0, len(samples))
	var offsetSum float64

	for _, sample := range samples {
		if sample.Timestamp.Before(cutoff) {
			continue
		}
		if s.Count == 0 || sample.Timestamp.Before(s.From) {
			s.From = sample.Timestamp
		}
		if sample.Timestamp.After(s.To) {
			s.To = sample.Timestamp
		}
		rtts = append(rtts, sample.RTTMs)
		offsetSum += float64(sample.OffsetUs)
		s.Count++
	}

	if s.Count == 0 {
		return s
	}

	sort.Float64s(rtts)
	s.MinRTTMs = rtts[0]
	s.MaxRTTMs = rtts[len(rtts)-1]
	var sum float64
	for _, v := range rtts {
		sum += v
	}
	s.AvgRTTMs = sum / float64(len(rtts))
	s.P95RTTMs = rtts[(len(rtts)*95)/100]
	s.AvgOffsetUs = offsetSum / float64(s.Count)
	return s
}
