package timesync

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Sample is one completed round-trip probe against the reference clock.
type Sample struct {
	Offset     time.Duration
	RoundTrip  time.Duration
	CapturedAt time.Time
}

// collect runs n sequential probes, each bounded by timeout. Failed or timed
// out probes are skipped.
func (s *Synchronizer) collect(ctx context.Context) []Sample {
	out := make([]Sample, 0, s.cfg.Probes)
	for i := 0; i < s.cfg.Probes; i++ {
		if ctx.Err() != nil {
			break
		}
		sample, err := s.probeOnce(ctx)
		if err != nil {
			log.Debug().Err(err).Str("module", "timesync").Int("probe", i).Msg("probe failed")
			continue
		}
		out = append(out, sample)
	}
	return out
}

func (s *Synchronizer) probeOnce(ctx context.Context) (Sample, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	t0 := s.clock.Now()
	serverTime, err := s.ref.Probe(probeCtx, t0)
	t3 := s.clock.Now()
	if err != nil {
		return Sample{}, err
	}
	rtt := t3.Sub(t0)
	if rtt < 0 {
		return Sample{}, errNegativeRTT
	}
	return Sample{
		// Symmetric latency: the server read its clock at the midpoint.
		Offset:     serverTime.Sub(t0.Add(rtt / 2)),
		RoundTrip:  rtt,
		CapturedAt: t3,
	}, nil
}

// medianByRTT picks the sample at the median rank of round-trip time. A low
// round trip bounds the offset error tightly, so its offset is taken as is.
func medianByRTT(samples []Sample) Sample {
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RoundTrip < sorted[j].RoundTrip
	})
	return sorted[len(sorted)/2]
}
