package system

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"time"
)

type Stats struct {
	Hits        uint64            `json:"hits"`
	Uptime      float64           `json:"uptime"`  // seconds
	Average     float64           `json:"average"` // hits per second since boot
	Submissions map[string]uint64 `json:"submissions"`
}

// Stats returns totals, including hits not yet flushed to the store.
func (s *System) Stats() Stats {
	stats := Stats{Submissions: make(map[string]uint64)}

	s.fmu.Lock()
	// under fmu so flushed never runs ahead of hits
	hits := s.hits.Load()
	stats.Hits = hits - s.flushed
	if s.store != nil {
		counters, err := s.store.Counters()
		if err != nil {
			s.log.Error().Err(err).Msg("reading stats")
		}
		for k, v := range counters {
			if k == keyHits {
				stats.Hits += v
			} else if o, ok := strings.CutPrefix(k, keySubmissionsPfx); ok {
				stats.Submissions[o] = v
			}
		}
	}
	s.fmu.Unlock()

	if d := time.Since(s.t1).Truncate(time.Second); d > 0 {
		stats.Uptime = d.Seconds()
		stats.Average = math.Round(float64(hits)/stats.Uptime*100) / 100
	}
	return stats
}

func (s *System) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		s.log.Warn().Err(err).Msg("writing status")
	}
}
