// ABOUTME: Per-host command statistics backed by go-metrics.
// ABOUTME: Tracks commands sent, timeouts, unavailability and answer latency.

package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
)

// Stats is a synchronized container for HostStats instances
type Stats struct {
	sync.Mutex
	registry metrics.Registry
	hosts    map[int64]*HostStats
}

// HostStats holds the counters for a single host
type HostStats struct {
	Sent        metrics.Counter
	Timeouts    metrics.Counter
	Unavailable metrics.Counter
	Latency     metrics.Timer
}

// NewStats creates a Stats container registering into registry. A nil
// registry uses the go-metrics default registry.
func NewStats(registry metrics.Registry) *Stats {
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	return &Stats{
		registry: registry,
		hosts:    make(map[int64]*HostStats),
	}
}

// Host returns the stats for hostID, creating them on first use.
func (s *Stats) Host(hostID int64) *HostStats {
	s.Lock()
	defer s.Unlock()

	hs, ok := s.hosts[hostID]
	if !ok {
		prefix := fmt.Sprintf("agent.host%d.", hostID)
		hs = &HostStats{
			Sent:        metrics.GetOrRegisterCounter(prefix+"sent", s.registry),
			Timeouts:    metrics.GetOrRegisterCounter(prefix+"timeouts", s.registry),
			Unavailable: metrics.GetOrRegisterCounter(prefix+"unavailable", s.registry),
			Latency:     metrics.GetOrRegisterTimer(prefix+"latency", s.registry),
		}
		s.hosts[hostID] = hs
	}
	return hs
}

// Hosts returns the ids of instrumented hosts in ascending order.
func (s *Stats) Hosts() []int64 {
	s.Lock()
	defer s.Unlock()

	ids := make([]int64, 0, len(s.hosts))
	for id := range s.hosts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (hs *HostStats) String() string {
	ps := hs.Latency.Percentiles([]float64{0.5, 0.95, 0.99})
	return fmt.Sprintf("sent:%v timeouts:%v unavailable:%v median:%v 95%%:%v 99%%:%v max:%v",
		humanize.Comma(hs.Sent.Count()),
		humanize.Comma(hs.Timeouts.Count()),
		humanize.Comma(hs.Unavailable.Count()),
		time.Duration(int64(ps[0])),
		time.Duration(int64(ps[1])),
		time.Duration(int64(ps[2])),
		time.Duration(hs.Latency.Max()),
	)
}
