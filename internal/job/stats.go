// ABOUTME: Job lifecycle counters and timers backed by go-metrics.

package job

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
)

// Stats holds the job manager's metrics.
type Stats struct {
	Submitted metrics.Counter
	Rejected  metrics.Counter
	Succeeded metrics.Counter
	Failed    metrics.Counter
	Duplicate metrics.Counter
	Duration  metrics.Timer
}

func newStats(registry metrics.Registry) *Stats {
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	return &Stats{
		Submitted: metrics.GetOrRegisterCounter("jobs.submitted", registry),
		Rejected:  metrics.GetOrRegisterCounter("jobs.rejected", registry),
		Succeeded: metrics.GetOrRegisterCounter("jobs.succeeded", registry),
		Failed:    metrics.GetOrRegisterCounter("jobs.failed", registry),
		Duplicate: metrics.GetOrRegisterCounter("jobs.duplicate_completions", registry),
		Duration:  metrics.GetOrRegisterTimer("jobs.duration", registry),
	}
}

func (s *Stats) String() string {
	return fmt.Sprintf("submitted:%v rejected:%v succeeded:%v failed:%v mean:%v",
		humanize.Comma(s.Submitted.Count()),
		humanize.Comma(s.Rejected.Count()),
		humanize.Comma(s.Succeeded.Count()),
		humanize.Comma(s.Failed.Count()),
		time.Duration(int64(s.Duration.Mean())),
	)
}
