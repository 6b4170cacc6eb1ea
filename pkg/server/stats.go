package server

import (
	"sort"
	"strconv"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Stats counts connection outcomes. Workers and the acceptor update it
// concurrently without sharing the queue lock.
type Stats struct {
	accepted   *xsync.Counter
	dropped    *xsync.Counter
	timeouts   *xsync.Counter
	pollErrors *xsync.Counter
	cgiRuns    *xsync.Counter
	responses  *xsync.MapOf[int, *xsync.Counter]
}

func newStats() *Stats {
	return &Stats{
		accepted:   xsync.NewCounter(),
		dropped:    xsync.NewCounter(),
		timeouts:   xsync.NewCounter(),
		pollErrors: xsync.NewCounter(),
		cgiRuns:    xsync.NewCounter(),
		responses:  xsync.NewMapOf[int, *xsync.Counter](),
	}
}

func (s *Stats) status(code int) {
	c, _ := s.responses.LoadOrCompute(code, xsync.NewCounter)
	c.Inc()
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Accepted   int64
	Dropped    int64
	Timeouts   int64
	PollErrors int64
	CGIRuns    int64

	// Responses counts responses framed by the server, by status code.
	// Output relayed verbatim from CGI programs is only counted in CGIRuns.
	Responses map[int]int64
}

func (s *Stats) snapshot() Snapshot {
	snap := Snapshot{
		Accepted:   s.accepted.Value(),
		Dropped:    s.dropped.Value(),
		Timeouts:   s.timeouts.Value(),
		PollErrors: s.pollErrors.Value(),
		CGIRuns:    s.cgiRuns.Value(),
		Responses:  map[int]int64{},
	}
	s.responses.Range(func(code int, c *xsync.Counter) bool {
		snap.Responses[code] = c.Value()
		return true
	})
	return snap
}

// MarshalZerologObject lets a Snapshot be logged with Event.Object.
func (s Snapshot) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("accepted", s.Accepted).
		Int64("dropped", s.Dropped).
		Int64("timeouts", s.Timeouts).
		Int64("poll_errors", s.PollErrors).
		Int64("cgi_runs", s.CGIRuns)

	codes := make([]int, 0, len(s.Responses))
	for code := range s.Responses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	d := zerolog.Dict()
	for _, code := range codes {
		d.Int64(strconv.Itoa(code), s.Responses[code])
	}
	e.Dict("responses", d)
}
