package loadtest

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector aggregates metrics from many clients. It is safe for concurrent
// use.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	msgLatencies     []time.Duration
	errors           int
	fallbacks        int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a relay metrics scraper whose report is appended to
// Report's output.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddMsgLatency records one send-to-reply round trip.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	c.mu.Unlock()
}

// AddFallback counts a reply the relay synthesized instead of the backend.
func (c *Collector) AddFallback() {
	c.mu.Lock()
	c.fallbacks++
	c.mu.Unlock()
}

// AddError counts a failed connect or send.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Percentiles summarizes a latency distribution.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summary is the aggregate result of a run.
type Summary struct {
	Elapsed        time.Duration
	Connections    int
	Errors         int
	Fallbacks      int
	ConnectLatency Percentiles
	MsgLatency     Percentiles
}

// Summary computes the aggregate over everything recorded so far.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		Elapsed:        time.Since(c.startTime),
		Connections:    c.connections,
		Errors:         c.errors,
		Fallbacks:      c.fallbacks,
		ConnectLatency: percentiles(c.connectLatencies),
		MsgLatency:     percentiles(c.msgLatencies),
	}
}

// Report writes a human-readable summary to w.
func (c *Collector) Report(w io.Writer) {
	s := c.Summary()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", s.Elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", s.Connections)
	fmt.Fprintf(w, "Errors:       %d\n", s.Errors)
	fmt.Fprintf(w, "Fallbacks:    %d\n", s.Fallbacks)
	if s.Connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(s.Errors)/float64(s.Connections)*100)
	}

	if s.ConnectLatency.N > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		printPercentiles(w, s.ConnectLatency)
	}
	if s.MsgLatency.N > 0 {
		fmt.Fprintln(w, "\n--- Message Latency ---")
		printPercentiles(w, s.MsgLatency)
	}

	c.mu.Lock()
	scraper := c.scraper
	c.mu.Unlock()
	if scraper != nil {
		scraper.Report(w)
	}
	fmt.Fprintln(w)
}

func percentiles(samples []time.Duration) Percentiles {
	n := len(samples)
	if n == 0 {
		return Percentiles{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

func printPercentiles(w io.Writer, p Percentiles) {
	fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}
