package loadtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// metricSnapshot holds the relay metrics observed by one scrape.
type metricSnapshot struct {
	timestamp     time.Time
	connections   float64
	registered    float64
	messagesTotal float64
	fallbacks     float64
	breakerState  float64
	// histogram _sum and _count, summed over queues
	brokerSum   float64
	brokerCount float64
}

// Scraper periodically fetches the relay's Prometheus endpoint and keeps the
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start scrapes once immediately, then every interval until ctx is done or
// Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// the relay may not be up yet
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (metricSnapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return metricSnapshot{}, errors.Wrap(err, "loadtest: scrape")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metricSnapshot{}, errors.Errorf("loadtest: scrape returned %d", resp.StatusCode)
	}
	return parseSnapshot(resp.Body, time.Now())
}

func parseSnapshot(r io.Reader, at time.Time) (metricSnapshot, error) {
	snap := metricSnapshot{timestamp: at}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "relay_connections_total":
			snap.connections = value
		case "relay_registered_conversations":
			snap.registered = value
		case "relay_messages_total":
			// one line per type label
			snap.messagesTotal += value
		case "relay_fallbacks_total":
			snap.fallbacks += value
		case "relay_breaker_state":
			snap.breakerState = math.Max(snap.breakerState, value)
		case "relay_broker_request_duration_seconds_sum":
			snap.brokerSum += value
		case "relay_broker_request_duration_seconds_count":
			snap.brokerCount += value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a Prometheus text exposition line into the metric
// name without labels and its value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		name = raw[:idx]
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", 0, false
		}
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	// a trailing timestamp is optional
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes initial, final, delta and peak values of each tracked metric.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]metricSnapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Relay Metrics (no data collected) ---")
		return
	}

	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Relay Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(metricSnapshot) float64
	}{
		{"Connections", func(s metricSnapshot) float64 { return s.connections }},
		{"Registered", func(s metricSnapshot) float64 { return s.registered }},
		{"Messages Total", func(s metricSnapshot) float64 { return s.messagesTotal }},
		{"Fallbacks", func(s metricSnapshot) float64 { return s.fallbacks }},
		{"Breaker State", func(s metricSnapshot) float64 { return s.breakerState }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, row := range rows {
		initial, final := row.extract(first), row.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			row.label, initial, final, final-initial, peakValue(snaps, row.extract))
	}

	fmt.Fprintln(w)
	if count := last.brokerCount - first.brokerCount; count > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n",
			"Broker Latency", (last.brokerSum-first.brokerSum)/count, count)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Broker Latency")
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
