package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// Status values recorded per step. Application errors carry the server's
// error code instead.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

type Record struct {
	Timestamp time.Time
	Kind      string
	Latency   time.Duration
	Status    string
	Room      string
}

type Statistics struct {
	Total        int
	Success      int
	Failed       int
	Connections  int
	Retries      int
	TotalLatency time.Duration
	MinLatency   time.Duration
	MaxLatency   time.Duration
	StartTime    time.Time
	EndTime      time.Time

	Latencies  []time.Duration
	RoomCounts map[string]int
	KindCounts map[string]int
	Failures   map[string]int
}

type event struct {
	rec        Record
	connection bool
	retry      bool
}

// Collector aggregates Records on a single goroutine and mirrors every
// step to CSV.
type Collector struct {
	events chan event
	Done   chan struct{}
	closer io.Closer
	csv    *csv.Writer
	Stats  Statistics
}

// Create opens path for the CSV output.
func Create(path string) (*Collector, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	c, err := NewCollector(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	c.closer = f
	return c, nil
}

func NewCollector(out io.Writer) (*Collector, error) {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"timestamp", "kind", "latency_ms", "status", "room"}); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return &Collector{
		events: make(chan event, 10000),
		Done:   make(chan struct{}),
		csv:    w,
		Stats: Statistics{
			MinLatency: time.Duration(1<<63 - 1),
			RoomCounts: make(map[string]int),
			KindCounts: make(map[string]int),
			Failures:   make(map[string]int),
		},
	}, nil
}

func (c *Collector) Record(r Record) {
	c.events <- event{rec: r}
}

func (c *Collector) RecordConnection() {
	c.events <- event{connection: true}
}

func (c *Collector) RecordRetry() {
	c.events <- event{retry: true}
}

// Start consumes records until Close. Done is closed once the CSV is
// flushed.
func (c *Collector) Start() {
	c.Stats.StartTime = time.Now()
	go func() {
		for e := range c.events {
			switch {
			case e.connection:
				c.Stats.Connections++
			case e.retry:
				c.Stats.Retries++
			default:
				c.add(e.rec)
			}
		}
		c.csv.Flush()
		if c.closer != nil {
			c.closer.Close()
		}
		c.Stats.EndTime = time.Now()
		close(c.Done)
	}()
}

func (c *Collector) add(r Record) {
	s := &c.Stats
	s.Total++
	if r.Status == StatusOK {
		s.Success++
		s.TotalLatency += r.Latency
		s.MinLatency = min(s.MinLatency, r.Latency)
		s.MaxLatency = max(s.MaxLatency, r.Latency)
		s.Latencies = append(s.Latencies, r.Latency)
		s.RoomCounts[r.Room]++
		s.KindCounts[r.Kind]++
	} else {
		s.Failed++
		s.Failures[r.Status]++
	}

	c.csv.Write([]string{
		r.Timestamp.Format(time.RFC3339Nano),
		r.Kind,
		strconv.FormatInt(r.Latency.Milliseconds(), 10),
		r.Status,
		r.Room,
	})
}

func (c *Collector) Close() {
	close(c.events)
}

// Percentiles returns the median, p95 and p99 of successful steps. Call
// it after Done.
func (c *Collector) Percentiles() (median, p95, p99 time.Duration) {
	n := len(c.Stats.Latencies)
	if n == 0 {
		return 0, 0, 0
	}
	slices.Sort(c.Stats.Latencies)
	at := func(q float64) time.Duration {
		return c.Stats.Latencies[min(int(float64(n)*q), n-1)]
	}
	return at(0.5), at(0.95), at(0.99)
}

// WriteSummary prints the run report to w.
func (c *Collector) WriteSummary(w io.Writer) {
	s := c.Stats
	duration := s.EndTime.Sub(s.StartTime).Seconds()
	var throughput, avg float64
	if duration > 0 {
		throughput = float64(s.Success) / duration
	}
	minLatency := s.MinLatency
	if s.Success > 0 {
		avg = float64(s.TotalLatency.Milliseconds()) / float64(s.Success)
	} else {
		minLatency = 0
	}
	median, p95, p99 := c.Percentiles()

	fmt.Fprintln(w, "========= Test Results =========")
	fmt.Fprintf(w, "Total Duration: %.2f seconds\n", duration)
	fmt.Fprintf(w, "Total Steps: %d\n", s.Total)
	fmt.Fprintf(w, "Successful: %d\n", s.Success)
	fmt.Fprintf(w, "Failed: %d\n", s.Failed)
	fmt.Fprintf(w, "Throughput: %.2f steps/sec\n", throughput)
	fmt.Fprintf(w, "Total Connections: %d\n", s.Connections)
	fmt.Fprintf(w, "Total Retries: %d\n", s.Retries)
	fmt.Fprintf(w, "Avg Latency: %.2f ms\n", avg)
	fmt.Fprintf(w, "Min Latency: %d ms\n", minLatency.Milliseconds())
	fmt.Fprintf(w, "Max Latency: %d ms\n", s.MaxLatency.Milliseconds())
	fmt.Fprintf(w, "Median Latency: %d ms\n", median.Milliseconds())
	fmt.Fprintf(w, "P95 Latency: %d ms\n", p95.Milliseconds())
	fmt.Fprintf(w, "P99 Latency: %d ms\n", p99.Milliseconds())

	fmt.Fprintln(w, "\n--- Step Distribution ---")
	for _, k := range sortedKeys(s.KindCounts) {
		fmt.Fprintf(w, "%s: %d\n", k, s.KindCounts[k])
	}
	if len(s.Failures) > 0 {
		fmt.Fprintln(w, "\n--- Failures ---")
		for _, k := range sortedKeys(s.Failures) {
			fmt.Fprintf(w, "%s: %d\n", k, s.Failures[k])
		}
	}
	fmt.Fprintln(w, "================================")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
