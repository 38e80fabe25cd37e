package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/internal/logging"
)

const (
	DefaultBatchSize    = 500
	DefaultHighWater    = 10000
	DefaultPollInterval = 50 * time.Millisecond
)

// HTTPConfig configures an HTTPSink.
type HTTPConfig struct {
	// Endpoint receives POSTed JSON arrays of sequenced events.
	Endpoint string

	// BatchSize caps the number of records per POST.
	BatchSize int

	// HighWater is the queue length above which Write blocks until the
	// delivery worker catches up.
	HighWater int

	// PollInterval is how often a blocked Write rechecks the queue.
	PollInterval time.Duration

	Client *http.Client
	Log    logging.Logger
	Gauge  DepthGauge
}

// Record is the wire form of one sunk event. Seqno increases by one per
// write, so the receiver can detect gaps and restore order.
type Record struct {
	Seqno uint64      `json:"seqno"`
	Event event.Event `json:"event"`
}

// HTTPSink queues events and delivers them to a collector endpoint in
// batches from a background worker. Writes never wait for the network unless
// the queue passes the high-water mark; then they poll until it drains. The
// first delivery failure poisons the sink and surfaces on later writes.
type HTTPSink struct {
	cfg    HTTPConfig
	client *http.Client
	log    logging.Logger

	mu     sync.Mutex
	queue  []Record
	seqno  uint64
	err    error
	closed bool

	wake chan struct{}
	done chan struct{}
}

func NewHTTP(cfg HTTPConfig) (*HTTPSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("http sink needs an endpoint")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Log
	if log == nil {
		log = logging.Noop()
	}

	s := &HTTPSink{
		cfg:    cfg,
		client: client,
		log:    log,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.deliver()
	return s, nil
}

func (s *HTTPSink) Write(e event.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.seqno++
	s.queue = append(s.queue, Record{Seqno: s.seqno, Event: e})
	depth := len(s.queue)
	s.mu.Unlock()
	s.reportDepth(depth)
	s.signal()

	for depth > s.cfg.HighWater {
		time.Sleep(s.cfg.PollInterval)
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return err
		}
		depth = len(s.queue)
		s.mu.Unlock()
	}
	return nil
}

// Close flushes the queue and stops the worker. It returns the first
// delivery error, if any.
func (s *HTTPSink) Close() error {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Depth returns the current queue length.
func (s *HTTPSink) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *HTTPSink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *HTTPSink) reportDepth(depth int) {
	if s.cfg.Gauge != nil {
		s.cfg.Gauge.SetQueueDepth(depth)
	}
}

func (s *HTTPSink) deliver() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		n := len(s.queue)
		if n > s.cfg.BatchSize {
			n = s.cfg.BatchSize
		}
		batch := make([]Record, n)
		copy(batch, s.queue[:n])
		s.mu.Unlock()

		if err := s.post(batch); err != nil {
			s.log.Error(context.Background(), "sink delivery failed",
				logging.String("endpoint", s.cfg.Endpoint),
				logging.Int("batch", len(batch)),
				logging.Err(err))
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.queue = nil
			s.mu.Unlock()
			s.reportDepth(0)
			return
		}

		s.mu.Lock()
		s.queue = s.queue[n:]
		depth := len(s.queue)
		s.mu.Unlock()
		s.reportDepth(depth)
	}
}

func (s *HTTPSink) post(batch []Record) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}
	resp, err := s.client.Post(s.cfg.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("posting batch: collector returned %s", resp.Status)
	}
	return nil
}
