// Package audit records connection lifecycle events to an external sink.
// Recording is fire-and-forget: a bounded channel feeds a single worker,
// and events are dropped (counted) rather than ever blocking a
// connection teardown path.
package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ConnectionEvent is emitted once per connection when its lifecycle
// reaches Closed.
type ConnectionEvent struct {
	ConnectionID int64      `json:"connection_id"`
	Wallet       string     `json:"wallet,omitempty"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	CloseCode    int        `json:"close_code,omitempty"`
	CloseReason  string     `json:"close_reason,omitempty"`
	Topics       []string   `json:"topics,omitempty"`
	MessagesIn   int64      `json:"messages_in"`
	MessagesOut  int64      `json:"messages_out"`
}

// Sink accepts connection events. Implementations must not block the
// caller.
type Sink interface {
	Record(event ConnectionEvent)
}

// LogSink writes events as structured log lines. It stands in for the
// platform's persistent audit store, which consumes the same JSON shape.
type LogSink struct {
	logger  zerolog.Logger
	events  chan ConnectionEvent
	dropped int64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewLogSink(logger zerolog.Logger, buffer int) *LogSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &LogSink{
		logger: logger.With().Str("component", "audit").Logger(),
		events: make(chan ConnectionEvent, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record enqueues an event. Never blocks; a full buffer drops the event
// and bumps a counter.
func (s *LogSink) Record(event ConnectionEvent) {
	select {
	case s.events <- event:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (s *LogSink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

func (s *LogSink) run() {
	defer s.wg.Done()
	for event := range s.events {
		entry := s.logger.Info().
			Int64("connection_id", event.ConnectionID).
			Time("opened_at", event.OpenedAt).
			Int64("messages_in", event.MessagesIn).
			Int64("messages_out", event.MessagesOut).
			Strs("topics", event.Topics)
		if event.Wallet != "" {
			entry = entry.Str("wallet", event.Wallet)
		}
		if event.ClosedAt != nil {
			entry = entry.Time("closed_at", *event.ClosedAt)
		}
		if event.CloseCode != 0 {
			entry = entry.Int("close_code", event.CloseCode)
		}
		if event.CloseReason != "" {
			entry = entry.Str("close_reason", event.CloseReason)
		}
		entry.Msg("connection ended")
	}
}

// Close drains buffered events and stops the worker.
func (s *LogSink) Close() {
	s.closeOnce.Do(func() {
		close(s.events)
		s.wg.Wait()
	})
}
