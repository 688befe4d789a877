package hub

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/BranchManager69/degenduel-sub000/internal/metrics"
	"github.com/BranchManager69/degenduel-sub000/internal/protocol"
)

// slowClientStrikes is how many consecutive failed enqueues a connection
// gets before it is disconnected for falling behind.
const slowClientStrikes = 3

// Dispatcher fans envelopes out to a topic's subscribers or to a
// specific identity's connections. Delivery is best-effort and
// independent per subscriber: one failed send never prevents delivery to
// the rest and never raises past this boundary. Per-connection ordering
// is the single writePump consuming each send queue.
type Dispatcher struct {
	registry *Registry
	topics   *TopicIndex
	codec    *protocol.Codec
	logger   zerolog.Logger
}

func NewDispatcher(registry *Registry, topics *TopicIndex, codec *protocol.Codec, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		topics:   topics,
		codec:    codec,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Publish delivers an envelope to every current subscriber of a topic
// and returns how many accepted it. The envelope is serialized once for
// all subscribers.
func (d *Dispatcher) Publish(topic string, env *protocol.Envelope) int {
	subscribers := d.topics.Subscribers(topic)
	if len(subscribers) == 0 {
		return 0
	}

	data, err := d.codec.Encode(env)
	if err != nil {
		d.logger.Error().Err(err).Str("topic", topic).Msg("failed to encode broadcast")
		return 0
	}

	metrics.BroadcastsTotal.WithLabelValues(topic).Inc()

	delivered := 0
	for _, c := range subscribers {
		if d.deliver(c, data) {
			delivered++
		} else {
			metrics.BroadcastDrops.WithLabelValues(topic).Inc()
		}
	}
	return delivered
}

// SendToIdentity delivers an envelope to every connection authenticated
// as the given wallet.
func (d *Dispatcher) SendToIdentity(wallet string, env *protocol.Envelope) int {
	conns := d.registry.FindByIdentity(wallet)
	if len(conns) == 0 {
		return 0
	}

	data, err := d.codec.Encode(env)
	if err != nil {
		d.logger.Error().Err(err).Str("wallet", wallet).Msg("failed to encode identity send")
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if d.deliver(c, data) {
			delivered++
		}
	}
	return delivered
}

// SendTo delivers an envelope to a single connection.
func (d *Dispatcher) SendTo(c *Conn, env *protocol.Envelope) bool {
	data, err := d.codec.Encode(env)
	if err != nil {
		d.logger.Error().Err(err).Int64("conn_id", c.ID).Msg("failed to encode send")
		return false
	}
	return d.deliver(c, data)
}

// deliver enqueues without blocking. A full buffer is a strike; three
// consecutive strikes disconnect the client asynchronously so a slow
// subscriber can never stall the fan-out for the others.
func (d *Dispatcher) deliver(c *Conn, data []byte) bool {
	if c.enqueue(data) {
		atomic.StoreInt32(&c.strikes, 0)
		return true
	}

	if c.isClosed() {
		return false
	}

	strikes := atomic.AddInt32(&c.strikes, 1)
	if strikes == slowClientStrikes {
		d.logger.Warn().
			Int64("conn_id", c.ID).
			Int32("strikes", strikes).
			Msg("disconnecting slow client")
		metrics.SlowClientDisconnects.Inc()
		// Cleanup happens off the fan-out path.
		go d.registry.Unregister(c)
	}
	return false
}
