package hierarchy

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"goflare.io/strata/internal/models"
)

// Op is the kind of invalidation carried by an Event.
type Op string

const (
	OpDelete     Op = "delete"
	OpInvalidate Op = "invalidate"
	OpClear      Op = "clear"
)

// Event is an invalidation published to peer processes.
type Event struct {
	Origin string   `msgpack:"o"`
	Op     Op       `msgpack:"op"`
	Key    string   `msgpack:"k,omitempty"`
	Tags   []string `msgpack:"t,omitempty"`
}

// Broadcaster relays invalidations between processes over Redis pub/sub so
// that each process can drop stale copies from its private tiers.
type Broadcaster struct {
	client  redis.UniversalClient
	channel string
	origin  string
	pubsub  *redis.PubSub
	logger  *zap.Logger

	wg   sync.WaitGroup
	once sync.Once
}

// NewBroadcaster subscribes to channel and waits for the subscription to be
// confirmed before returning.
func NewBroadcaster(ctx context.Context, client redis.UniversalClient, channel string, logger *zap.Logger) (*Broadcaster, error) {
	if client == nil {
		return nil, errors.New("broadcast: redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, models.MarkUnavailable(err, "broadcast", "subscribe")
	}

	return &Broadcaster{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		pubsub:  pubsub,
		logger:  logger,
	}, nil
}

// Origin identifies this process in published events.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// Publish sends ev to every subscriber, this process included.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) error {
	ev.Origin = b.origin
	data, err := msgpack.Marshal(&ev)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "encode event"), models.ErrSerialization)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return models.MarkUnavailable(err, "broadcast", "publish")
	}
	return nil
}

// Listen delivers events published by other processes to handle until Close.
func (b *Broadcaster) Listen(handle func(context.Context, Event)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range b.pubsub.Channel() {
			var ev Event
			if err := msgpack.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("Ignoring malformed invalidation event", zap.Error(err))
				continue
			}
			if ev.Origin == b.origin {
				continue
			}
			handle(context.Background(), ev)
		}
	}()
}

// Close unsubscribes and waits for the listener to exit.
func (b *Broadcaster) Close() {
	b.once.Do(func() {
		if err := b.pubsub.Close(); err != nil {
			b.logger.Debug("Failed to close subscription", zap.Error(err))
		}
		b.wg.Wait()
	})
}

// AttachBroadcaster publishes this manager's invalidations through b and
// applies peers' invalidations to the tiers that are not shared. It must be
// called before the manager is used concurrently.
func (m *Manager) AttachBroadcaster(b *Broadcaster) {
	m.broadcaster = b
	b.Listen(m.applyRemote)
}

func (m *Manager) publish(ctx context.Context, ev Event) {
	if m.broadcaster == nil {
		return
	}
	if err := m.broadcaster.Publish(ctx, ev); err != nil {
		m.logger.Warn("Failed to broadcast invalidation", zap.String("op", string(ev.Op)), zap.Error(err))
	}
}

func (m *Manager) applyRemote(ctx context.Context, ev Event) {
	if m.closed.Load() {
		return
	}

	var err error
	switch ev.Op {
	case OpDelete:
		err = m.each(ctx, "remote delete", true, func(t Tier) error {
			return t.Adapter.Delete(ctx, ev.Key)
		})
	case OpInvalidate:
		err = m.invalidate(ctx, ev.Tags, true)
	case OpClear:
		err = m.each(ctx, "remote clear", true, func(t Tier) error {
			return t.Adapter.Clear(ctx)
		})
	default:
		m.logger.Warn("Ignoring unknown invalidation event", zap.String("op", string(ev.Op)))
		return
	}
	if err != nil {
		m.logger.Warn("Failed to apply remote invalidation", zap.String("op", string(ev.Op)), zap.Error(err))
	}
}
