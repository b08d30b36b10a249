package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Oudwins/storyd/internals/notify"
)

const DefaultChannelPrefix = "owner:"

type Config struct {
	URL           string
	Client        *redis.Client
	ChannelPrefix string
	Buffer        int
	Logger        *slog.Logger
}

// Broker publishes owner events on Redis channels so every server process
// sharing the Redis instance can reach the owner's connections.
type Broker struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	buffer     int
	logger     *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Broker, error) {
	client := cfg.Client
	ownsClient := false
	if client == nil {
		if cfg.URL == "" {
			return nil, errors.New("redis url is required")
		}
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
		ownsClient = true
	}
	if err := client.Ping(ctx).Err(); err != nil {
		if ownsClient {
			_ = client.Close()
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = notify.DefaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{client: client, ownsClient: ownsClient, prefix: prefix, buffer: buffer, logger: logger}, nil
}

func (b *Broker) Channel(owner string) string {
	return b.prefix + owner
}

func (b *Broker) Publish(ctx context.Context, owner string, event notify.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.Channel(owner), data).Err()
}

// Subscribe opens one Redis subscription for the owner channel. The
// subscription is confirmed before it is returned.
func (b *Broker) Subscribe(ctx context.Context, owner string) (notify.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.Channel(owner))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.Channel(owner), err)
	}

	sub := &subscription{
		pubsub: pubsub,
		events: make(chan notify.Event, b.buffer),
		done:   make(chan struct{}),
	}
	go sub.forward(pubsub.Channel(), b.logger.With(slog.String("owner", owner)))
	return sub, nil
}

func (b *Broker) Close() error {
	if !b.ownsClient {
		return nil
	}
	return b.client.Close()
}

type subscription struct {
	pubsub *redis.PubSub
	events chan notify.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) forward(messages <-chan *redis.Message, logger *slog.Logger) {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			event, err := Decode(msg.Payload)
			if err != nil {
				logger.Warn("Discarding malformed event", slog.String("channel", msg.Channel), slog.String("error", err.Error()))
				continue
			}
			select {
			case s.events <- event:
			default:
				logger.Warn("Dropped event for slow subscriber", slog.String("taskId", event.TaskID))
			}
		}
	}
}

func (s *subscription) Events() <-chan notify.Event {
	return s.events
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func Decode(payload string) (notify.Event, error) {
	var event notify.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return notify.Event{}, err
	}
	if event.Type == "" || event.TaskID == "" {
		return notify.Event{}, errors.New("event type and task id are required")
	}
	return event, nil
}
