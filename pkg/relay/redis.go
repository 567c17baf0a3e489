package relay

import (
	"context"
	"encoding/json"

	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "workflow-visualizer"

// Publisher is the part of redis.UniversalClient the sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink mirrors events onto redis pub/sub, one message on
// "<prefix>:events" and one on "<prefix>:task:<id>" per event.
type RedisSink struct {
	client Publisher
	prefix string
}

func NewRedisSink(client Publisher, prefix string) *RedisSink {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisSink{client: client, prefix: prefix}
}

// DialRedis connects to the server at url (redis://...) and pings it.
func DialRedis(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

func (s *RedisSink) Name() string {
	return "redis"
}

func (s *RedisSink) GlobalTopic() string {
	return s.prefix + ":events"
}

func (s *RedisSink) TaskTopic(taskID string) string {
	return s.prefix + ":" + TaskChannel(taskID)
}

func (s *RedisSink) Send(ctx context.Context, event models.Event) error {
	if err := s.publish(ctx, s.GlobalTopic(), Delivery{Channel: GlobalChannel, Event: event}); err != nil {
		return err
	}
	if event.TaskID == "" {
		return nil
	}
	return s.publish(ctx, s.TaskTopic(event.TaskID), Delivery{Channel: TaskChannel(event.TaskID), Event: event})
}

func (s *RedisSink) publish(ctx context.Context, topic string, d Delivery) error {
	payload, err := json.Marshal(d.Message())
	if err != nil {
		return errors.Wrapf(err, "encode %s event", d.Event.Kind)
	}
	if err := s.client.Publish(ctx, topic, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	return nil
}
