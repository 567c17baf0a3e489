package relay_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/naok1207/workflow-visualizer/pkg/relay"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func event(kind models.EventKind, taskID string, n int) models.Event {
	return models.Event{Kind: kind, TaskID: taskID, Data: n}
}

func receive(t *testing.T, sub *relay.Subscriber) relay.Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Events():
		require.True(t, ok, "subscriber closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return relay.Delivery{}
}

func drain(sub *relay.Subscriber) []relay.Delivery {
	var out []relay.Delivery
	for d := range sub.Events() {
		out = append(out, d)
	}
	return out
}

func TestRelay(t *testing.T) {
	t.Run("global subscribers see events in order", func(t *testing.T) {
		r := relay.New()
		r.Start(context.Background())
		sub := r.SubscribeAll()

		for i := 0; i < 10; i++ {
			r.Publish(event(models.ProgressUpdatedEvent, "t1", i))
		}
		r.Close()

		got := drain(sub)
		require.Len(t, got, 10)
		for i, d := range got {
			assert.Equal(t, relay.GlobalChannel, d.Channel)
			assert.Equal(t, i, d.Event.Data)
		}
	})

	t.Run("task subscribers only see their task", func(t *testing.T) {
		r := relay.New()
		r.Start(context.Background())
		sub := r.SubscribeTask("t1")

		r.Publish(event(models.ProgressUpdatedEvent, "t2", 1))
		r.Publish(event(models.ProgressUpdatedEvent, "t1", 2))
		r.Close()

		got := drain(sub)
		require.Len(t, got, 1)
		assert.Equal(t, "task:t1", got[0].Channel)
		assert.Equal(t, 2, got[0].Event.Data)
	})

	t.Run("global subscriber that joined gets both channels", func(t *testing.T) {
		r := relay.New()
		r.Start(context.Background())
		sub := r.SubscribeAll()
		sub.Join("t1")
		assert.Equal(t, []string{"t1"}, sub.Tasks())

		r.Publish(event(models.WorkflowModifiedEvent, "t1", 1))
		r.Close()

		got := drain(sub)
		require.Len(t, got, 2)
		channels := []string{got[0].Channel, got[1].Channel}
		assert.ElementsMatch(t, []string{relay.GlobalChannel, relay.TaskChannel("t1")}, channels)
	})

	t.Run("membership changes apply to later events", func(t *testing.T) {
		r := relay.New()
		r.Start(context.Background())
		defer r.Close()
		sub := r.SubscribeTask("t1")

		r.Publish(event(models.ProgressUpdatedEvent, "t1", 1))
		assert.Equal(t, 1, receive(t, sub).Event.Data)

		sub.Leave("t1")
		sub.Join("t2")
		r.Publish(event(models.ProgressUpdatedEvent, "t1", 2))
		r.Publish(event(models.ProgressUpdatedEvent, "t2", 3))
		assert.Equal(t, 3, receive(t, sub).Event.Data)
	})

	t.Run("full queue drops instead of blocking", func(t *testing.T) {
		r := relay.New(relay.WithQueueSize(2))
		sub := r.SubscribeAll()

		// Not started: the queue fills up.
		for i := 0; i < 5; i++ {
			r.Publish(event(models.ProgressUpdatedEvent, "t1", i))
		}
		r.Close()

		got := drain(sub)
		require.Len(t, got, 2)
		assert.Equal(t, 0, got[0].Event.Data)
		assert.Equal(t, 1, got[1].Event.Data)
	})

	t.Run("slow subscriber loses oldest deliveries", func(t *testing.T) {
		r := relay.New(relay.WithSubscriberBuffer(3))
		r.Start(context.Background())
		slow := r.SubscribeAll()

		for i := 0; i < 6; i++ {
			r.Publish(event(models.ProgressUpdatedEvent, "t1", i))
		}
		r.Close()

		got := drain(slow)
		require.Len(t, got, 3)
		assert.Equal(t, 3, got[0].Event.Data)
		assert.Equal(t, 5, got[2].Event.Data)
		assert.Equal(t, uint64(3), slow.Dropped())
	})

	t.Run("closed subscriber is removed", func(t *testing.T) {
		r := relay.New()
		r.Start(context.Background())
		defer r.Close()

		sub := r.SubscribeAll()
		assert.Equal(t, 1, r.SubscriberCount())
		sub.Close()
		sub.Close()
		assert.Equal(t, 0, r.SubscriberCount())
		_, ok := <-sub.Events()
		assert.False(t, ok)

		r.Publish(event(models.TaskCreatedEvent, "t1", 1))
	})

	t.Run("publish and subscribe after close", func(t *testing.T) {
		r := relay.New()
		r.Start(context.Background())
		r.Close()
		r.Close()

		r.Publish(event(models.TaskCreatedEvent, "t1", 1))
		sub := r.SubscribeAll()
		_, ok := <-sub.Events()
		assert.False(t, ok)
	})

	t.Run("concurrent publishers", func(t *testing.T) {
		r := relay.New(relay.WithQueueSize(1000), relay.WithSubscriberBuffer(1000))
		r.Start(context.Background())
		sub := r.SubscribeAll()

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					r.Publish(event(models.ProgressUpdatedEvent, "t1", i))
				}
			}()
		}
		wg.Wait()
		r.Close()
		assert.Len(t, drain(sub), 200)
	})

	t.Run("subscribers racing close are closed", func(t *testing.T) {
		r := relay.New()
		r.Start(context.Background())

		subs := make(chan *relay.Subscriber, 100)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				subs <- r.SubscribeAll()
			}()
		}
		r.Close()
		wg.Wait()
		close(subs)

		for sub := range subs {
			select {
			case _, ok := <-sub.Events():
				assert.False(t, ok)
			case <-time.After(2 * time.Second):
				t.Fatal("subscriber left open after close")
			}
		}
		assert.Zero(t, r.SubscriberCount())
	})
}

type sinkFunc struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (s *sinkFunc) Name() string { return "test" }

func (s *sinkFunc) Send(_ context.Context, e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

type countingLogger struct {
	mu     sync.Mutex
	errors int
}

func (l *countingLogger) Infof(string, ...interface{}) {}
func (l *countingLogger) Errorf(string, ...interface{}) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

func TestSinks(t *testing.T) {
	t.Run("sink errors are logged and swallowed", func(t *testing.T) {
		sink := &sinkFunc{err: errors.New("unreachable")}
		log := &countingLogger{}
		r := relay.New(relay.WithSink(sink), relay.WithLogger(log))
		r.Start(context.Background())
		sub := r.SubscribeAll()

		r.Publish(event(models.TaskCreatedEvent, "t1", 1))
		r.Publish(event(models.TaskCreatedEvent, "t2", 2))
		r.Close()

		assert.Len(t, drain(sub), 2)
		assert.Len(t, sink.events, 2)
		assert.Equal(t, 2, log.errors)
	})

	t.Run("slow sink is cut off", func(t *testing.T) {
		log := &countingLogger{}
		r := relay.New(
			relay.WithSink(blockingSink{}),
			relay.WithSinkTimeout(20*time.Millisecond),
			relay.WithLogger(log),
		)
		r.Start(context.Background())
		sub := r.SubscribeAll()

		r.Publish(event(models.TaskCreatedEvent, "t1", 1))
		r.Publish(event(models.TaskCreatedEvent, "t2", 2))
		assert.Equal(t, 1, receive(t, sub).Event.Data)
		assert.Equal(t, 2, receive(t, sub).Event.Data)
		r.Close()

		assert.Equal(t, 2, log.errors)
	})
}

type blockingSink struct{}

func (blockingSink) Name() string { return "blocking" }

func (blockingSink) Send(ctx context.Context, _ models.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][]string
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = map[string][]string{}
	}
	f.messages[channel] = append(f.messages[channel], string(message.([]byte)))
	cmd.SetVal(1)
	return cmd
}

func TestRedisSink(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes to global and task topics", func(t *testing.T) {
		pub := &fakePublisher{}
		sink := relay.NewRedisSink(pub, "")
		require.NoError(t, sink.Send(ctx, models.Event{
			Kind:   models.ProgressUpdatedEvent,
			TaskID: "t1",
			Data:   models.ProgressUpdate{TaskID: "t1", Progress: 50},
		}))

		require.Len(t, pub.messages["workflow-visualizer:events"], 1)
		require.Len(t, pub.messages["workflow-visualizer:task:t1"], 1)

		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(pub.messages["workflow-visualizer:task:t1"][0]), &msg))
		assert.Equal(t, "progress_updated", msg["type"])
		assert.Equal(t, "task:t1", msg["channel"])
		data := msg["data"].(map[string]interface{})
		assert.Equal(t, float64(50), data["progress_percentage"])
	})

	t.Run("reports publish errors", func(t *testing.T) {
		sink := relay.NewRedisSink(&fakePublisher{err: errors.New("down")}, "app")
		err := sink.Send(ctx, models.Event{Kind: models.TaskCreatedEvent, TaskID: "t1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "app:events")
	})
}
