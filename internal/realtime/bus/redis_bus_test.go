package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
	"github.com/yungbote/inferbridge-backend/internal/realtime"
)

type fakeBus struct {
	onEvent func(Event)
}

func (f *fakeBus) Publish(_ context.Context, ev Event) error {
	if f.onEvent != nil {
		f.onEvent(ev)
	}
	return nil
}

func (f *fakeBus) StartForwarder(_ context.Context, onEvent func(Event)) error {
	f.onEvent = onEvent
	return nil
}

func (f *fakeBus) Close() error { return nil }

func TestNotifierForwardsToHub(t *testing.T) {
	log := logger.Nop()
	hub := realtime.NewHub(log, nil)
	c := hub.NewConn("a@example.com")
	hub.Register(c)

	b := &fakeBus{}
	if err := ForwardToHub(context.Background(), b, hub); err != nil {
		t.Fatalf("ForwardToHub: %v", err)
	}
	n := NewNotifier(b)
	if err := n.Notify(context.Background(), "a@example.com", realtime.JobCompleted, realtime.Params{UserEmail: "a@example.com", JobID: "j-1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case msg := <-c.Outbound:
		if msg.Type != realtime.JobCompleted {
			t.Fatalf("got %s", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message forwarded")
	}
	if err := n.Notify(context.Background(), "a@example.com", realtime.MessageType("nope"), realtime.Params{}); err == nil {
		t.Fatalf("invalid type: expected error")
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	defer rdb.Close()

	b, err := NewRedisBus(logger.Nop(), rdb, "test:"+uuid.NewString())
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	if err := b.StartForwarder(ctx, func(ev Event) { got <- ev }); err != nil {
		t.Fatalf("StartForwarder: %v", err)
	}
	want := Event{UserID: "a@example.com", Type: realtime.JobFailed, Params: realtime.Params{UserEmail: "a@example.com", JobID: "j-1"}}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case ev := <-got:
		if ev.UserID != want.UserID || ev.Type != want.Type || ev.Params.JobID != "j-1" {
			t.Fatalf("event mismatch: %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}
