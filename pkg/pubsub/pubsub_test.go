package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.Channel():
		return e
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
		return nil
	}
}

func TestBasicPubSub(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	sub, err := ps.Subscribe(context.Background(), TopicHostDisconnected)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}

	want := HostDisconnected{HostID: "h1", Cause: "storage lost"}
	if err := ps.Publish(context.Background(), want); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if got := receive(t, sub); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestTopicIsolation(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	added, _ := ps.Subscribe(context.Background(), TopicHostAdded)
	connected, _ := ps.Subscribe(context.Background(), TopicHostConnected)

	_ = ps.Publish(context.Background(), HostConnected{HostID: "h1", NodeID: "n1"})

	if _, ok := receive(t, connected).(HostConnected); !ok {
		t.Error("expected HostConnected")
	}
	select {
	case e := <-added.Channel():
		t.Errorf("host.added subscriber received %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishBlocksInsteadOfDropping(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	sub, _ := ps.Subscribe(context.Background(), TopicNodeLeft)

	total := DefaultBuffer * 3
	go func() {
		for i := 0; i < total; i++ {
			_ = ps.Publish(context.Background(), NodeLeft{NodeID: "n"})
		}
	}()

	for i := 0; i < total; i++ {
		receive(t, sub)
	}
}

func TestPublishHonoursContext(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	_, _ = ps.Subscribe(context.Background(), TopicNodeLeft)
	for i := 0; i < DefaultBuffer; i++ {
		_ = ps.Publish(context.Background(), NodeLeft{})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := ps.Publish(ctx, NodeLeft{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Publish on full buffer = %v, want deadline exceeded", err)
	}
}

func TestContextCancellationUnsubscribes(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := ps.Subscribe(ctx, TopicHostAdded)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not ended by context")
	}

	deadline := time.Now().Add(time.Second)
	for ps.GetSubscriberCount(TopicHostAdded) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandleFiltersByType(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	sub, _ := ps.Subscribe(context.Background(), TopicHostDisconnected)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	go func() {
		Handle(sub, func(_ context.Context, e HostDisconnected) {
			mu.Lock()
			got = append(got, e.HostID)
			mu.Unlock()
		})
		close(done)
	}()

	for _, id := range []string{"a", "b", "c"} {
		_ = ps.Publish(context.Background(), HostDisconnected{HostID: id})
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handled %d events, want 3", n)
		}
		time.Sleep(time.Millisecond)
	}

	sub.Unsubscribe()
	<-done
	if got[0] != "a" || got[2] != "c" {
		t.Errorf("order = %v", got)
	}
}

func TestShutdown(t *testing.T) {
	ps := NewPubSub()

	sub, _ := ps.Subscribe(context.Background(), TopicHostAdded)
	ps.Shutdown()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end on shutdown")
	}

	if _, err := ps.Subscribe(context.Background(), TopicHostAdded); !errors.Is(err, ErrShutdown) {
		t.Errorf("Subscribe after shutdown = %v, want ErrShutdown", err)
	}
	if err := ps.Publish(context.Background(), HostAdded{}); !errors.Is(err, ErrShutdown) {
		t.Errorf("Publish after shutdown = %v, want ErrShutdown", err)
	}
}
