package events

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	e := NewEmitter[string](nil)
	got := make(chan string, 1)
	e.Subscribe(func(s string) { got <- s })

	e.Publish("hello")

	select {
	case s := <-got:
		if s != "hello" {
			t.Fatalf("expected 'hello', got %q", s)
		}
	default:
		t.Fatalf("expected the subscriber to be called synchronously")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := NewEmitter[int](nil)
	calls := 0
	unsubscribe := e.Subscribe(func(int) { calls++ })

	e.Publish(1)
	unsubscribe()
	e.Publish(2)

	if calls != 1 {
		t.Fatalf("expected exactly 1 call before unsubscribe, got %d", calls)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	e := NewEmitter[int](nil)
	unsubscribe := e.Subscribe(func(int) {})
	unsubscribe()
	unsubscribe() // must not panic
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	e := NewEmitter[int](nil)
	secondCalled := false
	e.Subscribe(func(int) { panic("boom") })
	e.Subscribe(func(int) { secondCalled = true })

	e.Publish(1)

	if !secondCalled {
		t.Fatalf("expected the second subscriber to still be called after the first panicked")
	}
}

func TestClearRemovesAllSubscribers(t *testing.T) {
	e := NewEmitter[int](nil)
	calls := 0
	e.Subscribe(func(int) { calls++ })
	e.Clear()
	e.Publish(1)
	if calls != 0 {
		t.Fatalf("expected no calls after Clear, got %d", calls)
	}
}
