package clock

import (
	"testing"
	"time"
)

func TestFakeNowAdvances(t *testing.T) {
	start := time.Unix(1000, 0)
	f := NewFake(start)
	if !f.Now().Equal(start) {
		t.Fatalf("expected Now() to equal start, got %v", f.Now())
	}
	f.Advance(5 * time.Second)
	if want := start.Add(5 * time.Second); !f.Now().Equal(want) {
		t.Fatalf("expected Now() %v, got %v", want, f.Now())
	}
}

func TestFakeTimerFiresOnAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ch, stop := f.NewTimer(10 * time.Second)
	defer stop()

	select {
	case <-ch:
		t.Fatalf("timer fired before deadline")
	default:
	}

	f.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatalf("timer fired before its full duration elapsed")
	default:
	}

	f.Advance(5 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatalf("timer did not fire once its deadline passed")
	}
}

func TestFakeTimerStopPreventsFire(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ch, stop := f.NewTimer(time.Second)
	if !stop() {
		t.Fatalf("expected first Stop() call to report true")
	}
	if stop() {
		t.Fatalf("expected second Stop() call to report false")
	}
	f.Advance(time.Minute)
	select {
	case <-ch:
		t.Fatalf("stopped timer must not fire")
	default:
	}
}

func TestFakeTickerFiresRepeatedly(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ch, stop := f.NewTicker(time.Second)
	defer stop()

	f.Advance(3 * time.Second)

	count := 0
drain:
	for {
		select {
		case <-ch:
			count++
		default:
			break drain
		}
	}
	if count == 0 {
		t.Fatalf("expected at least one tick after advancing past the period")
	}
}

func TestRealClockNotNil(t *testing.T) {
	if Real == nil {
		t.Fatalf("Real must be a non-nil Clock")
	}
	if Real.Now().IsZero() {
		t.Fatalf("Real.Now() must not be zero")
	}
}
