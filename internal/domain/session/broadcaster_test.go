package session

import (
	"testing"
	"time"
)

func TestBroadcaster_FanOut(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(4, nil)
	defer b.Close()

	a, cancelA := b.Subscribe()
	defer cancelA()
	c, cancelC := b.Subscribe()
	defer cancelC()

	ev := newEvent(EventWarning, time.Minute, epoch)
	if n := b.Publish(ev); n != 2 {
		t.Fatalf("Publish() delivered to %d, want 2", n)
	}
	for _, ch := range []<-chan Event{a, c} {
		got := <-ch
		if got.Type != EventWarning || got.RemainingMs != 60000 {
			t.Errorf("got %+v, want warning with 60000ms", got)
		}
	}
}

func TestBroadcaster_SlowSubscriberStillGetsExpiry(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(2, nil)
	defer b.Close()
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(newEvent(EventCountdown, time.Duration(5-i)*time.Second, epoch))
	}
	if n := b.Publish(newEvent(EventExpired, 0, epoch)); n != 1 {
		t.Fatalf("expired delivered to %d, want 1", n)
	}

	first := <-ch
	second := <-ch
	if first.Type != EventCountdown {
		t.Errorf("first = %v, want countdown", first.Type)
	}
	if second.Type != EventExpired {
		t.Errorf("second = %v, want expired", second.Type)
	}
}

func TestBroadcaster_CancelUnsubscribes(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(1, nil)
	defer b.Close()

	ch, cancel := b.Subscribe()
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", b.Subscribers())
	}
	cancel()
	cancel()
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", b.Subscribers())
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestBroadcaster_Close(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(1, nil)
	ch, cancel := b.Subscribe()
	b.Close()
	b.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
	if n := b.Publish(newEvent(EventExpired, 0, epoch)); n != 0 {
		t.Errorf("Publish() after Close delivered to %d, want 0", n)
	}

	late, _ := b.Subscribe()
	if _, ok := <-late; ok {
		t.Error("Subscribe() after Close should return a closed channel")
	}
}

func TestNewEvent_ClampsNegativeRemaining(t *testing.T) {
	t.Parallel()

	ev := newEvent(EventCountdown, -3*time.Second, epoch)
	if ev.Remaining != 0 || ev.RemainingMs != 0 {
		t.Errorf("got Remaining=%s RemainingMs=%d, want 0", ev.Remaining, ev.RemainingMs)
	}
}

func TestStatus_IsAuthenticated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status Status
		want   bool
	}{
		{Loading, false},
		{Unauthenticated, false},
		{Authenticated, true},
		{Warning(30 * time.Second), true},
		{Expired, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			t.Parallel()
			if got := tt.status.IsAuthenticated(); got != tt.want {
				t.Errorf("IsAuthenticated() = %v, want %v", got, tt.want)
			}
		})
	}
}
