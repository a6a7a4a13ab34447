package events

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"nftgate/internal/domain"
)

func TestBusSubscribe(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Type: CacheHit, Key: "abc"})

	select {
	case e := <-ch:
		if e.Type != CacheHit || e.Key != "abc" {
			t.Errorf("unexpected event %+v", e)
		}
		if e.Time.IsZero() {
			t.Error("Publish should stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusPublishNonBlocking(t *testing.T) {
	bus := NewBus(nil)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: BatchProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("Expected 9 dropped deliveries, got %d", got)
	}
}

func TestBusCancel(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("Expected closed channel after cancel")
	}
	bus.Publish(Event{Type: CacheMiss})

	_, cancel2 := bus.Subscribe(1)
	bus.Close()
	cancel2()
}

func TestBusSubscribeFunc(t *testing.T) {
	bus := NewBus(nil)
	var mu sync.Mutex
	var got []Type

	stop := bus.SubscribeFunc(func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})

	bus.Publish(Event{Type: BatchStarted})
	bus.Publish(Event{Type: BatchCompleted})
	stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != BatchStarted || got[1] != BatchCompleted {
		t.Errorf("Expected ordered delivery, got %v", got)
	}
}

func TestNilBus(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: CacheHit})
	if bus.Dropped() != 0 {
		t.Error("nil bus should report no drops")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogSink(logger)(Event{
		Type:     BudgetExceeded,
		Provider: domain.ProviderOpenAI,
		Reason:   "daily_limit_exceeded",
		Amount:   decimal.RequireFromString("2"),
	})

	out := buf.String()
	for _, want := range []string{"level=WARN", "event=budget-exceeded", "provider=openai", "reason=daily_limit_exceeded", "amount=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestNotifySink(t *testing.T) {
	orig := notify
	defer func() { notify = orig }()

	var titles []string
	notify = func(title, body string) error {
		titles = append(titles, title)
		return errors.New("no notification daemon")
	}

	var buf bytes.Buffer
	sink := NotifySink(slog.New(slog.NewTextHandler(&buf, nil)))

	sink(Event{Type: CacheHit})
	sink(Event{Type: BudgetWarning, Period: "monthly", Ratio: 0.8})
	sink(Event{Type: ProviderDisabled, Provider: domain.ProviderGemini})

	if len(titles) != 2 {
		t.Fatalf("Expected 2 notifications, got %v", titles)
	}
	if titles[0] != "Budget warning: global" {
		t.Errorf("unexpected title %q", titles[0])
	}
	if !strings.Contains(buf.String(), "Failed to send desktop notification") {
		t.Error("notification failures should be logged")
	}
}
