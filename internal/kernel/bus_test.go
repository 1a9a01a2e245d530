package kernel

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"ex-tally/pkg/otogi"
)

var createdOnly = otogi.InterestSet{Kinds: []otogi.EventKind{otogi.EventKindMessageCreated}}

func TestEventBusDeliversByInterest(t *testing.T) {
	t.Parallel()

	backup := newTestEvent("backup", otogi.EventKindMessageCreated)
	backup.Source.ID = "tg-backup"

	tests := []struct {
		name     string
		interest otogi.InterestSet
		publish  []*otogi.Event
		want     string
	}{
		{
			name:     "kind filter",
			interest: createdOnly,
			publish: []*otogi.Event{
				newTestEvent("edited", otogi.EventKindMessageEdited),
				newTestEvent("created", otogi.EventKindMessageCreated),
			},
			want: "created",
		},
		{
			name: "source filter",
			interest: otogi.InterestSet{
				Kinds:   createdOnly.Kinds,
				Sources: []otogi.EventSource{{ID: "tg-main"}},
			},
			publish: []*otogi.Event{backup, newTestEvent("main", otogi.EventKindMessageCreated)},
			want:    "main",
		},
		{
			name: "command filter",
			interest: otogi.InterestSet{
				Kinds:    []otogi.EventKind{otogi.EventKindCommandReceived},
				Commands: []string{"ping"},
			},
			publish: []*otogi.Event{
				newTestEvent("line", otogi.EventKindMessageCreated),
				newTestEvent("ping", otogi.EventKindCommandReceived),
			},
			want: "ping",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			bus := newTestBus(t, 8, nil)
			received := make(chan string, len(testCase.publish))
			_, err := bus.Subscribe(context.Background(), testCase.interest, otogi.SubscriptionSpec{},
				func(_ context.Context, event *otogi.Event) error {
					received <- event.ID
					return nil
				})
			if err != nil {
				t.Fatalf("Subscribe() error = %v", err)
			}
			for _, event := range testCase.publish {
				if err := bus.Publish(context.Background(), event); err != nil {
					t.Fatalf("Publish(%s) error = %v", event.ID, err)
				}
			}

			select {
			case id := <-received:
				if id != testCase.want {
					t.Fatalf("received %s, want %s", id, testCase.want)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for delivery")
			}
		})
	}
}

func TestEventBusBackpressure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		policy    otogi.BackpressurePolicy
		want      []string
		wantDrops int
	}{
		{name: "drop newest", policy: otogi.BackpressureDropNewest, want: []string{"e1", "e2"}, wantDrops: 1},
		{name: "drop oldest", policy: otogi.BackpressureDropOldest, want: []string{"e1", "e3"}},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			reports := &reportLog{}
			bus := newTestBus(t, 1, reports.record)
			gate := newGatedHandler()
			_, err := bus.Subscribe(context.Background(), createdOnly,
				otogi.SubscriptionSpec{Name: "ledger", Backpressure: testCase.policy}, gate.handle)
			if err != nil {
				t.Fatalf("Subscribe() error = %v", err)
			}

			publishHeld(t, bus, gate, "e1", "e2", "e3")
			gate.open()

			eventually(t, 2*time.Second, func() bool { return len(gate.seen()) == len(testCase.want) })
			if got := gate.seen(); !slices.Equal(got, testCase.want) {
				t.Fatalf("handled %v, want %v", got, testCase.want)
			}
			if got := len(reports.errors()); got != testCase.wantDrops {
				t.Fatalf("reported %d drops, want %d", got, testCase.wantDrops)
			}
		})
	}
}

func TestEventBusBlockPolicyHonorsContext(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, 1, nil)
	gate := newGatedHandler()
	_, err := bus.Subscribe(context.Background(), createdOnly,
		otogi.SubscriptionSpec{Name: "ledger", Backpressure: otogi.BackpressureBlock}, gate.handle)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	publishHeld(t, bus, gate, "e1", "e2")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = bus.Publish(ctx, newTestEvent("e3", otogi.EventKindMessageCreated))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Publish() error = %v, want deadline exceeded", err)
	}

	gate.open()
	eventually(t, 2*time.Second, func() bool { return len(gate.seen()) == 2 })
}

func TestEventBusCountsDrops(t *testing.T) {
	t.Parallel()

	reports := &reportLog{}
	bus := newTestBus(t, 1, reports.record)
	gate := newGatedHandler()
	if _, err := bus.Subscribe(context.Background(), createdOnly, otogi.SubscriptionSpec{Name: "slow"}, gate.handle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	publishHeld(t, bus, gate, "e1", "e2", "e3", "e4")
	gate.open()

	got := reports.errors()
	if len(got) != 2 {
		t.Fatalf("reported %v, want 2 drops", got)
	}
	for _, err := range got {
		if !errors.Is(err, otogi.ErrEventDropped) {
			t.Fatalf("reported %v, want %v", err, otogi.ErrEventDropped)
		}
	}
	if !strings.Contains(got[1].Error(), "e4 (2 dropped)") {
		t.Fatalf("second drop = %v, want running count", got[1])
	}
}

func TestEventBusReportsHandlerFailures(t *testing.T) {
	t.Parallel()

	reports := &reportLog{}
	bus := newTestBus(t, 4, reports.record)
	calls := 0
	_, err := bus.Subscribe(context.Background(), createdOnly, otogi.SubscriptionSpec{Name: "flaky"},
		func(context.Context, *otogi.Event) error {
			calls++
			if calls == 1 {
				panic("ledger corrupt")
			}
			return errors.New("store unavailable")
		})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	for _, id := range []string{"e1", "e2"} {
		if err := bus.Publish(context.Background(), newTestEvent(id, otogi.EventKindMessageCreated)); err != nil {
			t.Fatalf("Publish(%s) error = %v", id, err)
		}
	}

	eventually(t, 2*time.Second, func() bool { return len(reports.errors()) == 2 })
	got := reports.errors()
	var panicked *PanicError
	if !errors.As(got[0], &panicked) || panicked.Value != "ledger corrupt" {
		t.Fatalf("first report = %v, want recovered panic", got[0])
	}
	if !strings.Contains(got[1].Error(), "handle message.created e2: subscription flaky worker 0: store unavailable") {
		t.Fatalf("second report = %v", got[1])
	}
}

func TestEventBusRejects(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, *otogi.Event) error { return nil }
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		run  func(bus *EventBus) error
		want error
	}{
		{
			name: "nil event",
			run:  func(bus *EventBus) error { return bus.Publish(context.Background(), nil) },
		},
		{
			name: "invalid event",
			run:  func(bus *EventBus) error { return bus.Publish(context.Background(), &otogi.Event{ID: "e1"}) },
		},
		{
			name: "unknown backpressure",
			run: func(bus *EventBus) error {
				_, err := bus.Subscribe(context.Background(), otogi.InterestSet{},
					otogi.SubscriptionSpec{Backpressure: "spill"}, noop)
				return err
			},
			want: otogi.ErrInvalidSubscription,
		},
		{
			name: "nil handler",
			run: func(bus *EventBus) error {
				_, err := bus.Subscribe(context.Background(), otogi.InterestSet{}, otogi.SubscriptionSpec{}, nil)
				return err
			},
		},
		{
			name: "canceled subscribe",
			run: func(bus *EventBus) error {
				_, err := bus.Subscribe(canceled, otogi.InterestSet{}, otogi.SubscriptionSpec{}, noop)
				return err
			},
			want: context.Canceled,
		},
		{
			name: "publish after close",
			run: func(bus *EventBus) error {
				if err := bus.Close(context.Background()); err != nil {
					return nil
				}
				return bus.Publish(context.Background(), newTestEvent("e1", otogi.EventKindMessageCreated))
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.run(newTestBus(t, 4, nil))
			if err == nil {
				t.Fatal("expected error")
			}
			if testCase.want != nil && !errors.Is(err, testCase.want) {
				t.Fatalf("error = %v, want %v", err, testCase.want)
			}
		})
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, 4, nil)
	received := make(chan string, 4)
	sub, err := bus.Subscribe(context.Background(), createdOnly, otogi.SubscriptionSpec{},
		func(_ context.Context, event *otogi.Event) error {
			received <- event.ID
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sub.Name() != "subscription-1" {
		t.Fatalf("Name() = %q, want generated name", sub.Name())
	}
	for range 2 {
		if err := sub.Close(context.Background()); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}

	if err := bus.Publish(context.Background(), newTestEvent("late", otogi.EventKindMessageCreated)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case id := <-received:
		t.Fatalf("closed subscription received %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBusFillsSpecDefaults(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(otogi.SubscriptionSpec{Buffer: 16, Workers: 2, HandlerTimeout: time.Second}, nil)
	got := bus.fill(otogi.SubscriptionSpec{Workers: 4}, 7)
	want := otogi.SubscriptionSpec{
		Name:           "subscription-7",
		Buffer:         16,
		Workers:        4,
		HandlerTimeout: time.Second,
		Backpressure:   otogi.BackpressureDropNewest,
	}
	if got != want {
		t.Fatalf("fill() = %+v, want %+v", got, want)
	}
}

func newTestBus(t *testing.T, buffer int, report AsyncErrorFunc) *EventBus {
	t.Helper()

	bus := NewEventBus(otogi.SubscriptionSpec{Buffer: buffer, Workers: 1, HandlerTimeout: time.Second}, report)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	return bus
}

// publishHeld publishes ids in order, waiting after the first until the
// gated handler holds it, so the rest meet a busy worker.
func publishHeld(t *testing.T, bus *EventBus, gate *gatedHandler, ids ...string) {
	t.Helper()

	for index, id := range ids {
		if err := bus.Publish(context.Background(), newTestEvent(id, otogi.EventKindMessageCreated)); err != nil {
			t.Fatalf("Publish(%s) error = %v", id, err)
		}
		if index > 0 {
			continue
		}
		select {
		case <-gate.holding:
		case <-time.After(time.Second):
			t.Fatal("handler never picked up the first event")
		}
	}
}

// gatedHandler holds its first event until open is called.
type gatedHandler struct {
	holding chan struct{}
	release chan struct{}
	once    sync.Once

	mu      sync.Mutex
	handled []string
}

func newGatedHandler() *gatedHandler {
	return &gatedHandler{holding: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedHandler) handle(ctx context.Context, event *otogi.Event) error {
	g.once.Do(func() {
		g.holding <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
		}
	})
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handled = append(g.handled, event.ID)

	return nil
}

func (g *gatedHandler) open() {
	close(g.release)
}

func (g *gatedHandler) seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return slices.Clone(g.handled)
}

type reportLog struct {
	mu   sync.Mutex
	errs []error
}

func (r *reportLog) record(_ context.Context, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *reportLog) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.errs)
}

func newTestEvent(id string, kind otogi.EventKind) *otogi.Event {
	event := &otogi.Event{
		ID:           id,
		Kind:         kind,
		OccurredAt:   time.Now().UTC(),
		Source:       otogi.EventSource{Platform: otogi.PlatformTelegram, ID: "tg-main"},
		Conversation: otogi.Conversation{ID: "-1001000", Type: otogi.ConversationTypeGroup},
		Actor:        otogi.Actor{ID: "7001"},
		Message:      &otogi.Message{ID: "42", Text: "12,50 almoço"},
	}
	if kind == otogi.EventKindCommandReceived {
		event.Message.Text = "/" + id
		event.Command = &otogi.CommandInvocation{Name: id, Invoked: id, SourceEventID: id}
	}

	return event
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
