package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ex-tally/pkg/otogi"
)

func TestDriverStartSkipsBrokenUpdates(t *testing.T) {
	t.Parallel()

	occurredAt := time.Unix(1_700_000_000, 0).UTC()
	valid := func(id string, text string) Update {
		return Update{
			ID:         id,
			Type:       UpdateTypeMessage,
			OccurredAt: occurredAt,
			Chat:       ChatRef{ID: "-100", Type: otogi.ConversationTypeGroup},
			Actor:      ActorRef{ID: "42"},
			Message:    &MessagePayload{ID: id, Text: text},
		}
	}

	source := &scriptedSource{updates: []Update{
		valid("1", "/lookup Ana"),
		{ID: "2", Type: UpdateType("reaction"), Chat: ChatRef{ID: "-100"}},
		valid("3", "rejected by bus"),
		valid("4", "/reset"),
	}}
	dispatcher := &recordingEventDispatcher{failOn: "3"}
	var (
		mu      sync.Mutex
		skipped []error
	)
	driver, err := NewDriver(source, NewDefaultDecoder(),
		WithName("tg-main"),
		WithErrorHandler(func(_ context.Context, err error) {
			mu.Lock()
			skipped = append(skipped, err)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}

	if err := driver.Start(context.Background(), dispatcher); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := dispatcher.ids(); strings.Join(got, ",") != "1,4" {
		t.Fatalf("published = %v, want [1 4]", got)
	}
	for _, event := range dispatcher.events {
		if event.Source.ID != "tg-main" || event.Source.Platform != DriverPlatform {
			t.Fatalf("event source = %+v, want tg-main telegram", event.Source)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(skipped) != 2 {
		t.Fatalf("skipped = %v, want 2 entries", skipped)
	}
	if !strings.Contains(skipped[0].Error(), "skip update reaction 2") {
		t.Fatalf("skipped[0] = %v, want decode skip", skipped[0])
	}
	if !strings.Contains(skipped[1].Error(), "publish") {
		t.Fatalf("skipped[1] = %v, want publish skip", skipped[1])
	}
}

func TestDriverStartSurvivesDecoderPanic(t *testing.T) {
	t.Parallel()

	source := &scriptedSource{updates: []Update{{ID: "1", Type: UpdateTypeMessage}}}
	var skipped error
	driver, err := NewDriver(source, panickingDecoder{}, WithErrorHandler(func(_ context.Context, err error) {
		skipped = err
	}))
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}

	if err := driver.Start(context.Background(), &recordingEventDispatcher{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if skipped == nil || !strings.Contains(skipped.Error(), "decode panic: bad payload") {
		t.Fatalf("skipped = %v, want decode panic", skipped)
	}
}

func TestDriverStartReportsSourceFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "auth failure is fatal", err: errors.New("AUTH_KEY_UNREGISTERED"), wantErr: true},
		{name: "cancellation is clean", err: context.Canceled},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			driver, err := NewDriver(&scriptedSource{err: testCase.err}, NewDefaultDecoder())
			if err != nil {
				t.Fatalf("NewDriver() error = %v", err)
			}
			err = driver.Start(context.Background(), &recordingEventDispatcher{})
			if testCase.wantErr != (err != nil) {
				t.Fatalf("Start() error = %v, wantErr %v", err, testCase.wantErr)
			}
			if driver.Name() != DriverType {
				t.Fatalf("Name() = %q, want %q", driver.Name(), DriverType)
			}
		})
	}
}

func TestNewDriverRejectsMissingCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := NewDriver(nil, NewDefaultDecoder()); err == nil {
		t.Fatal("NewDriver(nil source) expected error")
	}
	if _, err := NewDriver(&scriptedSource{}, nil); err == nil {
		t.Fatal("NewDriver(nil decoder) expected error")
	}
	driver, err := NewDriver(&scriptedSource{}, NewDefaultDecoder())
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}
	if err := driver.Start(context.Background(), nil); err == nil {
		t.Fatal("Start(nil sink) expected error")
	}
}

// scriptedSource hands a fixed update list to the handler, then returns err.
type scriptedSource struct {
	updates []Update
	err     error
}

func (s *scriptedSource) Consume(ctx context.Context, handler UpdateHandler) error {
	for _, update := range s.updates {
		if err := handler(ctx, update); err != nil {
			return err
		}
	}

	return s.err
}

type recordingEventDispatcher struct {
	failOn string
	events []*otogi.Event
}

func (d *recordingEventDispatcher) Publish(_ context.Context, event *otogi.Event) error {
	if event.ID == d.failOn {
		return errors.New("bus closed")
	}
	d.events = append(d.events, event)

	return nil
}

func (d *recordingEventDispatcher) ids() []string {
	ids := make([]string, 0, len(d.events))
	for _, event := range d.events {
		ids = append(ids, event.ID)
	}

	return ids
}

type panickingDecoder struct{}

func (panickingDecoder) Decode(context.Context, Update) (*otogi.Event, error) {
	panic("bad payload")
}
