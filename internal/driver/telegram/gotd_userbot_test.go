package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestGotdUserbotSourceConsume(t *testing.T) {
	t.Parallel()

	inSession := func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }
	message := func(id string) Update { return Update{ID: id, Type: UpdateTypeMessage} }

	tests := []struct {
		name        string
		run         func(ctx context.Context, fn func(context.Context) error) error
		raw         []any
		handlerErr  error
		wantHandled string
		wantSkips   []string
		wantErrSub  string
	}{
		{
			name: "canceled session exits cleanly",
			run: func(ctx context.Context, fn func(context.Context) error) error {
				canceled, cancel := context.WithCancel(ctx)
				cancel()
				return fn(canceled)
			},
		},
		{
			name:        "mapped updates reach the handler and ignored classes do not",
			run:         inSession,
			raw:         []any{message("1"), "typing", message("2")},
			wantHandled: "1,2",
		},
		{
			name:        "broken updates are skipped",
			run:         inSession,
			raw:         []any{message("1"), errors.New("entity missing"), 42, message("3")},
			wantHandled: "1,3",
			wantSkips:   []string{"map *errors.errorString: entity missing", "map int: panic: unexpected int"},
		},
		{
			name:        "handler failure ends the session",
			run:         inSession,
			raw:         []any{message("1"), message("2")},
			handlerErr:  errors.New("bus closed"),
			wantHandled: "1",
			wantErrSub:  "handle message update 1: bus closed",
		},
		{
			name: "session failure",
			run: func(context.Context, func(context.Context) error) error {
				return errors.New("AUTH_KEY_UNREGISTERED")
			},
			wantErrSub: "consume gotd userbot updates: AUTH_KEY_UNREGISTERED",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			updates := make(chan any, len(testCase.raw))
			for _, raw := range testCase.raw {
				updates <- raw
			}
			close(updates)

			var (
				mu    sync.Mutex
				skips []string
			)
			source, err := NewGotdUserbotSource(
				funcUserbotClient(testCase.run),
				staticUpdateStream{updates: updates},
				scriptedRawMapper{},
				WithSkipHandler(func(_ context.Context, err error) {
					mu.Lock()
					skips = append(skips, err.Error())
					mu.Unlock()
				}),
			)
			if err != nil {
				t.Fatalf("NewGotdUserbotSource() error = %v", err)
			}

			var handled []string
			err = source.Consume(context.Background(), func(_ context.Context, update Update) error {
				handled = append(handled, update.ID)
				return testCase.handlerErr
			})

			if testCase.wantErrSub == "" && err != nil {
				t.Fatalf("Consume() error = %v", err)
			}
			if testCase.wantErrSub != "" && (err == nil || !strings.Contains(err.Error(), testCase.wantErrSub)) {
				t.Fatalf("Consume() error = %v, want %q", err, testCase.wantErrSub)
			}
			if got := strings.Join(handled, ","); got != testCase.wantHandled {
				t.Fatalf("handled = %s, want %s", got, testCase.wantHandled)
			}
			mu.Lock()
			defer mu.Unlock()
			if strings.Join(skips, "|") != strings.Join(testCase.wantSkips, "|") {
				t.Fatalf("skips = %q, want %q", skips, testCase.wantSkips)
			}
		})
	}
}

func TestNewGotdUserbotSourceRejectsMissingParts(t *testing.T) {
	t.Parallel()

	client := funcUserbotClient(func(context.Context, func(context.Context) error) error { return nil })
	stream := staticUpdateStream{}
	if _, err := NewGotdUserbotSource(nil, stream, scriptedRawMapper{}); err == nil {
		t.Fatal("nil client accepted")
	}
	if _, err := NewGotdUserbotSource(client, nil, scriptedRawMapper{}); err == nil {
		t.Fatal("nil stream accepted")
	}
	if _, err := NewGotdUserbotSource(client, stream, nil); err == nil {
		t.Fatal("nil mapper accepted")
	}
	source, err := NewGotdUserbotSource(client, stream, scriptedRawMapper{})
	if err != nil {
		t.Fatalf("NewGotdUserbotSource() error = %v", err)
	}
	if err := source.Consume(context.Background(), nil); err == nil {
		t.Fatal("nil handler accepted")
	}
}

type funcUserbotClient func(ctx context.Context, fn func(context.Context) error) error

func (f funcUserbotClient) Run(ctx context.Context, fn func(runCtx context.Context) error) error {
	return f(ctx, fn)
}

type staticUpdateStream struct {
	updates <-chan any
}

func (s staticUpdateStream) Updates(context.Context) (<-chan any, error) {
	return s.updates, nil
}

// scriptedRawMapper accepts Update values, ignores strings, fails on errors
// and panics on anything else.
type scriptedRawMapper struct{}

func (scriptedRawMapper) Map(_ context.Context, raw any) (Update, bool, error) {
	switch value := raw.(type) {
	case Update:
		return value, true, nil
	case string:
		return Update{}, false, nil
	case error:
		return Update{}, false, value
	default:
		panic(fmt.Sprintf("unexpected %T", raw))
	}
}
