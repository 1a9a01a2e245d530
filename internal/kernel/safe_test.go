package kernel

import (
	"errors"
	"strings"
	"testing"
)

func TestRunSafely(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")

	tests := []struct {
		name      string
		fn        func() error
		wantErr   string
		wantPanic bool
	}{
		{name: "success", fn: func() error { return nil }},
		{
			name:    "error is scoped",
			fn:      func() error { return errBoom },
			wantErr: "module tally OnStart: boom",
		},
		{
			name:      "panic becomes PanicError",
			fn:        func() error { panic("nil ledger") },
			wantErr:   "module tally OnStart: panic recovered: nil ledger",
			wantPanic: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := runSafely("module tally OnStart", testCase.fn)
			if testCase.wantErr == "" {
				if err != nil {
					t.Fatalf("runSafely() error = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != testCase.wantErr {
				t.Fatalf("runSafely() error = %v, want %q", err, testCase.wantErr)
			}

			var panicErr *PanicError
			if got := errors.As(err, &panicErr); got != testCase.wantPanic {
				t.Fatalf("errors.As(PanicError) = %v, want %v", got, testCase.wantPanic)
			}
			if testCase.wantPanic && !strings.Contains(string(panicErr.Stack), "runSafely") {
				t.Fatalf("panic stack does not include runSafely:\n%s", panicErr.Stack)
			}
			if !testCase.wantPanic && !errors.Is(err, errBoom) {
				t.Fatalf("runSafely() error = %v, want wrapping %v", err, errBoom)
			}
		})
	}
}
