package telegram

import (
	"context"
	"fmt"
	"sync"
)

// sessionGate opens once the Telegram session is authorized and its peers are
// warmed up. A nil gate is always open.
type sessionGate struct {
	opened chan struct{}
	once   sync.Once
}

func newSessionGate() *sessionGate {
	return &sessionGate{opened: make(chan struct{})}
}

func (g *sessionGate) open() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		close(g.opened)
	})
}

// wait blocks until the gate opens or ctx ends.
func (g *sessionGate) wait(ctx context.Context) error {
	if g == nil {
		return nil
	}

	select {
	case <-g.opened:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for telegram session: %w", ctx.Err())
	}
}
