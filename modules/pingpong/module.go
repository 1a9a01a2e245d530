// Package pingpong answers /ping so operators can check the bot is reading
// a conversation.
package pingpong

import (
	"context"
	"fmt"
	"time"

	"ex-tally/pkg/otogi"
)

const pingCommandName = "ping"

type Module struct {
	dispatcher otogi.SinkDispatcher
	now        func() time.Time
}

func New() *Module {
	return &Module{now: time.Now}
}

func (m *Module) Name() string {
	return "pingpong"
}

func (m *Module) Spec() otogi.ModuleSpec {
	return otogi.ModuleSpec{
		Handlers: []otogi.ModuleHandler{{
			Capability: otogi.Capability{
				Name:        "ping-command",
				Description: "replies pong! with the delivery latency",
				Interest: otogi.InterestSet{
					Kinds:          []otogi.EventKind{otogi.EventKindCommandReceived},
					Commands:       []string{pingCommandName},
					RequireMessage: true,
				},
				RequiredServices: []string{otogi.ServiceSinkDispatcher},
			},
			Subscription: otogi.SubscriptionSpec{Name: "pingpong"},
			Handler:      m.handlePing,
		}},
		Commands: []otogi.CommandSpec{{Name: pingCommandName, Description: "check that the bot is alive"}},
	}
}

func (m *Module) OnRegister(_ context.Context, runtime otogi.ModuleRuntime) error {
	dispatcher, err := otogi.ResolveAs[otogi.SinkDispatcher](runtime.Services(), otogi.ServiceSinkDispatcher)
	if err != nil {
		return fmt.Errorf("pingpong resolve sink dispatcher: %w", err)
	}
	m.dispatcher = dispatcher

	return nil
}

func (m *Module) OnStart(context.Context) error { return nil }

func (m *Module) OnShutdown(context.Context) error { return nil }

func (m *Module) handlePing(ctx context.Context, event *otogi.Event) error {
	if event == nil || event.Command == nil || event.Command.Name != pingCommandName {
		return nil
	}
	if _, err := otogi.Reply(ctx, m.dispatcher, event, m.pong(event.OccurredAt), nil); err != nil {
		return fmt.Errorf("pingpong send: %w", err)
	}

	return nil
}

// pong leaves out the latency when the event has no timestamp or the clocks
// disagree about ordering.
func (m *Module) pong(occurredAt time.Time) string {
	if occurredAt.IsZero() || m.now == nil {
		return "pong!"
	}
	if latency := m.now().Sub(occurredAt); latency >= 0 {
		return fmt.Sprintf("pong! (%s)", latency.Round(time.Millisecond))
	}

	return "pong!"
}

var (
	_ otogi.Module          = (*Module)(nil)
	_ otogi.ModuleRegistrar = (*Module)(nil)
)
