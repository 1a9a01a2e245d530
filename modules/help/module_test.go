package help

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ex-tally/pkg/otogi"
)

var testCatalog = []otogi.RegisteredCommand{
	{ModuleName: "tally", Command: otogi.CommandSpec{Name: "reset", Aliases: []string{"reiniciar", "limpar"}, Description: "zero the tally"}},
	{ModuleName: "tally", Command: otogi.CommandSpec{Name: "lookup", Usage: "<name>", Description: "show account totals"}},
	{ModuleName: "help", Command: otogi.CommandSpec{Name: "help", Description: "show all available commands"}},
	{ModuleName: "pingpong", Command: otogi.CommandSpec{Name: "ping"}},
}

func TestRenderHelp(t *testing.T) {
	t.Parallel()

	text, entities := renderHelp(testCatalog)
	if err := otogi.ValidateTextEntities(text, entities); err != nil {
		t.Fatalf("entities invalid: %v", err)
	}

	want := strings.Join([]string{
		"Available commands",
		"",
		"help",
		"/help - show all available commands",
		"",
		"pingpong",
		"/ping",
		"",
		"tally",
		"/lookup <name> - show account totals",
		"/reset - zero the tally (also /reiniciar, /limpar)",
		"",
		"Every command also works with the ! prefix.",
	}, "\n")
	if text != want {
		t.Fatalf("text =\n%s\nwant\n%s", text, want)
	}

	styled := map[otogi.TextEntityType]int{}
	for _, entity := range entities {
		styled[entity.Type]++
	}
	if styled[otogi.TextEntityTypeBold] != 1 || styled[otogi.TextEntityTypeItalic] != 3 || styled[otogi.TextEntityTypeCode] != 5 {
		t.Fatalf("entity counts = %v", styled)
	}
}

func TestRenderHelpEmptyAndUnnamed(t *testing.T) {
	t.Parallel()

	if text, _ := renderHelp(nil); text != "Available commands\n(none)" {
		t.Fatalf("empty catalog text = %q", text)
	}
	text, _ := renderHelp([]otogi.RegisteredCommand{{Command: otogi.CommandSpec{Name: "Stray"}}})
	if !strings.Contains(text, "\n\nother\n/stray") {
		t.Fatalf("text = %q, want unnamed module under other", text)
	}
}

func TestHandleHelp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		event    *otogi.Event
		catalog  fixedCatalog
		sendErr  error
		wantErr  string
		wantSent bool
	}{
		{name: "replies with the catalog", event: commandEvent("help"), catalog: fixedCatalog{commands: testCatalog}, wantSent: true},
		{name: "other commands ignored", event: commandEvent("ping")},
		{name: "plain messages ignored", event: &otogi.Event{Kind: otogi.EventKindMessageCreated}},
		{name: "catalog failure", event: commandEvent("help"), catalog: fixedCatalog{err: errors.New("closed")}, wantErr: "help list commands"},
		{name: "send failure", event: commandEvent("help"), sendErr: errors.New("flood"), wantErr: "help send", wantSent: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			dispatcher := &replyRecorder{err: testCase.sendErr}
			module := &Module{dispatcher: dispatcher, catalog: testCase.catalog}

			err := module.handleHelp(context.Background(), testCase.event)
			if testCase.wantErr == "" && err != nil {
				t.Fatalf("handleHelp() error = %v", err)
			}
			if testCase.wantErr != "" && (err == nil || !strings.Contains(err.Error(), testCase.wantErr)) {
				t.Fatalf("handleHelp() error = %v, want %q", err, testCase.wantErr)
			}
			if sent := len(dispatcher.requests) > 0; sent != testCase.wantSent {
				t.Fatalf("sent = %v, want %v", sent, testCase.wantSent)
			}
			if !testCase.wantSent {
				return
			}

			request := dispatcher.requests[0]
			if request.ReplyToMessageID != "msg-1" || request.Target.Sink == nil || request.Target.Sink.ID != "tg-main" {
				t.Fatalf("request = %+v, want reply to msg-1 through tg-main", request)
			}
		})
	}
}

func TestOnRegister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		services map[string]any
		wantErr  string
	}{
		{
			name: "both services",
			services: map[string]any{
				otogi.ServiceSinkDispatcher: &replyRecorder{},
				otogi.ServiceCommandCatalog: fixedCatalog{},
			},
		},
		{name: "no dispatcher", services: map[string]any{otogi.ServiceCommandCatalog: fixedCatalog{}}, wantErr: "sink dispatcher"},
		{name: "no catalog", services: map[string]any{otogi.ServiceSinkDispatcher: &replyRecorder{}}, wantErr: "command catalog"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := New().OnRegister(context.Background(), runtimeStub{services: testCase.services})
			if testCase.wantErr == "" && err != nil {
				t.Fatalf("OnRegister() error = %v", err)
			}
			if testCase.wantErr != "" && (err == nil || !strings.Contains(err.Error(), testCase.wantErr)) {
				t.Fatalf("OnRegister() error = %v, want %q", err, testCase.wantErr)
			}
		})
	}
}

func TestSpecDeclaresHelpCommand(t *testing.T) {
	t.Parallel()

	spec := New().Spec()
	if len(spec.Commands) != 1 || spec.Commands[0].Validate() != nil || spec.Commands[0].Name != helpCommandName {
		t.Fatalf("commands = %+v, want one valid /help", spec.Commands)
	}
	interest := spec.Handlers[0].Capability.Interest
	if !interest.RequireMessage || len(interest.Commands) != 1 || interest.Commands[0] != helpCommandName {
		t.Fatalf("interest = %+v", interest)
	}
}

func commandEvent(name string) *otogi.Event {
	return &otogi.Event{
		ID:           "event-1#command",
		Kind:         otogi.EventKindCommandReceived,
		Source:       otogi.EventSource{Platform: otogi.PlatformTelegram, ID: "tg-main"},
		Conversation: otogi.Conversation{ID: "42", Type: otogi.ConversationTypePrivate},
		Message:      &otogi.Message{ID: "msg-1", Text: "/" + name},
		Command:      &otogi.CommandInvocation{Name: name, Invoked: name, Prefix: otogi.CommandPrefixSlash},
	}
}

type replyRecorder struct {
	requests []otogi.SendMessageRequest
	err      error
}

func (r *replyRecorder) SendMessage(_ context.Context, request otogi.SendMessageRequest) (*otogi.OutboundMessage, error) {
	r.requests = append(r.requests, request)
	if r.err != nil {
		return nil, r.err
	}
	return &otogi.OutboundMessage{ID: "sent-1", Target: request.Target}, nil
}

func (*replyRecorder) EditMessage(context.Context, otogi.EditMessageRequest) error { return nil }

func (*replyRecorder) DeleteMessage(context.Context, otogi.DeleteMessageRequest) error { return nil }

type fixedCatalog struct {
	commands []otogi.RegisteredCommand
	err      error
}

func (c fixedCatalog) ListCommands(context.Context) ([]otogi.RegisteredCommand, error) {
	return c.commands, c.err
}

type runtimeStub struct {
	services map[string]any
}

func (s runtimeStub) Services() otogi.ServiceRegistry { return serviceMap(s.services) }

func (runtimeStub) Subscribe(context.Context, otogi.InterestSet, otogi.SubscriptionSpec, otogi.EventHandler) (otogi.Subscription, error) {
	return nil, nil
}

type serviceMap map[string]any

func (serviceMap) Register(string, any) error { return nil }

func (m serviceMap) Resolve(name string) (any, error) {
	value, ok := m[name]
	if !ok {
		return nil, otogi.ErrServiceNotFound
	}
	return value, nil
}
