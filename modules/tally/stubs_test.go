package tally

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"ex-tally/pkg/otogi"
	"ex-tally/pkg/tally"
)

var (
	testLogConversation     = otogi.Conversation{ID: "-200", Type: otogi.ConversationTypeChannel}
	testSummaryConversation = otogi.Conversation{ID: "-100", Type: otogi.ConversationTypeGroup}
)

func testConfig(t *testing.T) Config {
	t.Helper()

	grammar, err := tally.ResolveGrammar(tally.GrammarFruitChest, nil)
	if err != nil {
		t.Fatalf("resolve grammar failed: %v", err)
	}

	return Config{
		LogTarget:      otogi.OutboundTarget{Conversation: testLogConversation},
		SummaryTarget:  otogi.OutboundTarget{Conversation: testSummaryConversation},
		Interval:       time.Hour,
		FetchWindow:    500,
		PurgeBatchSize: 2,
		PurgePace:      time.Millisecond,
		SuspendTimeout: time.Second,
		ResetTimeout:   time.Minute,
		Grammar:        grammar,
		Cohorts:        tally.DefaultCohorts(),
		Title:          defaultTitle,
		ResetTitle:     defaultResetTitle,
		ItemLabel:      defaultItemLabel,
	}
}

type testDeps struct {
	store       tally.Store
	source      *stubLogSource
	dispatcher  *stubDispatcher
	permissions *stubPermissions
}

func newTestDeps() testDeps {
	return testDeps{
		store:       &tally.MemoryStore{},
		source:      &stubLogSource{},
		dispatcher:  &stubDispatcher{},
		permissions: &stubPermissions{},
	}
}

func newRegisteredModule(t *testing.T, cfg Config, deps testDeps) *Module {
	t.Helper()

	return newRegisteredModuleWithLogger(t, cfg, deps, discardLogger())
}

func newRegisteredModuleWithLogger(t *testing.T, cfg Config, deps testDeps, logger *slog.Logger) *Module {
	t.Helper()

	ledger, err := tally.OpenLedger(context.Background(), deps.store)
	if err != nil {
		t.Fatalf("open ledger failed: %v", err)
	}
	module, err := New(cfg, ledger, WithLogger(logger))
	if err != nil {
		t.Fatalf("new module failed: %v", err)
	}

	runtime := newStubRuntime()
	runtime.services[otogi.ServiceSinkDispatcher] = deps.dispatcher
	runtime.services[otogi.ServiceLogSource] = deps.source
	runtime.services[otogi.ServicePermissionChecker] = deps.permissions
	if err := module.OnRegister(context.Background(), runtime); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	return module
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func purchaseRecord(id otogi.RecordID, account string, quantity int) otogi.LogRecord {
	return otogi.LogRecord{
		ID:   id,
		Text: fmt.Sprintf("🍎 Fruit Chest\nPurchased x%d\nPlayer: %s (12345)", quantity, account),
	}
}

func newCommandEvent(conversation otogi.Conversation, actorID string, name string, value string) *otogi.Event {
	text := "/" + name
	var args []string
	if value != "" {
		text += " " + value
		args = []string{value}
	}

	return &otogi.Event{
		ID:           "tg:message:1:100#command",
		Kind:         otogi.EventKindCommandReceived,
		OccurredAt:   time.Unix(1_700_000_000, 0).UTC(),
		Source:       otogi.EventSource{Platform: otogi.PlatformTelegram, ID: "tg-main"},
		Conversation: conversation,
		Actor:        otogi.Actor{ID: actorID, DisplayName: "Operator"},
		Message:      &otogi.Message{ID: "100", Text: text},
		Command: &otogi.CommandInvocation{
			Name:          name,
			Invoked:       name,
			Prefix:        otogi.CommandPrefixSlash,
			Args:          args,
			Value:         value,
			SourceEventID: "tg:message:1:100",
			RawInput:      text,
		},
	}
}

// stubDispatcher records outbound calls; deleted ids answer edits with not-found.
type stubDispatcher struct {
	mu        sync.Mutex
	nextID    int
	sends     []otogi.SendMessageRequest
	edits     []otogi.EditMessageRequest
	deletes   []otogi.DeleteMessageRequest
	sendErr   error
	editErr   error
	deleteErr error
	deleted   map[string]bool
}

func (d *stubDispatcher) SendMessage(_ context.Context, request otogi.SendMessageRequest) (*otogi.OutboundMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := request.Validate(); err != nil {
		return nil, err
	}
	d.sends = append(d.sends, request)
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	d.nextID++

	return &otogi.OutboundMessage{ID: strconv.Itoa(d.nextID), Target: request.Target}, nil
}

func (d *stubDispatcher) EditMessage(_ context.Context, request otogi.EditMessageRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := request.Validate(); err != nil {
		return err
	}
	d.edits = append(d.edits, request)
	if d.editErr != nil {
		return d.editErr
	}
	if d.deleted[request.MessageID] {
		return fmt.Errorf("edit %s: %w", request.MessageID, otogi.ErrMessageNotFound)
	}

	return nil
}

func (d *stubDispatcher) DeleteMessage(_ context.Context, request otogi.DeleteMessageRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.deletes = append(d.deletes, request)
	if d.deleteErr != nil {
		return d.deleteErr
	}
	if d.deleted == nil {
		d.deleted = make(map[string]bool)
	}
	d.deleted[request.MessageID] = true

	return nil
}

func (d *stubDispatcher) setEditErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.editErr = err
}

func (d *stubDispatcher) setSendErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErr = err
}

func (d *stubDispatcher) sent() []otogi.SendMessageRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]otogi.SendMessageRequest(nil), d.sends...)
}

func (d *stubDispatcher) edited() []otogi.EditMessageRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]otogi.EditMessageRequest(nil), d.edits...)
}

func (d *stubDispatcher) deletedRequests() []otogi.DeleteMessageRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]otogi.DeleteMessageRequest(nil), d.deletes...)
}

// stubLogSource serves an in-memory log conversation.
type stubLogSource struct {
	mu       sync.Mutex
	records  []otogi.LogRecord
	fetchErr error
	purgeErr error
	// purgeFailures are returned one per call before purgeErr is consulted.
	purgeFailures []error
	fetches       []otogi.FetchRecordsRequest
	purgeCalls    int
	// held, when set, parks the next fetch after it read its window.
	held *heldFetch
}

// heldFetch signals started once a fetch read its window, then waits for release.
type heldFetch struct {
	started chan struct{}
	release chan struct{}
}

func (s *stubLogSource) FetchRecords(_ context.Context, request otogi.FetchRecordsRequest) ([]otogi.LogRecord, error) {
	s.mu.Lock()
	records, err := s.windowLocked(request)
	held := s.held
	s.held = nil
	s.mu.Unlock()

	if held != nil {
		close(held.started)
		<-held.release
	}

	return records, err
}

// holdNextFetch parks the next fetch with its window already read.
func (s *stubLogSource) holdNextFetch() *heldFetch {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held = &heldFetch{started: make(chan struct{}), release: make(chan struct{})}

	return s.held
}

func (s *stubLogSource) windowLocked(request otogi.FetchRecordsRequest) ([]otogi.LogRecord, error) {
	s.fetches = append(s.fetches, request)
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}

	newestFirst := s.sortedLocked()
	if request.After == nil {
		return newestFirst[:min(request.Limit, len(newestFirst))], nil
	}

	// Past a checkpoint the window is the oldest Limit records above it.
	pending := slices.DeleteFunc(newestFirst, func(record otogi.LogRecord) bool {
		return record.ID <= *request.After
	})

	return pending[max(0, len(pending)-request.Limit):], nil
}

func (s *stubLogSource) PurgeRecords(_ context.Context, request otogi.PurgeRecordsRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeCalls++
	if len(s.purgeFailures) > 0 {
		err := s.purgeFailures[0]
		s.purgeFailures = s.purgeFailures[1:]
		return 0, err
	}
	if s.purgeErr != nil {
		return 0, s.purgeErr
	}

	newestFirst := s.sortedLocked()
	deleted := min(request.Limit, len(newestFirst))
	s.records = newestFirst[deleted:]

	return deleted, nil
}

func (s *stubLogSource) add(records ...otogi.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

func (s *stubLogSource) setFetchErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr = err
}

func (s *stubLogSource) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

func (s *stubLogSource) lastFetch() (otogi.FetchRecordsRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fetches) == 0 {
		return otogi.FetchRecordsRequest{}, false
	}

	return s.fetches[len(s.fetches)-1], true
}

func (s *stubLogSource) sortedLocked() []otogi.LogRecord {
	sorted := append([]otogi.LogRecord(nil), s.records...)
	slices.SortFunc(sorted, func(left, right otogi.LogRecord) int {
		return cmp.Compare(right.ID, left.ID)
	})

	return sorted
}

type stubPermissions struct {
	mu    sync.Mutex
	admin bool
	err   error
	calls int
}

func (p *stubPermissions) IsAdministrator(context.Context, otogi.OutboundTarget, otogi.Actor) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++

	return p.admin, p.err
}

// flakyStore persists the first allowed writes, then fails.
type flakyStore struct {
	tally.MemoryStore

	mu      sync.Mutex
	allowed int
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) Persist(ctx context.Context, next tally.Snapshot, change tally.Change) error {
	s.mu.Lock()
	if s.allowed <= 0 {
		s.mu.Unlock()
		return errDiskFull
	}
	s.allowed--
	s.mu.Unlock()

	return s.MemoryStore.Persist(ctx, next, change)
}

func (s *flakyStore) allow(writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed = writes
}

type stubRuntime struct {
	services map[string]any
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{services: make(map[string]any)}
}

func (r *stubRuntime) Services() otogi.ServiceRegistry {
	return stubRegistry(r.services)
}

func (r *stubRuntime) Subscribe(
	context.Context,
	otogi.InterestSet,
	otogi.SubscriptionSpec,
	otogi.EventHandler,
) (otogi.Subscription, error) {
	return nil, errors.New("subscribe not supported in tests")
}

type stubRegistry map[string]any

func (r stubRegistry) Register(name string, service any) error {
	if _, exists := r[name]; exists {
		return fmt.Errorf("register %s: %w", name, otogi.ErrServiceAlreadyRegistered)
	}
	r[name] = service

	return nil
}

func (r stubRegistry) Resolve(name string) (any, error) {
	service, exists := r[name]
	if !exists {
		return nil, fmt.Errorf("resolve %s: %w", name, otogi.ErrServiceNotFound)
	}

	return service, nil
}
