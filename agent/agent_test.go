package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/voxtura/chorus/config"
	"github.com/voxtura/chorus/session"
	"github.com/voxtura/chorus/workspace"
)

func testConfig() *config.Config {
	return &config.Config{
		DefaultAgent:   "copilot",
		TimeoutSeconds: 2,
		Cache:          config.Cache{TTLSeconds: 300},
		Context:        config.Context{MaxSymbols: 8},
		Providers: []config.Provider{
			{ID: "copilot", Transport: "acp", Command: "copilot-agent"},
			{ID: "copilot", Transport: "api", API: "openai", Model: "gpt-4o-mini"},
			{ID: "copilot", Transport: "local-exec", Command: "ollama-chat"},
			{ID: "claude", Transport: "api", API: "anthropic", Model: "claude-sonnet-4-20250514"},
		},
	}
}

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	t.Chdir(t.TempDir())
	sess, err := session.New("test")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return New(testConfig(), sess, false)
}

// countingProvider registers a fake transport and returns its invocation
// counter.
func countingProvider(d *Dispatcher, name, reply string) *atomic.Int64 {
	var calls atomic.Int64
	d.providers[name] = &Provider{
		ID:   name,
		Kind: KindAPI,
		send: func(ctx context.Context, req Request) (string, error) {
			calls.Add(1)
			return reply, nil
		},
	}
	return &calls
}

func TestCacheHitSkipsTransport(t *testing.T) {
	d := testDispatcher(t)
	calls := countingProvider(d, "copilot", "cached answer")

	first, err := d.SendMessage(context.Background(), "what is a goroutine?", Options{})
	if err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	second, err := d.SendMessage(context.Background(), "what is a goroutine?", Options{})
	if err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if first != second {
		t.Errorf("cache returned a different response: %q vs %q", first, second)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("transport invoked %d times, want 1", got)
	}

	// A different message is a different key.
	if _, err := d.SendMessage(context.Background(), "what is a channel?", Options{}); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("transport invoked %d times after new message, want 2", got)
	}

	// So is the same message with different context.
	snap := &workspace.Snapshot{Cwd: "/tmp/proj", SymbolCount: 3}
	if _, err := d.SendMessage(context.Background(), "what is a channel?", Options{Context: snap}); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("transport invoked %d times after context change, want 3", got)
	}
}

func TestNoCacheAlwaysDispatches(t *testing.T) {
	d := testDispatcher(t)
	calls := countingProvider(d, "copilot", "fresh")

	for i := 0; i < 3; i++ {
		if _, err := d.SendMessage(context.Background(), "same message", Options{NoCache: true}); err != nil {
			t.Fatal(err)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("transport invoked %d times with cache bypassed, want 3", got)
	}
}

func TestCacheHitStillRecordsHistory(t *testing.T) {
	d := testDispatcher(t)
	countingProvider(d, "copilot", "answer")

	d.SendMessage(context.Background(), "q", Options{})
	d.SendMessage(context.Background(), "q", Options{})

	msgs := d.sess.Messages
	if len(msgs) != 4 {
		t.Fatalf("expected 4 history turns (2 per call), got %d", len(msgs))
	}
	wantRoles := []string{"user", "assistant", "user", "assistant"}
	for i, m := range msgs {
		if m.Role != wantRoles[i] {
			t.Errorf("turn %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
	}
	if msgs[3].Content != "answer" || msgs[3].Agent != "copilot" {
		t.Errorf("cached assistant turn not recorded: %+v", msgs[3])
	}
}

func TestInitFallbackOrdering(t *testing.T) {
	d := testDispatcher(t)

	var attempted []string
	d.build = func(ctx context.Context, pc config.Provider) (*Provider, error) {
		attempted = append(attempted, pc.Transport)
		if pc.Transport == "acp" {
			return nil, errors.New("binary not on PATH")
		}
		return &Provider{ID: pc.ID, Kind: TransportKind(pc.Transport), Model: pc.Model}, nil
	}

	if err := d.Init(context.Background(), "copilot"); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	// ACP was tried first, the API link won, and the chain stopped there.
	if len(attempted) != 2 || attempted[0] != "acp" || attempted[1] != "api" {
		t.Errorf("attempted transports %v, want [acp api]", attempted)
	}

	p := d.providers["copilot"]
	if p.Kind != KindAPI {
		t.Errorf("selected kind %s, want api", p.Kind)
	}
	if !p.Fallback {
		t.Error("a non-first link must be recorded as a fallback")
	}
}

func TestInitFirstLinkNotMarkedFallback(t *testing.T) {
	d := testDispatcher(t)
	d.build = func(ctx context.Context, pc config.Provider) (*Provider, error) {
		return &Provider{ID: pc.ID, Kind: TransportKind(pc.Transport)}, nil
	}
	if err := d.Init(context.Background(), "copilot"); err != nil {
		t.Fatal(err)
	}
	if d.providers["copilot"].Fallback {
		t.Error("first link of the chain must not be marked as a fallback")
	}
}

func TestInitAllLinksFail(t *testing.T) {
	d := testDispatcher(t)
	d.build = func(ctx context.Context, pc config.Provider) (*Provider, error) {
		return nil, fmt.Errorf("%s unavailable", pc.Transport)
	}

	err := d.Init(context.Background(), "copilot")
	if err == nil {
		t.Fatal("expected an error when every link fails")
	}
	if !strings.Contains(err.Error(), "copilot") {
		t.Errorf("error does not name the provider: %v", err)
	}
	if _, ok := d.providers["copilot"]; ok {
		t.Error("a failed init must not register a provider")
	}
}

func TestSendToUninitializedProvider(t *testing.T) {
	d := testDispatcher(t)

	_, err := d.SendMessage(context.Background(), "hello", Options{})
	var notInit *NotInitializedError
	if !errors.As(err, &notInit) {
		t.Fatalf("expected NotInitializedError, got %v", err)
	}
	if notInit.Provider != "copilot" {
		t.Errorf("error names provider %q, want the default", notInit.Provider)
	}
	if !strings.Contains(err.Error(), "chorus -init copilot") {
		t.Errorf("error must name the remediation command: %v", err)
	}
}

func TestTransportFailureWrapsDispatchError(t *testing.T) {
	d := testDispatcher(t)
	cause := errors.New("connection reset")
	d.providers["copilot"] = &Provider{
		ID:   "copilot",
		Kind: KindAPI,
		send: func(ctx context.Context, req Request) (string, error) {
			return "", cause
		},
	}

	_, err := d.SendMessage(context.Background(), "hello", Options{})
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("DispatchError must preserve the underlying cause")
	}

	// A failed dispatch records the user turn but no assistant turn and
	// nothing in the cache.
	if len(d.sess.Messages) != 1 || d.sess.Messages[0].Role != "user" {
		t.Errorf("unexpected history after failure: %+v", d.sess.Messages)
	}
	d.cache.mu.Lock()
	cached := len(d.cache.entries)
	d.cache.mu.Unlock()
	if cached != 0 {
		t.Error("failed responses must not be cached")
	}
}

func TestAgentResolutionOrder(t *testing.T) {
	d := testDispatcher(t)
	copilotCalls := countingProvider(d, "copilot", "from copilot")
	claudeCalls := countingProvider(d, "claude", "from claude")

	// No explicit target, no active agent: the configured default.
	if _, err := d.SendMessage(context.Background(), "a", Options{}); err != nil {
		t.Fatal(err)
	}
	if copilotCalls.Load() != 1 {
		t.Error("default agent was not targeted")
	}

	// Per-call override wins.
	if _, err := d.SendMessage(context.Background(), "b", Options{Agent: "claude"}); err != nil {
		t.Fatal(err)
	}
	if claudeCalls.Load() != 1 {
		t.Error("per-call agent override was not honored")
	}

	// Active agent overrides the default but not the per-call option.
	if err := d.SetActiveAgent("claude"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.SendMessage(context.Background(), "c", Options{}); err != nil {
		t.Fatal(err)
	}
	if claudeCalls.Load() != 2 {
		t.Error("active agent was not targeted")
	}
	if _, err := d.SendMessage(context.Background(), "d", Options{Agent: "copilot"}); err != nil {
		t.Fatal(err)
	}
	if copilotCalls.Load() != 2 {
		t.Error("per-call override lost to the active agent")
	}
}

func TestSetActiveAgentRequiresInitialized(t *testing.T) {
	d := testDispatcher(t)
	var notInit *NotInitializedError
	if err := d.SetActiveAgent("claude"); !errors.As(err, &notInit) {
		t.Fatalf("expected NotInitializedError, got %v", err)
	}
}

func TestDisposeTearsDownEveryProvider(t *testing.T) {
	d := testDispatcher(t)

	var disposed []string
	for _, name := range []string{"copilot", "claude"} {
		name := name
		d.providers[name] = &Provider{
			ID:   name,
			Kind: KindACP,
			dispose: func() error {
				disposed = append(disposed, name)
				return nil
			},
		}
	}

	if err := d.Dispose(); err != nil {
		t.Fatalf("dispose failed: %v", err)
	}
	if len(disposed) != 2 {
		t.Errorf("disposed %v, want both providers", disposed)
	}
	if len(d.providers) != 0 {
		t.Error("registry not emptied after dispose")
	}

	// After disposal the dispatcher behaves as uninitialized.
	var notInit *NotInitializedError
	if _, err := d.SendMessage(context.Background(), "x", Options{}); !errors.As(err, &notInit) {
		t.Errorf("expected NotInitializedError after dispose, got %v", err)
	}

	// Idempotent.
	if err := d.Dispose(); err != nil {
		t.Errorf("second dispose failed: %v", err)
	}
}

func TestDisposeContinuesPastFailures(t *testing.T) {
	d := testDispatcher(t)

	var survivorDisposed bool
	d.providers["copilot"] = &Provider{
		ID:      "copilot",
		dispose: func() error { return errors.New("kill failed") },
	}
	d.providers["claude"] = &Provider{
		ID: "claude",
		dispose: func() error {
			survivorDisposed = true
			return nil
		},
	}

	err := d.Dispose()
	if err == nil {
		t.Fatal("expected the first disposal failure to be reported")
	}
	if !survivorDisposed {
		t.Error("a disposal failure must not stop the remaining teardowns")
	}
}

func TestContextBlockReachesTransport(t *testing.T) {
	d := testDispatcher(t)

	var got Request
	d.providers["copilot"] = &Provider{
		ID:   "copilot",
		Kind: KindAPI,
		send: func(ctx context.Context, req Request) (string, error) {
			got = req
			return "ok", nil
		},
	}

	snap := &workspace.Snapshot{
		Cwd:         "/tmp/proj",
		SymbolCount: 12,
		TopSymbols:  []string{"Dispatcher", "Client"},
	}
	if _, err := d.SendMessage(context.Background(), "explain", Options{Context: snap}); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(got.ContextBlock, "Working directory: /tmp/proj") {
		t.Errorf("context block missing snapshot data: %q", got.ContextBlock)
	}
	last := got.History[len(got.History)-1]
	if !strings.Contains(last.Content, "explain") || !strings.Contains(last.Content, "## Project context") {
		t.Errorf("final history turn not augmented with context: %q", last.Content)
	}
	// The stored history keeps the raw message, not the augmented copy.
	if d.sess.Messages[0].Content != "explain" {
		t.Errorf("session history was mutated: %q", d.sess.Messages[0].Content)
	}
}

func TestStatusesReflectRegistry(t *testing.T) {
	d := testDispatcher(t)
	d.providers["copilot"] = &Provider{
		ID:       "copilot",
		Kind:     KindAPI,
		Model:    "gpt-4o-mini",
		Fallback: true,
	}

	statuses := d.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("expected a row per logical provider, got %d", len(statuses))
	}
	byID := make(map[string]Status)
	for _, s := range statuses {
		byID[s.ID] = s
	}
	cp := byID["copilot"]
	if !cp.Initialized || !cp.Fallback || cp.Kind != KindAPI || !cp.Active {
		t.Errorf("copilot status wrong: %+v", cp)
	}
	if byID["claude"].Initialized {
		t.Error("claude should be uninitialized")
	}
}
