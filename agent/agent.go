package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/voxtura/chorus/acp"
	"github.com/voxtura/chorus/config"
	"github.com/voxtura/chorus/errors"
	"github.com/voxtura/chorus/llm"
	"github.com/voxtura/chorus/session"
	"github.com/voxtura/chorus/workspace"
)

// TransportKind labels the channel mechanics used to reach a provider.
type TransportKind string

const (
	KindACP   TransportKind = "acp"
	KindAPI   TransportKind = "api"
	KindLocal TransportKind = "local-exec"
)

// Provider is one initialized backend in the registry.
type Provider struct {
	ID       string
	Kind     TransportKind
	Model    string
	Tier     string
	Fallback bool // true when a later link of the init chain was selected

	send    func(ctx context.Context, req Request) (string, error)
	dispose func() error
	alive   func() bool
}

// Request is the uniform payload handed to a provider's transport. History
// already carries the context-augmented user turn as its last element; the
// raw message and context block are available separately for transports that
// compose their own prompt.
type Request struct {
	Message      string
	ContextBlock string
	History      []session.Message
	Options      llm.Options
}

// Options controls one SendMessage call.
type Options struct {
	Agent       string
	Context     *workspace.Snapshot
	NoCache     bool
	MaxTokens   int
	Temperature float64
}

// Status describes one registry entry for display.
type Status struct {
	ID          string
	Kind        TransportKind
	Model       string
	Tier        string
	Fallback    bool
	Alive       bool
	Active      bool
	Initialized bool
}

// Dispatcher is the single entry point for sending prompts. It exclusively
// owns the provider registry and the response cache.
type Dispatcher struct {
	cfg  *config.Config
	sess *session.Session

	mu        sync.Mutex
	providers map[string]*Provider
	active    string

	cache   *responseCache
	timeout time.Duration
	trace   bool

	// build constructs a provider from one fallback candidate. Tests swap it
	// to inject counting transports.
	build func(ctx context.Context, pc config.Provider) (*Provider, error)
}

// New creates a Dispatcher over the given config and conversation history.
func New(cfg *config.Config, sess *session.Session, trace bool) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		sess:      sess,
		providers: make(map[string]*Provider),
		cache:     newResponseCache(time.Duration(cfg.Cache.TTLSeconds) * time.Second),
		timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		trace:     trace,
	}
	d.build = d.buildProvider
	return d
}

// Init initializes a logical provider by walking its fallback chain in
// order: ACP agent, then native API, then local model. The first candidate
// that initializes wins; later links are recorded as fallbacks.
func (d *Dispatcher) Init(ctx context.Context, name string) error {
	chain := d.cfg.Chain(name)
	if len(chain) == 0 {
		return errors.New("unknown provider '%s'", name)
	}

	var lastErr error
	for i, candidate := range chain {
		p, err := d.build(ctx, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		p.Fallback = i > 0

		d.mu.Lock()
		d.providers[name] = p
		d.mu.Unlock()
		return nil
	}
	return errors.Wrapf(lastErr, "no transport available for provider '%s'", name)
}

// SendMessage resolves the target provider, consults the cache, and
// dispatches the prompt. User turns append to history in issuance order;
// assistant turns append in completion order.
func (d *Dispatcher) SendMessage(ctx context.Context, message string, opts Options) (string, error) {
	name := d.resolveAgent(opts.Agent)

	d.mu.Lock()
	provider, ok := d.providers[name]
	d.mu.Unlock()
	if !ok {
		return "", &NotInitializedError{Provider: name}
	}

	contextBlock := ""
	if opts.Context != nil && !opts.Context.Empty() {
		contextBlock = workspace.Pack(*opts.Context, d.cfg.Context.MaxSymbols)
	}
	contextHash := hashContext(opts.Context)

	if !opts.NoCache {
		if cached, hit := d.cache.get(message, contextHash); hit {
			// History reflects user intent even when the transport is
			// skipped, so both turns still append.
			d.mu.Lock()
			d.sess.AddUser(message)
			d.sess.AddAssistant(cached, name)
			d.mu.Unlock()
			return cached, nil
		}
	}

	d.mu.Lock()
	d.sess.AddUser(message)
	req := Request{
		Message:      message,
		ContextBlock: contextBlock,
		History:      augmentedHistory(d.sess.Messages, contextBlock),
		Options: llm.Options{
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		},
	}
	d.mu.Unlock()

	// One overall deadline regardless of transport kind.
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	response, err := provider.send(ctx, req)
	if err != nil {
		return "", &DispatchError{Provider: name, Err: err}
	}

	d.mu.Lock()
	d.sess.AddAssistant(response, name)
	d.mu.Unlock()
	d.cache.put(message, contextHash, response)
	return response, nil
}

// SetActiveAgent switches the default target for subsequent calls. The
// provider must already be initialized.
func (d *Dispatcher) SetActiveAgent(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.providers[name]; !ok {
		return &NotInitializedError{Provider: name}
	}
	d.active = name
	return nil
}

// ActiveAgent returns the provider a bare SendMessage would target.
func (d *Dispatcher) ActiveAgent() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolveLocked("")
}

// Statuses lists every configured logical provider and its registry state.
func (d *Dispatcher) Statuses() []Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Status
	for _, name := range d.cfg.LogicalNames() {
		s := Status{ID: name}
		if p, ok := d.providers[name]; ok {
			s.Initialized = true
			s.Kind = p.Kind
			s.Model = p.Model
			s.Tier = p.Tier
			s.Fallback = p.Fallback
			s.Alive = p.alive == nil || p.alive()
			s.Active = d.resolveLocked("") == name
		}
		out = append(out, s)
	}
	return out
}

// Dispose tears down every provider, killing owned subprocesses, and empties
// the registry. A partial disposal is a resource leak, so all providers are
// attempted even if some fail.
func (d *Dispatcher) Dispose() error {
	d.mu.Lock()
	providers := d.providers
	d.providers = make(map[string]*Provider)
	d.active = ""
	d.mu.Unlock()

	var firstErr error
	for name, p := range providers {
		if p.dispose == nil {
			continue
		}
		if err := p.dispose(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to dispose provider '%s'", name)
		}
	}
	return firstErr
}

func (d *Dispatcher) resolveAgent(requested string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolveLocked(requested)
}

func (d *Dispatcher) resolveLocked(requested string) string {
	if requested != "" {
		return requested
	}
	if d.active != "" {
		return d.active
	}
	return d.cfg.DefaultAgent
}

// buildProvider constructs one registry entry from a fallback candidate.
func (d *Dispatcher) buildProvider(ctx context.Context, pc config.Provider) (*Provider, error) {
	switch pc.Transport {
	case string(KindACP):
		wd, _ := os.Getwd()
		client, err := acp.Spawn(acp.Options{
			Command:    pc.Command,
			Args:       pc.Args,
			Workdir:    wd,
			Timeout:    d.timeout,
			FSAccess:   d.cfg.FilesystemAcces,
			MCPServers: d.cfg.MCPServers,
			Trace:      d.trace,
		})
		if err != nil {
			return nil, err
		}
		return &Provider{
			ID:    pc.ID,
			Kind:  KindACP,
			Model: pc.Model,
			Tier:  pc.Tier,
			send: func(ctx context.Context, req Request) (string, error) {
				return client.Prompt(ctx, req.Message, req.ContextBlock)
			},
			dispose: client.Close,
			alive:   client.Alive,
		}, nil

	case string(KindAPI):
		client, err := d.buildAPIClient(ctx, pc)
		if err != nil {
			return nil, err
		}
		return &Provider{
			ID:    pc.ID,
			Kind:  KindAPI,
			Model: pc.Model,
			Tier:  pc.Tier,
			send: func(ctx context.Context, req Request) (string, error) {
				return client.Chat(ctx, req.History, req.Options)
			},
		}, nil

	case string(KindLocal):
		client, err := llm.NewLocalClient(pc.Command, pc.Args...)
		if err != nil {
			return nil, err
		}
		return &Provider{
			ID:    pc.ID,
			Kind:  KindLocal,
			Model: pc.Model,
			Tier:  pc.Tier,
			send: func(ctx context.Context, req Request) (string, error) {
				return client.Chat(ctx, req.History, req.Options)
			},
		}, nil

	default:
		return nil, errors.New("provider '%s' has unknown transport '%s'", pc.ID, pc.Transport)
	}
}

func (d *Dispatcher) buildAPIClient(ctx context.Context, pc config.Provider) (llm.Client, error) {
	switch pc.API {
	case "anthropic":
		return llm.NewAnthropicClient(ctx, pc.Model)
	case "openai":
		return llm.NewOpenAIClient(ctx, pc.Model)
	case "gemini":
		return llm.NewGeminiClient(ctx, pc.Model)
	case "bedrock":
		return llm.NewBedrockClient(ctx, pc.Model)
	case "mock":
		return &llm.MockClient{}, nil
	default:
		return nil, errors.New("provider '%s' has unknown api '%s'", pc.ID, pc.API)
	}
}

// augmentedHistory copies history and appends the context block to the final
// user turn, so API transports see the same prompt an ACP agent would.
func augmentedHistory(messages []session.Message, contextBlock string) []session.Message {
	out := make([]session.Message, len(messages))
	copy(out, messages)
	if contextBlock != "" && len(out) > 0 {
		last := &out[len(out)-1]
		last.Content = fmt.Sprintf("%s\n\n%s", last.Content, contextBlock)
	}
	return out
}
