package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxtura/chorus/config"
	"github.com/voxtura/chorus/errors"
)

// DefaultTimeout is the per-request deadline applied when the config does not
// override it.
const DefaultTimeout = 30 * time.Second

const protocolVersion = 1

// TimeoutError reports that no matching response arrived within the request
// deadline. The underlying agent process remains alive and reusable.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response to %s within %s", e.Method, e.Timeout)
}

// RPCError is a JSON-RPC error object returned by the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// Options configures a spawned agent connection.
type Options struct {
	Command    string
	Args       []string
	Workdir    string
	Timeout    time.Duration
	FSAccess   config.FilesystemAccess
	MCPServers []config.MCPServer
	Trace      bool
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type rpcResult struct {
	result json.RawMessage
	err    *RPCError
}

// Client owns one agent subprocess and one JSON-RPC conversation over its
// stdio pipes.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[int64]chan rpcResult
	sessionID string
	chunks    strings.Builder

	nextID  atomic.Int64
	closed  atomic.Bool
	timeout time.Duration

	workdir    string
	fsAccess   config.FilesystemAccess
	mcpServers []config.MCPServer

	trace     func(string)
	traceFile *os.File
}

// Spawn starts the agent binary and begins reading its stdout. It fails fast
// when the binary is not on PATH so provider initialization can fall through
// to the next transport.
func Spawn(opts Options) (*Client, error) {
	if opts.Command == "" {
		return nil, errors.New("acp agent command not configured")
	}
	if _, err := exec.LookPath(opts.Command); err != nil {
		return nil, errors.Wrapf(err, "acp agent binary '%s' not found", opts.Command)
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Workdir
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, errors.Wrapf(err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, errors.Wrapf(err, "failed to create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, errors.Wrapf(err, "failed to start acp agent '%s'", opts.Command)
	}

	c := newClient(stdin, stdout, opts)
	c.cmd = cmd
	go c.drainStderr(stderr)
	return c, nil
}

// newClient wires a connection over arbitrary pipes and starts the read loop.
// Spawn uses it with a live subprocess; tests use it with in-memory pipes.
func newClient(stdin io.WriteCloser, stdout io.ReadCloser, opts Options) *Client {
	c := &Client{
		stdin:      stdin,
		stdout:     stdout,
		pending:    make(map[int64]chan rpcResult),
		timeout:    opts.Timeout,
		workdir:    opts.Workdir,
		fsAccess:   opts.FSAccess,
		mcpServers: opts.MCPServers,
		trace:      func(string) {},
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if opts.Trace {
		// Stdout must carry nothing but JSON-RPC, so diagnostics go to a
		// trace file.
		if f, err := os.OpenFile("acp.trace", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			c.traceFile = f
			c.trace = func(msg string) {
				fmt.Fprintf(f, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
			}
		}
	}
	go c.readLoop()
	return c
}

// Prompt performs the lazy session handshake if needed, then sends the prompt
// and returns the agent's reply. The reply is the result's content field when
// present, otherwise the agent message chunks streamed during the turn.
func (c *Client) Prompt(ctx context.Context, text, contextBlock string) (string, error) {
	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}

	full := text
	if contextBlock != "" {
		full = text + "\n\n" + contextBlock
	}

	c.mu.Lock()
	c.chunks.Reset()
	sessionID := c.sessionID
	c.mu.Unlock()

	result, err := c.call(ctx, "session/prompt", map[string]any{
		"sessionId": sessionID,
		"prompt": []map[string]any{
			{"type": "text", "text": full},
		},
	})
	if err != nil {
		return "", err
	}

	if content := extractContent(result); content != "" {
		return content, nil
	}

	c.mu.Lock()
	streamed := c.chunks.String()
	c.mu.Unlock()
	if streamed != "" {
		return streamed, nil
	}
	return strings.TrimSpace(string(result)), nil
}

// ensureSession performs the one-time initialize + session/new handshake. The
// session ID is cached for the lifetime of the process.
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	have := c.sessionID != ""
	c.mu.Unlock()
	if have {
		return nil
	}

	_, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientCapabilities": map[string]any{
			"fs": map[string]any{
				"readTextFile":  true,
				"writeTextFile": true,
			},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "initialize handshake failed")
	}

	mcpServers := make([]map[string]any, 0, len(c.mcpServers))
	for _, srv := range c.mcpServers {
		mcpServers = append(mcpServers, map[string]any{
			"name":    srv.Name,
			"command": srv.Command,
			"args":    srv.Args,
		})
	}
	result, err := c.call(ctx, "session/new", map[string]any{
		"cwd":        c.workdir,
		"mcpServers": mcpServers,
	})
	if err != nil {
		return errors.Wrapf(err, "session creation failed")
	}

	var parsed struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.SessionID == "" {
		return errors.New("agent did not return a session id")
	}

	c.mu.Lock()
	c.sessionID = parsed.SessionID
	c.mu.Unlock()
	c.trace(fmt.Sprintf("session established: %s", parsed.SessionID))
	return nil
}

// call issues one correlated request and blocks until a matching response,
// the timeout, or caller cancellation. Every registered request is released
// on exactly one of those paths.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, errors.New("connection closed")
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcResult, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.writeFrame(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}); err != nil {
		release()
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-timer.C:
		release()
		c.trace(fmt.Sprintf("request %d (%s) timed out", id, method))
		return nil, &TimeoutError{Method: method, Timeout: c.timeout}
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// readLoop consumes stdout line by line. Lines carrying a method dispatch to
// server-call handlers; lines carrying only an id resolve pending requests.
// The scanner only yields complete lines, so frames split across multiple
// reads are reassembled before any parse is attempted.
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			// A genuinely malformed complete line is dropped, not fatal.
			c.trace(fmt.Sprintf("dropping malformed frame: %s", line))
			continue
		}

		if env.Method != "" {
			c.handleServerCall(&env)
			continue
		}
		c.resolve(&env)
	}

	c.failAllPending(errors.New("agent stream closed"))
}

// resolve matches a response to its pending request by ID. A response whose
// ID matches nothing (already resolved, timed out, or echoed twice) is
// ignored so a request never resolves more than once.
func (c *Client) resolve(env *rpcEnvelope) {
	var id int64
	if err := json.Unmarshal(env.ID, &id); err != nil {
		c.trace(fmt.Sprintf("response with non-numeric id ignored: %s", env.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.trace(fmt.Sprintf("unmatched response for id %d ignored", id))
		return
	}

	ch <- rpcResult{result: env.Result, err: env.Error}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcResult{err: &RPCError{Code: -32000, Message: err.Error()}}
	}
}

// handleServerCall dispatches an agent-initiated call by method name.
func (c *Client) handleServerCall(env *rpcEnvelope) {
	c.trace(fmt.Sprintf("server call: %s", env.Method))
	switch env.Method {
	case "session/update", "sessionUpdate":
		c.handleSessionUpdate(env.Params)
	case "session/request_permission", "requestPermission":
		c.handleRequestPermission(env)
	case "fs/read_text_file", "readTextFile":
		c.handleReadTextFile(env)
	case "fs/write_text_file", "writeTextFile":
		c.handleWriteTextFile(env)
	default:
		if len(env.ID) > 0 {
			c.respondError(env.ID, -32601, "Method not found")
		}
	}
}

// handleSessionUpdate accumulates streamed agent_message_chunk text for the
// in-flight prompt. Other update kinds are traced and skipped.
func (c *Client) handleSessionUpdate(params json.RawMessage) {
	var p struct {
		Update struct {
			SessionUpdate string `json:"sessionUpdate"`
			Content       struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"update"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		c.trace(fmt.Sprintf("unparseable session update: %v", err))
		return
	}
	if p.Update.SessionUpdate == "agent_message_chunk" && p.Update.Content.Text != "" {
		c.mu.Lock()
		c.chunks.WriteString(p.Update.Content.Text)
		c.mu.Unlock()
	}
}

// handleRequestPermission auto-approves by selecting the first offered
// option, matching the default policy for unattended runs.
func (c *Client) handleRequestPermission(env *rpcEnvelope) {
	var p struct {
		Options []struct {
			OptionID string `json:"optionId"`
		} `json:"options"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil || len(p.Options) == 0 {
		c.respond(env.ID, map[string]any{
			"outcome": map[string]any{"outcome": "cancelled"},
		})
		return
	}
	c.respond(env.ID, map[string]any{
		"outcome": map[string]any{
			"outcome":  "selected",
			"optionId": p.Options[0].OptionID,
		},
	})
}

// handleReadTextFile reads a file scoped to the working directory. I/O
// failures produce an empty-content result rather than an error so the
// session survives.
func (c *Client) handleReadTextFile(env *rpcEnvelope) {
	var p struct {
		Path string `json:"path"`
	}
	content := ""
	if err := json.Unmarshal(env.Params, &p); err == nil {
		if data, err := c.readWorkspaceFile(p.Path); err == nil {
			content = data
		} else {
			c.trace(fmt.Sprintf("read of %s refused: %v", p.Path, err))
		}
	}
	c.respond(env.ID, map[string]any{"content": content})
}

// handleWriteTextFile writes a file scoped to the working directory. Failures
// are traced and acknowledged with an empty result.
func (c *Client) handleWriteTextFile(env *rpcEnvelope) {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(env.Params, &p); err == nil {
		if err := c.writeWorkspaceFile(p.Path, p.Content); err != nil {
			c.trace(fmt.Sprintf("write of %s refused: %v", p.Path, err))
		}
	}
	c.respond(env.ID, map[string]any{})
}

func (c *Client) respond(id json.RawMessage, result any) {
	if len(id) == 0 {
		return // notification, no reply expected
	}
	if err := c.writeFrame(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}); err != nil {
		c.trace(fmt.Sprintf("failed to respond to server call: %v", err))
	}
}

func (c *Client) respondError(id json.RawMessage, code int, msg string) {
	if err := c.writeFrame(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": msg},
	}); err != nil {
		c.trace(fmt.Sprintf("failed to respond to server call: %v", err))
	}
}

// writeFrame serializes one newline-delimited JSON-RPC message. The write
// lock keeps concurrent requests and server-call responses from interleaving
// on the pipe.
func (c *Client) writeFrame(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	c.trace(fmt.Sprintf("send: %s", data))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return errors.Wrapf(err, "failed to write to agent")
	}
	return nil
}

func (c *Client) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.trace(fmt.Sprintf("agent stderr: %s", scanner.Text()))
	}
}

// Alive reports whether the agent process is still running.
func (c *Client) Alive() bool {
	if c.closed.Load() {
		return false
	}
	if c.cmd == nil {
		return true // pipe-backed connection (tests)
	}
	return c.cmd.ProcessState == nil
}

// Pid returns the agent process ID, or 0 for pipe-backed connections.
func (c *Client) Pid() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Close kills the agent process, fails all pending requests, and releases
// the trace file. It is safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.stdin.Close()
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	c.stdout.Close()
	c.failAllPending(errors.New("connection closed"))
	if c.traceFile != nil {
		c.traceFile.Close()
	}
	return nil
}

// extractContent pulls the content field out of a prompt result, tolerating
// both a bare string and a text content block.
func extractContent(result json.RawMessage) string {
	var withContent struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(result, &withContent); err != nil || len(withContent.Content) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(withContent.Content, &asString); err == nil {
		return asString
	}
	var asBlock struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(withContent.Content, &asBlock); err == nil {
		return asBlock.Text
	}
	return ""
}
