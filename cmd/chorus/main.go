package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/voxtura/chorus/agent"
	"github.com/voxtura/chorus/config"
	"github.com/voxtura/chorus/session"
	"github.com/voxtura/chorus/workspace"
)

func main() {
	agentFlag := flag.String("a", "", "Agent to use (defaults to the configured default)")
	sessionFlag := flag.String("s", "", "Session name to create or use")
	resumeFlag := flag.String("r", "", "Resume a session by name")
	initFlag := flag.String("init", "", "Comma-separated providers to initialize at startup")
	statusFlag := flag.Bool("status", false, "Print provider status and exit")
	noCacheFlag := flag.Bool("no-cache", false, "Bypass the response cache")
	maxTokensFlag := flag.Int("max-tokens", 0, "Maximum tokens per response")
	temperatureFlag := flag.Float64("temperature", 0, "Sampling temperature")
	traceFlag := flag.Bool("trace", false, "Trace protocol frames to acp.trace")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	var sess *session.Session
	sessionName := *sessionFlag
	if *resumeFlag != "" {
		sessionName = *resumeFlag
		sess, err = session.Load(sessionName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming session '%s': %+v\n", sessionName, err)
			os.Exit(1)
		}
		fmt.Printf("Resuming session: %s\n", sessionName)
	} else {
		if sessionName == "" {
			sessionName = defaultSessionName()
		}
		sess, err = session.New(sessionName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating session '%s': %+v\n", sessionName, err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	dispatcher := agent.New(cfg, sess, *traceFlag)
	defer func() {
		if err := dispatcher.Dispose(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}()

	// Initialize the requested providers plus whichever agent this run
	// targets. Failures are reported but not fatal: other providers may
	// still serve.
	targets := splitList(*initFlag)
	runAgent := *agentFlag
	if runAgent == "" {
		runAgent = cfg.DefaultAgent
	}
	if !contains(targets, runAgent) {
		targets = append(targets, runAgent)
	}
	for _, name := range targets {
		if err := dispatcher.Init(ctx, name); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not initialize '%s': %v\n", name, err)
		}
	}
	if *agentFlag != "" {
		if err := dispatcher.SetActiveAgent(*agentFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if *statusFlag {
		printStatus(dispatcher)
		return
	}

	opts := agent.Options{
		Context:     projectSnapshot(),
		NoCache:     *noCacheFlag,
		MaxTokens:   *maxTokensFlag,
		Temperature: *temperatureFlag,
	}

	// One-shot mode when a prompt is given on the command line.
	if prompt := strings.Join(flag.Args(), " "); prompt != "" {
		if err := runTurn(ctx, dispatcher, sess, prompt, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	repl(ctx, dispatcher, sess, opts)
}

func repl(ctx context.Context, d *agent.Dispatcher, sess *session.Session, opts agent.Options) {
	fmt.Println("Chorus is ready. Type your prompt, or /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch {
		case input == "/quit" || input == "/exit":
			return
		case input == "/status":
			printStatus(d)
			continue
		case strings.HasPrefix(input, "/agent "):
			name := strings.TrimSpace(strings.TrimPrefix(input, "/agent "))
			if err := d.Init(ctx, name); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				continue
			}
			if err := d.SetActiveAgent(name); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				continue
			}
			fmt.Printf("Active agent: %s\n", name)
			continue
		case input == "/nocache":
			opts.NoCache = !opts.NoCache
			fmt.Printf("Cache bypass: %v\n", opts.NoCache)
			continue
		}

		if err := runTurn(ctx, d, sess, input, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

func runTurn(ctx context.Context, d *agent.Dispatcher, sess *session.Session, prompt string, opts agent.Options) error {
	response, err := d.SendMessage(ctx, prompt, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Chorus: %s\n", response)
	if err := sess.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to save session: %v\n", err)
	}
	return nil
}

func printStatus(d *agent.Dispatcher) {
	for _, s := range d.Statuses() {
		if !s.Initialized {
			fmt.Printf("%-10s not initialized\n", s.ID)
			continue
		}
		marks := ""
		if s.Fallback {
			marks += " fallback"
		}
		if s.Active {
			marks += " active"
		}
		fmt.Printf("%-10s %-10s model=%s tier=%s alive=%v%s\n", s.ID, s.Kind, s.Model, s.Tier, s.Alive, marks)
	}
}

// projectSnapshot gathers the ambient signals available without an index.
// Only the working directory is known here; richer context sources plug in
// through the same snapshot shape.
func projectSnapshot() *workspace.Snapshot {
	wd, err := os.Getwd()
	if err != nil {
		return nil
	}
	return &workspace.Snapshot{Cwd: wd}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "chorus"
	}
	return fmt.Sprintf("%s_%s", filepath.Base(wd), time.Now().Format("2006-01-02_15-04-05"))
}
