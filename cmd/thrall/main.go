package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/knarr-net/thrall/internal/admin"
	"github.com/knarr-net/thrall/internal/config"
	"github.com/knarr-net/thrall/internal/guard"
	"github.com/knarr-net/thrall/internal/store"
)

const version = "0.3.0"

const tickInterval = 60 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "thrall",
		Short: "Inbound-mail triage guard for knarr nodes",
		RunE:  runDaemon,
	}

	f := rootCmd.PersistentFlags()
	f.Bool("enabled", true, "master switch; disabled means every hook is a no-op")
	f.Bool("triage-enabled", true, "classify messages; disabled passes everything through")
	f.Bool("debug", false, "enable verbose logging")
	f.String("node-id", "", "this node's ID (own messages are skipped)")
	f.String("data-dir", "/var/lib/thrall", "directory for the database, breakers, and event log")
	f.String("backend", "ollama", "classification backend: local, ollama, openai, or anthropic")
	f.String("fallback", "tier", "action when the backend fails: tier, wake, or drop")
	f.String("prompt", "", "override for the default triage prompt (must contain {tier})")
	f.String("trust-tiers", "", `JSON map of tier name to node prefixes, e.g. {"team":["abcd..."]}`)
	f.String("ignore-kinds", "ack,delivery,system", "comma-separated message kinds to skip")
	f.Int("loop-threshold", 2, "replies per 30m window before a session loop trips")
	f.Int("loop-threshold-sessionless", 5, "replies per 30m window for sessionless senders")
	f.Int("knock-threshold", 10, "drops per hour before a knock alert wakes the agent")
	f.Int("max-replies-per-hour", 5, "per-sender cap on messages handed downstream")
	f.Int("classification-ttl-days", 30, "days before classification rows expire")
	f.String("local-binary", "llama-cli", "llama.cpp CLI binary for the local backend")
	f.String("local-model-path", "", "GGUF model path for the local backend")
	f.Int("local-threads", 4, "inference threads for the local backend")
	f.String("ollama-url", "http://localhost:11434", "Ollama server URL")
	f.String("ollama-model", "gemma3:1b", "Ollama model name")
	f.Int("ollama-timeout", 5, "Ollama request timeout in seconds")
	f.String("openai-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("openai-model", "gpt-4o-mini", "OpenAI-compatible model name")
	f.String("openai-api-key", "", "API key for the OpenAI-compatible backend")
	f.Int("openai-timeout", 10, "OpenAI-compatible request timeout in seconds")
	f.String("anthropic-model", "claude-haiku-4-5", "Anthropic model name")

	// Bind flags to viper. Viper keys use underscores (node_id) so they
	// match the env var suffix after stripping the THRALL_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("enabled", "enabled")
	bindFlag("triage_enabled", "triage-enabled")
	bindFlag("debug", "debug")
	bindFlag("node_id", "node-id")
	bindFlag("data_dir", "data-dir")
	bindFlag("backend", "backend")
	bindFlag("fallback", "fallback")
	bindFlag("prompt", "prompt")
	bindFlag("trust_tiers", "trust-tiers")
	bindFlag("ignore_kinds", "ignore-kinds")
	bindFlag("loop_threshold", "loop-threshold")
	bindFlag("loop_threshold_sessionless", "loop-threshold-sessionless")
	bindFlag("knock_threshold", "knock-threshold")
	bindFlag("max_replies_per_hour", "max-replies-per-hour")
	bindFlag("classification_ttl_days", "classification-ttl-days")
	bindFlag("local_binary", "local-binary")
	bindFlag("local_model_path", "local-model-path")
	bindFlag("local_threads", "local-threads")
	bindFlag("ollama_url", "ollama-url")
	bindFlag("ollama_model", "ollama-model")
	bindFlag("ollama_timeout", "ollama-timeout")
	bindFlag("openai_url", "openai-url")
	bindFlag("openai_model", "openai-model")
	bindFlag("openai_api_key", "openai-api-key")
	bindFlag("openai_timeout", "openai-timeout")
	bindFlag("anthropic_model", "anthropic-model")

	// THRALL_NODE_ID -> "node_id", THRALL_OLLAMA_URL -> "ollama_url", etc.
	viper.SetEnvPrefix("THRALL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Run the admin MCP server over stdio",
		RunE:  runMCP,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// inEvent is one line read from stdin: either an inbound message ("recv")
// or a notification that this node sent something ("sent"), which feeds
// the solicited-reply tracker.
type inEvent struct {
	Event     string `json:"event"`
	Kind      string `json:"kind"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      any    `json:"body"`
	SessionID string `json:"session_id"`
}

// outEvent is one line written to stdout: an admitted message handed
// downstream ("deliver") or mail the guard wants sent ("send").
type outEvent struct {
	Event     string         `json:"event"`
	Kind      string         `json:"kind"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Body      map[string]any `json:"body"`
	SessionID string         `json:"session_id"`
}

// stdoutPipe serializes outEvent lines to stdout. It is both the guard's
// Mailer and the downstream delivery sink.
type stdoutPipe struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newStdoutPipe() *stdoutPipe {
	return &stdoutPipe{enc: json.NewEncoder(os.Stdout)}
}

func (p *stdoutPipe) emit(ev outEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(ev)
}

func (p *stdoutPipe) SendMail(ctx context.Context, toNode, kind string, body map[string]any, sessionID string) error {
	return p.emit(outEvent{Event: "send", Kind: kind, To: toNode, Body: body, SessionID: sessionID})
}

func (p *stdoutPipe) deliver(ctx context.Context, kind, fromNode string, body map[string]any, sessionID string) {
	if err := p.emit(outEvent{Event: "deliver", Kind: kind, From: fromNode, Body: body, SessionID: sessionID}); err != nil {
		log.Printf("[thrall] deliver write failed: %v", err)
	}
}

func openGuard(mailer guard.Mailer, handler guard.Handler) (config.Config, *store.Store, *guard.Guard, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return cfg, nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "thrall.db"))
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("open store: %w", err)
	}

	g, err := guard.New(cfg, st, mailer, handler)
	if err != nil {
		st.Close() //nolint:errcheck
		return cfg, nil, nil, err
	}
	return cfg, st, g, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	pipe := newStdoutPipe()
	cfg, _, g, err := openGuard(pipe, pipe.deliver)
	if err != nil {
		return err
	}

	log.Printf("[thrall] %s starting: node=%s backend=%s data=%s",
		version, guard.SafePrefix(cfg.NodeID), cfg.Backend, cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("[thrall] received %s, shutting down...", sig)
		cancel()
	}()

	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.OnTick(ctx)
			}
		}
	}()

	// One goroutine per message keeps a slow backend call from blocking the
	// stdin reader; the guard serializes its own state internally.
	var wg sync.WaitGroup
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev inEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("[thrall] bad input line: %v", err)
			continue
		}
		switch ev.Event {
		case "sent":
			g.RecordSend(ev.To, ev.SessionID)
		case "recv", "":
			wg.Add(1)
			go func(ev inEvent) {
				defer wg.Done()
				g.OnMailReceived(ctx, ev.Kind, ev.From, ev.To, ev.Body, ev.SessionID)
			}(ev)
		default:
			log.Printf("[thrall] unknown event %q", ev.Event)
		}

		select {
		case <-ctx.Done():
		default:
			continue
		}
		break
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[thrall] stdin read: %v", err)
	}

	wg.Wait()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	g.Shutdown(shutdownCtx)
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	// The MCP process shares the database and breaker directory with the
	// daemon. Prompt loads land in the database; the daemon picks them up
	// on its next tick. Breaker trips are files and take effect within the
	// daemon's breaker cache TTL.
	_, st, g, err := openGuard(nil, nil)
	if err != nil {
		return err
	}

	registry := admin.NewRegistry(st, g)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err = admin.Serve(ctx, registry, version)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	g.Shutdown(shutdownCtx)
	return err
}
