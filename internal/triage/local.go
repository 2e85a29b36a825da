package triage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/knarr-net/thrall/internal/config"
)

const (
	localContextSize = 1024
	localMaxTokens   = 128
)

// localBackend runs inference by spawning a llama.cpp-style CLI against a
// GGUF weights file. The load check is guarded by a double-checked lock and
// a load-failed latch: once loading has failed, every later call fails fast
// and a process restart is required to retry. Inference is serialized
// through a second lock: one model, one inference slot.
type localBackend struct {
	binary    string
	modelPath string
	threads   int

	loadMu     sync.Mutex
	loaded     bool
	loadFailed bool
	loadErr    error

	inferMu sync.Mutex
}

func newLocalBackend(cfg config.Config) *localBackend {
	binary := cfg.LocalBinary
	if binary == "" {
		binary = "llama-cli"
	}
	threads := cfg.LocalThreads
	if threads < 1 {
		threads = 2
	}
	return &localBackend{
		binary:    binary,
		modelPath: cfg.LocalModelPath,
		threads:   threads,
	}
}

func (b *localBackend) Name() string { return "local" }

func (b *localBackend) ModelName() string {
	if b.modelPath == "" {
		return "none"
	}
	name := filepath.Base(b.modelPath)
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}

func (b *localBackend) Available() bool {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()
	if b.loadFailed {
		return false
	}
	// Not yet loaded but a model path is configured: available, will
	// lazy-load on first inference.
	return b.loaded || b.modelPath != ""
}

// ensureLoaded verifies the runner binary and weights file once.
func (b *localBackend) ensureLoaded() error {
	if b.loaded {
		return nil
	}
	b.loadMu.Lock()
	defer b.loadMu.Unlock()
	if b.loaded {
		return nil
	}
	if b.loadFailed {
		return fmt.Errorf("model load previously failed (restart to retry): %w", b.loadErr)
	}

	err := func() error {
		if b.modelPath == "" {
			return fmt.Errorf("no model path configured")
		}
		if _, err := os.Stat(b.modelPath); err != nil {
			return fmt.Errorf("model weights: %w", err)
		}
		if _, err := exec.LookPath(b.binary); err != nil {
			return fmt.Errorf("runner binary: %w", err)
		}
		return nil
	}()
	if err != nil {
		b.loadFailed = true
		b.loadErr = err
		return err
	}

	b.loaded = true
	return nil
}

// Infer spawns the runner with the composed prompt and returns its stdout.
// No wall timeout is applied beyond the caller's context; the local model
// is the one backend allowed to be slow.
func (b *localBackend) Infer(ctx context.Context, system, user string) (string, error) {
	if err := b.ensureLoaded(); err != nil {
		return "", err
	}

	prompt := system + "\n\nMessage: " + user + "\nAnswer:"

	b.inferMu.Lock()
	defer b.inferMu.Unlock()

	cmd := exec.CommandContext(ctx, b.binary,
		"-m", b.modelPath,
		"-t", strconv.Itoa(b.threads),
		"-c", strconv.Itoa(localContextSize),
		"-n", strconv.Itoa(localMaxTokens),
		"--temp", "0.1",
		"--no-display-prompt",
		"-p", prompt,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := truncate(stderr.String(), 200)
		return "", fmt.Errorf("local inference: %w (%s)", err, detail)
	}

	return stdout.String(), nil
}
