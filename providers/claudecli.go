package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/promptforge/promptforge/logger"
	"github.com/promptforge/promptforge/tokenizer"
	"github.com/promptforge/promptforge/types"
)

const (
	defaultClaudeBinary  = "claude"
	defaultCLITimeout    = 300 * time.Second
	whichCacheTTL        = 120 * time.Second
	anthropicCLIProvider = "claude-cli"
)

// WhichCache memoizes a PATH lookup so repeated completions do not
// stat the filesystem on every call. Entries expire after a TTL and
// can be invalidated explicitly, for example after installing the
// binary mid-session. The lookup function and clock are injectable
// for tests.
type WhichCache struct {
	mu       sync.Mutex
	path     string
	checked  time.Time
	ttl      time.Duration
	lookPath func(string) (string, error)
	now      func() time.Time
}

// NewWhichCache returns a cache with the standard TTL backed by
// exec.LookPath.
func NewWhichCache() *WhichCache {
	return &WhichCache{
		ttl:      whichCacheTTL,
		lookPath: exec.LookPath,
		now:      time.Now,
	}
}

// NewWhichCacheWithLookup returns a cache using a custom lookup and
// clock. Either may be nil to keep the default.
func NewWhichCacheWithLookup(lookPath func(string) (string, error), now func() time.Time) *WhichCache {
	c := NewWhichCache()
	if lookPath != nil {
		c.lookPath = lookPath
	}
	if now != nil {
		c.now = now
	}
	return c
}

// Lookup resolves the binary path, serving from cache while fresh.
// Failed lookups are not cached, so a binary installed after a miss
// is found on the next call.
func (c *WhichCache) Lookup(binary string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path != "" && c.now().Sub(c.checked) < c.ttl {
		return c.path, nil
	}
	path, err := c.lookPath(binary)
	if err != nil {
		c.path = ""
		return "", err
	}
	c.path = path
	c.checked = c.now()
	return path, nil
}

// Invalidate clears the cached path so the next Lookup hits the
// filesystem.
func (c *WhichCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = ""
	c.checked = time.Time{}
}

// ClaudeCLIConfig configures a provider that shells out to a locally
// installed claude binary instead of calling the API directly.
type ClaudeCLIConfig struct {
	ID      string
	Model   string
	Binary  string
	Timeout time.Duration
	// Which overrides the PATH lookup cache, mainly for tests.
	Which *WhichCache
}

// ClaudeCLIProvider runs completions through the claude CLI. Useful
// when the host already carries a logged-in CLI session and no API
// key should be stored server-side.
type ClaudeCLIProvider struct {
	id      string
	model   string
	binary  string
	timeout time.Duration
	which   *WhichCache
	runCmd  func(ctx context.Context, path string, args []string, stdin string) ([]byte, []byte, error)
}

// NewClaudeCLIProvider builds a CLI-backed provider.
func NewClaudeCLIProvider(cfg ClaudeCLIConfig) *ClaudeCLIProvider {
	binary := cfg.Binary
	if binary == "" {
		binary = defaultClaudeBinary
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCLITimeout
	}
	which := cfg.Which
	if which == nil {
		which = NewWhichCache()
	}
	return &ClaudeCLIProvider{
		id:      cfg.ID,
		model:   cfg.Model,
		binary:  binary,
		timeout: timeout,
		which:   which,
		runCmd:  runCommand,
	}
}

func (p *ClaudeCLIProvider) ID() string    { return p.id }
func (p *ClaudeCLIProvider) Model() string { return p.model }
func (p *ClaudeCLIProvider) Close() error  { return nil }

// cliResult is the claude CLI's --output-format json envelope.
type cliResult struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Usage   struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// Complete renders the request as a single prompt and pipes it to the
// CLI over stdin. The CLI reports usage in its JSON envelope; when it
// does not, usage falls back to a heuristic estimate so budget
// accounting never records zeros for real work.
func (p *ClaudeCLIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	path, err := p.which.Lookup(p.binary)
	if err != nil {
		return nil, &ConnectionError{newBase(p.id, fmt.Sprintf("%s binary not found in PATH", p.binary), err)}
	}

	prompt := renderCLIPrompt(req)
	args := []string{"-p", "--output-format", "json"}
	if p.model != "" {
		args = append(args, "--model", p.model)
	}
	if req.System != "" {
		args = append(args, "--append-system-prompt", req.System)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	logger.APIRequest(anthropicCLIProvider, "exec", path, nil, map[string]interface{}{
		"model":  p.model,
		"args":   len(args),
		"prompt": len(prompt),
	})

	start := time.Now()
	stdout, stderr, err := p.runCmd(cmdCtx, path, args, prompt)
	latency := time.Since(start)
	if err != nil {
		return nil, p.execError(cmdCtx, err, stderr)
	}

	logger.APIResponse(anthropicCLIProvider, 0, string(stdout), nil)

	var parsed cliResult
	if err := json.Unmarshal(stdout, &parsed); err != nil {
		return nil, fmt.Errorf("decoding CLI output: %w", err)
	}
	if parsed.IsError {
		return nil, Classify(p.id, fmt.Errorf("%s: %s", parsed.Subtype, parsed.Result))
	}

	var usage types.TokenUsage
	if parsed.Usage.InputTokens > 0 || parsed.Usage.OutputTokens > 0 {
		usage = types.NewTokenUsage(parsed.Usage.InputTokens, parsed.Usage.OutputTokens)
		if parsed.Usage.CacheCreationInputTokens > 0 {
			usage.CacheCreationInputTokens = types.Int(parsed.Usage.CacheCreationInputTokens)
		}
		if parsed.Usage.CacheReadInputTokens > 0 {
			usage.CacheReadInputTokens = types.Int(parsed.Usage.CacheReadInputTokens)
		}
	} else {
		usage = tokenizer.EstimateUsage(p.model, prompt, parsed.Result)
	}

	return &Response{
		Content: parsed.Result,
		Model:   p.model,
		Usage:   usage,
		Latency: latency,
		Raw:     stdout,
	}, nil
}

// execError maps subprocess failures onto the taxonomy. exec.ErrNotFound
// is pinned to ConnectionError before generic classification because its
// message would otherwise pattern-match as a model lookup failure.
func (p *ClaudeCLIProvider) execError(ctx context.Context, err error, stderr []byte) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &ConnectionError{newBase(p.id, "CLI call timed out", ctx.Err())}
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		p.which.Invalidate()
		return &ConnectionError{newBase(p.id, fmt.Sprintf("%s binary not found in PATH", p.binary), err)}
	}
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		msg = err.Error()
	}
	return Classify(p.id, errors.New(msg))
}

// TestConnection checks binary availability and version.
func (p *ClaudeCLIProvider) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTestTimeout)
	defer cancel()

	path, err := p.which.Lookup(p.binary)
	if err != nil {
		return &ConnectionError{newBase(p.id, fmt.Sprintf("%s binary not found in PATH", p.binary), err)}
	}
	_, stderr, err := p.runCmd(ctx, path, []string{"--version"}, "")
	if err != nil {
		return p.execError(ctx, err, stderr)
	}
	return nil
}

// renderCLIPrompt flattens the chat transcript for a single-shot CLI
// invocation. System content travels separately via flag.
func renderCLIPrompt(req Request) string {
	if len(req.Messages) == 1 && req.Messages[0].Role == "user" {
		return req.Messages[0].Content
	}
	var b strings.Builder
	for i, m := range req.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch m.Role {
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("Human: ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func runCommand(ctx context.Context, path string, args []string, stdin string) ([]byte, []byte, error) {
	//nolint:gosec // G204: path comes from a PATH lookup of a fixed binary name
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
