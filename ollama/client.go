// Package ollama is the client for the local Ollama generation backend.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors forming the caller-visible taxonomy. Network failures and
// timeouts collapse into ErrUnavailable; an empty or unusable completion is
// ErrInvalid.
var (
	ErrUnavailable = errors.New("generator unavailable")
	ErrInvalid     = errors.New("generator produced invalid output")
	// ErrModelNotFound is returned by ValidateStartupModel when the configured
	// default model is missing from the catalog.
	ErrModelNotFound = errors.New("model not found in catalog")
)

// catalogTTL bounds how long the model catalog is served from cache.
const catalogTTL = 5 * time.Minute

// Client talks to one Ollama instance. Generation requests share a wall-clock
// deadline; catalog and health probes use a shorter one.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client

	mu          sync.Mutex
	catalog     []string
	catalogTime time.Time
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type versionResponse struct {
	Version string `json:"version"`
}

// ListModels returns the model catalog, served from a short-lived cache.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.catalog != nil && time.Since(c.catalogTime) < catalogTTL {
		cached := c.catalog
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var tags tagsResponse
	if err := c.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}
	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}

	c.mu.Lock()
	c.catalog = models
	c.catalogTime = time.Now()
	c.mu.Unlock()
	return models, nil
}

// invalidateCatalog drops the cached catalog so the next lookup hits the
// backend.
func (c *Client) invalidateCatalog() {
	c.mu.Lock()
	c.catalog = nil
	c.mu.Unlock()
}

// IsAvailable is a lightweight probe against the catalog endpoint.
func (c *Client) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var tags tagsResponse
	return c.getJSON(probeCtx, "/api/tags", &tags) == nil
}

// Version reports the backend's version string, empty if the endpoint is not
// reachable.
func (c *Client) Version(ctx context.Context) string {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var v versionResponse
	if err := c.getJSON(probeCtx, "/api/version", &v); err != nil {
		return ""
	}
	return v.Version
}

// ValidateStartupModel checks that the configured default model exists in the
// catalog. A missing model is fatal at startup; the error carries the catalog
// so the operator sees what is installed.
func (c *Client) ValidateStartupModel(ctx context.Context, model string) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load model catalog")
	}
	if !HasModel(models, model) {
		c.invalidateCatalog()
		return errors.Wrapf(ErrModelNotFound, "model %q, catalog %v", model, models)
	}
	return nil
}

// HasModel reports whether name is in the catalog. Ollama names carry an
// optional tag suffix; "llama3.1" matches "llama3.1:latest".
func HasModel(catalog []string, name string) bool {
	for _, m := range catalog {
		if m == name || strings.TrimSuffix(m, ":latest") == name {
			return true
		}
	}
	return false
}

// GenerateSpontaneous produces one unprompted chat line from recent context.
func (c *Client) GenerateSpontaneous(ctx context.Context, model string, lines []ContextLine, charLimit int) (string, error) {
	return c.generate(ctx, model, SpontaneousPrompt(lines, charLimit), charLimit)
}

// GenerateResponse produces a reply to a user who addressed the bot directly.
func (c *Client) GenerateResponse(ctx context.Context, model string, lines []ContextLine, userName, userText string, charLimit int) (string, error) {
	return c.generate(ctx, model, ResponsePrompt(lines, userName, userText, charLimit), charLimit)
}

func (c *Client) generate(ctx context.Context, model, prompt string, charLimit int) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0.8,
			TopP:        0.9,
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal generate request")
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to build generate request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("generation request failed", slog.String("model", model), slog.String("error", err.Error()))
		return "", ErrUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		slog.Warn("generation request rejected",
			slog.String("model", model),
			slog.Int("status", resp.StatusCode))
		return "", ErrUnavailable
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", ErrUnavailable
	}

	text := PostProcess(gen.Response, charLimit)
	if text == "" {
		return "", ErrInvalid
	}
	slog.Debug("generation complete",
		slog.String("model", model),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("chars", len(text)))
	return text, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to build request for %s", path)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ErrUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return errors.Wrapf(ErrUnavailable, "%s returned %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", path)
	}
	return nil
}

// String implements fmt.Stringer for log fields.
func (c *Client) String() string {
	return fmt.Sprintf("ollama(%s)", c.baseURL)
}
