// Package llm talks to the Gemini generateContent API to rephrase rule
// findings. Its output is advisory: adjudication.Enricher validates every
// reply and falls back to the rule text.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/adjudication"
)

// ErrDisabled is returned when no API key is configured.
var ErrDisabled = fmt.Errorf("llm: no API key configured: %w", adjudication.ErrRefinerUnavailable)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-1.5-flash"

	maxResponseBytes = 1 << 20
)

type Config struct {
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
	RetryMax int
	Logger   zerolog.Logger
}

// GeminiRefiner implements adjudication.Refiner.
type GeminiRefiner struct {
	apiKey   string
	endpoint string
	client   *retryablehttp.Client
	logger   zerolog.Logger
}

func NewGeminiRefiner(cfg Config) *GeminiRefiner {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = cfg.Timeout
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = leveledLogger{cfg.Logger}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &GeminiRefiner{
		apiKey:   cfg.APIKey,
		endpoint: fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(cfg.BaseURL, "/"), cfg.Model),
		client:   client,
		logger:   cfg.Logger,
	}
}

func (g *GeminiRefiner) Enabled() bool { return g != nil && g.apiKey != "" }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMIMEType string  `json:"responseMimeType"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
}

type refinementEnvelope struct {
	Items []adjudication.Refinement `json:"items"`
}

// Refine asks the model for one rewritten explanation and action per
// finding, in order.
func (g *GeminiRefiner) Refine(ctx context.Context, summary string, findings []adjudication.Finding) ([]adjudication.Refinement, error) {
	if !g.Enabled() {
		return nil, ErrDisabled
	}

	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: BuildPrompt(summary, findings)}}}},
		GenerationConfig: generationConfig{Temperature: 0.2, ResponseMIMEType: "application/json"},
	})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("encode request: %w", err))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call generateContent: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("generateContent returned status %d: %s", resp.StatusCode, snippet(raw))
		// Client errors other than throttling will not succeed on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("response has no candidates")
	}

	var sb strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return ParseRefinements(sb.String())
}

// BuildPrompt renders the instruction sent to the model.
func BuildPrompt(summary string, findings []adjudication.Finding) string {
	var sb strings.Builder
	sb.WriteString("You are a medical claims adjudication assistant. Rewrite each finding below as a clear, ")
	sb.WriteString("concise explanation for a billing specialist and a specific recommended action. ")
	sb.WriteString("Do not add, remove, merge or reorder findings and do not change the classification.\n\n")
	sb.WriteString("Claim:\n")
	sb.WriteString(summary)
	sb.WriteString("\n\nFindings:\n")
	for i, f := range findings {
		fmt.Fprintf(&sb, "%d. [%s] %s Action: %s\n", i+1, f.RuleID, f.Explanation, f.RecommendedAction)
	}
	fmt.Fprintf(&sb, "\nRespond with JSON only, exactly %d items, in this shape:\n", len(findings))
	sb.WriteString(`{"items":[{"explanation":"","recommended_action":""}]}`)
	return sb.String()
}

// ParseRefinements decodes the model's JSON reply. Markdown code fences
// around the JSON are tolerated.
func ParseRefinements(text string) ([]adjudication.Refinement, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	var env refinementEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode refinements: %w", err)
	}
	if env.Items == nil {
		return nil, errors.New("decode refinements: missing items")
	}
	return env.Items, nil
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }
