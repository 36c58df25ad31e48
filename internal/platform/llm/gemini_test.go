package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/adjudication"
)

var testFindings = []adjudication.Finding{
	{RuleID: adjudication.RuleApproval, Category: adjudication.CategoryTechnical,
		Explanation: "SRV1003 (Inpatient Dialysis) requires prior approval.", RecommendedAction: "Obtain prior approval for SRV1003"},
	{RuleID: adjudication.RuleEncounterType, Category: adjudication.CategoryMedical,
		Explanation: "SRV2001 is restricted to outpatient encounters, but claim is inpatient.", RecommendedAction: "Change encounter type to OUTPATIENT or update service code"},
}

func geminiReply(t *testing.T, text string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}}},
		},
	})
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	return b
}

func newTestRefiner(url string) *GeminiRefiner {
	return NewGeminiRefiner(Config{APIKey: "k", Model: "test-model", BaseURL: url, RetryMax: 1, Logger: zerolog.Nop()})
}

func TestRefine_Success(t *testing.T) {
	var gotPath, gotKey string
	var gotBody generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(geminiReply(t, `{"items":[
			{"explanation":"Prior approval is missing for dialysis.","recommended_action":"Request approval"},
			{"explanation":"Outpatient-only service billed inpatient.","recommended_action":"Rebill as outpatient"}]}`))
	}))
	defer srv.Close()

	out, err := newTestRefiner(srv.URL).Refine(context.Background(), "Claim C-1", testFindings)
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if gotPath != "/v1beta/models/test-model:generateContent" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotKey != "k" {
		t.Errorf("expected API key header, got %q", gotKey)
	}
	if gotBody.GenerationConfig.ResponseMIMEType != "application/json" {
		t.Errorf("expected JSON response mime type, got %q", gotBody.GenerationConfig.ResponseMIMEType)
	}
	if len(out) != 2 || out[1].RecommendedAction != "Rebill as outpatient" {
		t.Errorf("unexpected refinements %+v", out)
	}
}

func TestRefine_Disabled(t *testing.T) {
	g := NewGeminiRefiner(Config{})
	_, err := g.Refine(context.Background(), "", testFindings)
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if !errors.Is(err, adjudication.ErrRefinerUnavailable) {
		t.Error("ErrDisabled must wrap adjudication.ErrRefinerUnavailable")
	}
}

func TestRefine_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad key"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestRefiner(srv.URL).Refine(context.Background(), "", testFindings)
	var perm *backoff.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no HTTP retry on 403, got %d calls", calls.Load())
	}
}

func TestRefine_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(geminiReply(t, `{"items":[{"explanation":"a","recommended_action":"b"}]}`))
	}))
	defer srv.Close()

	out, err := newTestRefiner(srv.URL).Refine(context.Background(), "", testFindings[:1])
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if len(out) != 1 || calls.Load() != 2 {
		t.Errorf("expected one retry then success, calls=%d out=%v", calls.Load(), out)
	}
}

func TestRefine_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	if _, err := newTestRefiner(srv.URL).Refine(context.Background(), "", testFindings); err == nil {
		t.Fatal("expected error for empty candidates")
	}
}

func TestRefine_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := newTestRefiner(srv.URL).Refine(ctx, "", testFindings); err == nil {
		t.Fatal("expected error on deadline")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Refine did not return promptly after the deadline")
	}
}

func TestParseRefinements(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    int
		wantErr bool
	}{
		{"plain", `{"items":[{"explanation":"x","recommended_action":"y"}]}`, 1, false},
		{"fenced", "```json\n{\"items\":[{\"explanation\":\"x\",\"recommended_action\":\"y\"}]}\n```", 1, false},
		{"empty items", `{"items":[]}`, 0, false},
		{"missing items", `{"other":1}`, 0, true},
		{"not json", `Sure! Here you go`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRefinements(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d items, got %d", tt.want, len(got))
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("Claim C-9: inpatient", testFindings)
	for _, want := range []string{"Claim C-9: inpatient", "1. [TECH-APPROVAL]", "2. [MED-ENCOUNTER]", "exactly 2 items", `"recommended_action"`} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestEnricherWithGemini(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(geminiReply(t, `{"items":[{"explanation":"only one","recommended_action":"x"}]}`))
	}))
	defer srv.Close()

	var outcome adjudication.EnrichOutcome
	e := adjudication.NewEnricher(newTestRefiner(srv.URL),
		adjudication.WithMaxAttempts(1),
		adjudication.WithObserver(func(o adjudication.EnrichOutcome) { outcome = o }))

	res := adjudication.Classify(testFindings[:1], testFindings[1:])
	got := e.Enrich(context.Background(), res, adjudication.ClaimRecord{})
	if got.Enriched {
		t.Error("a reply with the wrong item count must not be applied")
	}
	if outcome != adjudication.EnrichRejected {
		t.Errorf("expected rejected outcome, got %q", outcome)
	}
	if got.Explanations[0] != testFindings[0].Explanation {
		t.Errorf("rule text must be kept, got %q", got.Explanations[0])
	}
}
