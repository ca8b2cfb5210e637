package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
	Temperature      float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Gemini talks to the Generative Language API. It serves both as a
// prediction Provider (JSON answers) and as the Narrator.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	retry   retryPolicy
}

type GeminiOption func(*Gemini)

func WithGeminiHTTPClient(c *http.Client) GeminiOption {
	return func(g *Gemini) { g.client = c }
}

func WithGeminiRetry(maxRetries int, initial time.Duration) GeminiOption {
	return func(g *Gemini) { g.retry = retryPolicy{maxRetries: maxRetries, initial: initial} }
}

func NewGemini(apiKey, model, baseURL string, timeout time.Duration, opts ...GeminiOption) *Gemini {
	g := &Gemini{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		retry:   retryPolicy{maxRetries: 5, initial: 2 * time.Second},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gemini) Name() string { return "gemini" }

// The API key travels in this header and never in the URL.
const geminiKeyHeader = "x-goog-api-key"

func (g *Gemini) endpoint() string {
	return fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, url.PathEscape(g.model))
}

// generate sends one prompt and returns the concatenated text of the first candidate.
func (g *Gemini) generate(ctx context.Context, prompt string, jsonOut bool) (string, error) {
	reqBody := geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}}}
	if jsonOut {
		reqBody.GenerationConfig = &geminiGenerationConfig{ResponseMimeType: "application/json"}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encode gemini request: %w", err)
	}

	var text string
	err = g.retry.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(geminiKeyHeader, g.apiKey)

		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode/100 != 2 {
			return &StatusError{Code: resp.StatusCode, Body: string(raw)}
		}

		var gr geminiResponse
		if err := json.Unmarshal(raw, &gr); err != nil {
			return backoff.Permanent(fmt.Errorf("decode gemini response: %w", err))
		}
		if len(gr.Candidates) == 0 {
			return fmt.Errorf("gemini returned no candidates")
		}
		var sb strings.Builder
		for _, p := range gr.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
		text = sb.String()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return text, nil
}

const predictionPrompt = `You estimate 30-day hospital readmission risk.
Given the patient features below, answer with a single JSON object:
{"probability": <number 0..1>, "risk_level": "High" or "Low", "top_features": [{"Feature": <name>, "Importance": <number>}]}
List at most 5 features.
Features:
`

func (g *Gemini) Predict(ctx context.Context, subjectID int64, features Features) (*Prediction, error) {
	data, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}

	text, err := g.generate(ctx, predictionPrompt+string(data), true)
	if err != nil {
		return nil, err
	}

	var p Prediction
	if err := json.Unmarshal([]byte(stripFence(text)), &p); err != nil {
		return nil, fmt.Errorf("decode gemini prediction for subject %d: %w", subjectID, err)
	}
	p.Prediction = 0
	p.Recommendation = ""
	if len(p.TopFeatures) > 5 {
		p.TopFeatures = p.TopFeatures[:5]
	}
	return normalize(&p, g.Name())
}

// Narrate runs the three section prompts in sequence.
func (g *Gemini) Narrate(ctx context.Context, pc PatientContext) (*Narrative, error) {
	prompts := pc.Prompts()
	sections := make(map[string]map[string]any, len(prompts))
	for _, key := range []string{"summary", "care_plan", "additional_fields"} {
		text, err := g.generate(ctx, prompts[key], false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		sections[key] = ParseSections(text)
	}
	return &Narrative{
		Summary:          sections["summary"],
		CarePlan:         sections["care_plan"],
		AdditionalFields: sections["additional_fields"],
	}, nil
}

// stripFence removes a ```json fence some model versions wrap around JSON.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
