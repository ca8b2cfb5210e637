package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPProvider calls an external model service that accepts
// {"subject_id", "features"} and answers with a Prediction document.
type HTTPProvider struct {
	url    string
	client *http.Client
	retry  retryPolicy
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.client = c }
}

// WithRetry sets the retry count and the first backoff interval.
func WithRetry(maxRetries int, initial time.Duration) HTTPOption {
	return func(p *HTTPProvider) { p.retry = retryPolicy{maxRetries: maxRetries, initial: initial} }
}

func NewHTTPProvider(url string, timeout time.Duration, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry:  retryPolicy{maxRetries: 3, initial: 2 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *HTTPProvider) Name() string { return "http" }

type predictRequest struct {
	SubjectID int64    `json:"subject_id"`
	Features  Features `json:"features"`
}

func (p *HTTPProvider) Predict(ctx context.Context, subjectID int64, features Features) (*Prediction, error) {
	body, err := json.Marshal(predictRequest{SubjectID: subjectID, Features: features})
	if err != nil {
		return nil, fmt.Errorf("encode prediction request: %w", err)
	}

	var out Prediction
	err = p.retry.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode/100 != 2 {
			return &StatusError{Code: resp.StatusCode, Body: string(raw)}
		}
		out = Prediction{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("http prediction: %w", err)
	}
	return normalize(&out, p.Name())
}
