// SPDX-License-Identifier: MIT
/*
Package serving implements both ends of the transform-service boundary:
a Client that sends scaled chunks to a remote predict endpoint and a Host
that answers the same contract from the stored fold ensemble.

The wire format is JSON:

	POST {endpoint}/v1/models/{model}:predict
	{"signature_name": "serving_default", "instances": [[...], ...]}

	200 OK
	{"predictions": [[...], ...]}

Every instance must be answered; a partial or malformed answer is a
failure of the whole call.
*/
package serving

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

	"denoiser/internal/config"
	applog "denoiser/internal/log"
	"denoiser/internal/metrics"
	"denoiser/internal/pcm"

	"gonum.org/v1/gonum/mat"
)

// ErrTransformUnavailable reports a transform call that failed or returned
// an unusable answer.
var ErrTransformUnavailable = errors.New("serving: transform service unavailable")

// PredictRequest is the body of a predict call.
type PredictRequest struct {
	SignatureName string      `json:"signature_name"`
	Instances     [][]float64 `json:"instances"`
}

// PredictResponse is the body of a successful predict call.
type PredictResponse struct {
	Predictions [][]float64 `json:"predictions"`
}

// PredictPath returns the route a model is served on.
func PredictPath(model string) string {
	return "/v1/models/" + model + ":predict"
}

// Client calls a remote transform service. It implements model.Predictor.
type Client struct {
	url       string
	signature string
	retries   int
	backoff   time.Duration
	http      *http.Client
}

// NewClient returns a Client for cfg.
func NewClient(cfg config.TransformConfig) (*Client, error) {
	if cfg.Endpoint == "" || cfg.Model == "" {
		return nil, fmt.Errorf("serving: transform endpoint and model are required")
	}
	return &Client{
		url:       strings.TrimRight(cfg.Endpoint, "/") + PredictPath(cfg.Model),
		signature: cfg.Signature,
		retries:   cfg.MaxRetries,
		backoff:   cfg.RetryBackoff,
		http:      &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// URL returns the predict URL the client posts to.
func (c *Client) URL() string { return c.url }

// Predict sends every row of x and returns the predictions as a matrix of
// the same shape.
func (c *Client) Predict(ctx context.Context, x *mat.Dense) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if rows == 0 {
		return nil, fmt.Errorf("%w: empty batch", pcm.ErrShapeMismatch)
	}
	req := PredictRequest{SignatureName: c.signature, Instances: make([][]float64, rows)}
	for i := range rows {
		req.Instances[i] = x.RawRowView(i)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("serving: encode request: %w", err)
	}

	start := time.Now()
	defer func() { metrics.TransformRequestDuration.Observe(time.Since(start).Seconds()) }()

	var resp *PredictResponse
	for attempt := 0; ; attempt++ {
		resp, err = c.post(ctx, body)
		if err == nil || attempt >= c.retries || ctx.Err() != nil {
			break
		}
		wait := c.backoff << attempt
		applog.Warnf("Transform client: attempt %d failed: %v (retrying in %s)", attempt+1, err, wait)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	if err != nil {
		metrics.TransformRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	out, err := predictionsMatrix(resp.Predictions)
	if err == nil {
		err = pcm.CheckShape(out, rows, cols)
	}
	if err != nil {
		metrics.TransformRequestsTotal.WithLabelValues("bad_response").Inc()
		return nil, err
	}
	metrics.TransformRequestsTotal.WithLabelValues("ok").Inc()
	return out, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*PredictResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransformUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransformUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrTransformUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransformUnavailable, err)
	}
	return &out, nil
}

// predictionsMatrix packs rectangular predictions into a matrix. Ragged rows
// are a malformed answer; a rectangle of the wrong size is left for the
// caller's shape check.
func predictionsMatrix(preds [][]float64) (*mat.Dense, error) {
	if len(preds) == 0 || len(preds[0]) == 0 {
		return nil, fmt.Errorf("%w: empty predictions", pcm.ErrShapeMismatch)
	}
	cols := len(preds[0])
	data := make([]float64, 0, len(preds)*cols)
	for i, p := range preds {
		if len(p) != cols {
			return nil, fmt.Errorf("%w: prediction %d has %d values, want %d", ErrTransformUnavailable, i, len(p), cols)
		}
		data = append(data, p...)
	}
	return mat.NewDense(len(preds), cols, data), nil
}
