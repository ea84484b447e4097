// Package client calls the external inference engine. One Invoke is one
// bounded POST; retries only happen when MaxRetries is set and never change
// the outcome the caller sees beyond success or failure.
package client

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

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yungbote/inferbridge-backend/internal/domain/jobs"
	"github.com/yungbote/inferbridge-backend/internal/observability"
	"github.com/yungbote/inferbridge-backend/internal/pkg/httpx"
	"github.com/yungbote/inferbridge-backend/internal/platform/envutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

const DefaultURL = "http://flask:5000/predict"

type Options struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int

	HTTPClient *http.Client
}

func OptionsFromEnv(log *logger.Logger) Options {
	return Options{
		URL:        envutil.String("INFERENCE_URL", DefaultURL, log),
		Timeout:    envutil.Duration("INFERENCE_TIMEOUT", 60*time.Second),
		MaxRetries: envutil.Int("INFERENCE_MAX_RETRIES", 0),
	}
}

type Request struct {
	DatasetID    int64  `json:"dataset_id"`
	JobID        string `json:"job_id"`
	ModelID      string `json:"model_id"`
	ModelVersion string `json:"model_version"`
}

// Gateway is what the worker pipeline depends on.
type Gateway interface {
	Invoke(ctx context.Context, req Request) (*jobs.Result, error)
}

type Client struct {
	url        string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	validate   *validator.Validate
	log        *logger.Logger
	metrics    *observability.Metrics
}

var _ Gateway = (*Client)(nil)

func New(opts Options, baseLog *logger.Logger, metrics *observability.Metrics) (*Client, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("inference url required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{
		url:        url,
		timeout:    timeout,
		maxRetries: maxRetries,
		httpClient: hc,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        baseLog.With("component", "InferenceGatewayClient"),
		metrics:    metrics,
	}, nil
}

func (c *Client) URL() string { return c.url }

// Invoke runs inference for one job. The whole call, retries included, is
// bounded by the client timeout. Expiry yields ErrTimeout; everything else the
// gateway does wrong yields *InferenceError. If ctx itself ends first, its
// error is returned unwrapped.
func (c *Client) Invoke(ctx context.Context, req Request) (*jobs.Result, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "inference.invoke")
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	op := func() (*jobs.Result, error) {
		res, err := c.post(callCtx, body)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	res, err := backoff.Retry(callCtx, op, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.maxRetries+1)))

	switch {
	case err == nil:
		c.metrics.ObserveInference("success", time.Since(start))
		return res, nil
	case ctx.Err() != nil:
		c.metrics.ObserveInference("canceled", time.Since(start))
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		c.metrics.ObserveInference("timeout", time.Since(start))
		c.log.Warn("Inference gateway timed out", "job_id", req.JobID, "timeout", c.timeout)
		span.RecordError(ErrTimeout)
		return nil, ErrTimeout
	default:
		c.metrics.ObserveInference("error", time.Since(start))
		c.log.Warn("Inference gateway call failed", "job_id", req.JobID, "error", err)
		span.RecordError(err)
		return nil, &InferenceError{JobID: req.JobID, Err: err}
	}
}

func (c *Client) post(ctx context.Context, body []byte) (*jobs.Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseHTTPError(resp.StatusCode, raw)
	}

	var out jobs.Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &malformedError{Err: err}
	}
	if err := c.validate.Struct(&out); err != nil {
		return nil, &malformedError{Err: err}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err == nil {
		out.Raw = compact.Bytes()
	} else {
		out.Raw = raw
	}
	return &out, nil
}

type malformedError struct{ Err error }

func (e *malformedError) Error() string { return fmt.Sprintf("malformed inference result: %v", e.Err) }

func (e *malformedError) Unwrap() error { return e.Err }

// retryable leaves malformed bodies and 4xx answers to fail immediately.
func retryable(err error) bool {
	var me *malformedError
	if errors.As(err, &me) {
		return false
	}
	return httpx.IsRetryableError(err)
}
