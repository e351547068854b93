package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

const defaultChunkSize = 12

// #region http-runner

// HTTPRunner posts cases to a batch endpoint in fixed-size chunks, paced by a
// rate limiter.
type HTTPRunner struct {
	url     string
	client  *http.Client
	chunk   int
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewHTTPRunner(cfg config.RunnerConfig, log *zap.Logger) *HTTPRunner {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &HTTPRunner{
		url:     cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		chunk:   chunk,
		limiter: rate.NewLimiter(limit, 1),
		log:     logging.OrNop(log).Named("runner"),
	}
}

// Execute runs every case and returns the merged, validated reply. The first
// failing chunk aborts the run.
func (r *HTTPRunner) Execute(ctx context.Context, cases []store.TestCase, opts Options) (BatchResult, error) {
	out := BatchResult{OK: true, Results: []CaseResult{}}
	for start := 0; start < len(cases); start += r.chunk {
		end := min(start+r.chunk, len(cases))
		if err := r.limiter.Wait(ctx); err != nil {
			return BatchResult{}, apperr.Upstream("batch runner", err)
		}
		part, err := r.post(ctx, toWire(cases[start:end], opts))
		if err != nil {
			return BatchResult{}, err
		}
		r.log.Debug("chunk complete",
			zap.Int("from", start),
			zap.Int("to", end),
			zap.Int("passed", part.Summary.Passed),
		)
		merge(&out, part)
	}
	return out, nil
}

func (r *HTTPRunner) post(ctx context.Context, body request) (BatchResult, error) {
	const op = "batch runner"
	payload, err := json.Marshal(body)
	if err != nil {
		return BatchResult{}, fmt.Errorf("marshal batch request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return BatchResult{}, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return BatchResult{}, apperr.Upstream(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return BatchResult{}, apperr.Upstream(op, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return BatchResult{}, apperr.Upstream(op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200)))
	}

	var res BatchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return BatchResult{}, apperr.Upstream(op, fmt.Errorf("decode reply: %w", err))
	}
	if err := Validate(&res); err != nil {
		return BatchResult{}, err
	}
	return res, nil
}

// #endregion http-runner

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
