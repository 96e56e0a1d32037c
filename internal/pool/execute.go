package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/megalotto/jackpot-data/internal/complexity"
	"github.com/megalotto/jackpot-data/internal/graph"
)

// Options configures a single Execute call.
type Options struct {
	Variables           map[string]any
	Headers             map[string]string
	SessionID           string
	SkipComplexityCheck bool
}

// Execute runs a query through the pool with admission control and retry.
//
// The document is parsed once. Unless the caller opts out, the complexity
// gate rejects over-limit requests before any network call. Transient
// failures retry with exponential backoff up to RetryAttempts; 4xx-class
// failures abort immediately. The connection used for an attempt is always
// released, success or failure.
func (p *Pool) Execute(ctx context.Context, req graph.Request, opts Options) (*graph.Response, error) {
	doc, err := graph.ParseQuery(req.Query)
	if err != nil {
		return nil, err
	}

	if !opts.SkipComplexityCheck {
		res := p.analyzer.Analyze(doc)
		if err := complexity.ValidateLimit(res, p.cfg.MaxScore); err != nil {
			p.logger.Debug("query rejected by admission control",
				"score", res.Score,
				"limit", p.cfg.MaxScore,
				"session", opts.SessionID,
			)
			return nil, err
		}
	}

	variables := req.Variables
	if opts.Variables != nil {
		variables = opts.Variables
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.RetryAttempts; attempt++ {
		conn := p.Acquire(ctx)
		resp, err := p.roundTrip(ctx, conn, req.Query, variables, opts)
		if err != nil {
			p.recordError(conn)
		}
		p.Release(conn)

		if err == nil {
			return resp, nil
		}
		lastErr = err

		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < p.cfg.RetryAttempts-1 {
			delay := p.cfg.RetryDelay * time.Duration(1<<attempt)
			p.logger.Debug("retrying query",
				"attempt", attempt+1,
				"backoff", delay,
				"conn", conn.id,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", p.cfg.RetryAttempts, lastErr)
}

// roundTrip performs one HTTP attempt on the given connection.
func (p *Pool) roundTrip(ctx context.Context, conn *Connection, query string, variables map[string]any, opts Options) (*graph.Response, error) {
	body, err := json.Marshal(graph.Request{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if opts.SessionID != "" {
		httpReq.Header.Set("X-Session-ID", opts.SessionID)
	}
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	for k, v := range opts.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := conn.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		if retryableStatus(httpResp.StatusCode) {
			return nil, &ServerError{StatusCode: httpResp.StatusCode, Body: respBody}
		}
		return nil, &ClientError{StatusCode: httpResp.StatusCode, Body: respBody}
	}

	var resp graph.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}
