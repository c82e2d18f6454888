// Package embedclient implements the external embedding generator client
// named in spec §6: a pluggable engine.EmbeddingClient backed by an HTTP
// JSON service, with a bounded retry budget so a transient outage degrades
// to embedding-service-unavailable rather than hanging a writer.
//
// A shared *http.Client carries a request timeout, requests and responses
// are plain JSON bodies, and any non-2xx status is treated as an error.
// The retry loop is built on cenkalti/backoff/v4's exponential backoff.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dreamware/cortex/internal/logging"
	"github.com/dreamware/cortex/internal/protocol"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the embedding service root, e.g. "http://localhost:8081".
	// Embed posts to BaseURL + "/embed".
	BaseURL string

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt, spaced
	// by exponential backoff. The default of 2 gives three attempts in all.
	MaxRetries int
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
}

// Client is the HTTP-backed engine.EmbeddingClient implementation.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New constructs a Client. It does not dial anything eagerly.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests a vector for text from the configured service, retrying
// transient failures up to MaxRetries times with exponential backoff
// before surfacing embedding-service-unavailable (spec §4.6, §6).
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, error) {
	log := logging.WithComponent("embedclient")

	var result []float32
	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxRetries)), ctx)

	op := func() error {
		attempt++
		v, err := c.postEmbed(ctx, model, text)
		if err != nil {
			log.Warn().Int("attempt", attempt).Err(err).Msg("embedding request failed")
			return err
		}
		result = v
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, protocol.Errorf(protocol.KindEmbeddingUnavailable, "embedding service unavailable after %d attempts: %v", attempt, err)
	}
	return result, nil
}

func (c *Client) postEmbed(ctx context.Context, model, text string) ([]float32, error) {
	reqBody, err := json.Marshal(embedRequest{Model: model, Text: text})
	if err != nil {
		return nil, fmt.Errorf("embedclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedclient: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedclient: http %d: %s", resp.StatusCode, string(body))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embedclient: decode response: %w", err)
	}
	return out.Embedding, nil
}
