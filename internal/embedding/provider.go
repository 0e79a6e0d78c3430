// Package embedding provides the external embedding provider client and a
// persistent content-addressed vector cache.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/openkasse/kassad/internal/types"
)

// DefaultDimensions is the vector size the catalog side table stores.
const DefaultDimensions = 768

// Provider computes a vector for a piece of catalog text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPProvider talks JSON/HTTP to an external embedding service.
type HTTPProvider struct {
	endpoint   string
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
}

func NewHTTPProvider(endpoint, apiKey, model string, dimensions int, timeout time.Duration) *HTTPProvider {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: text})
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to encode embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, types.WrapError(types.KindExternalTimeout, "embedding provider timed out", err)
		}
		return nil, types.WrapError(types.KindInternal, "embedding provider unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.KindInternal,
			fmt.Sprintf("embedding provider returned status %d", resp.StatusCode))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, types.WrapError(types.KindInternal, "malformed embedding response", err)
	}
	if decoded.Error != "" {
		return nil, types.NewError(types.KindInternal, "embedding provider error: "+decoded.Error)
	}
	if len(decoded.Embedding) != p.dimensions {
		return nil, types.NewError(types.KindInternal,
			fmt.Sprintf("embedding dimension mismatch: got %d, want %d", len(decoded.Embedding), p.dimensions))
	}
	return decoded.Embedding, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
