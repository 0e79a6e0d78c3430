package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openkasse/kassad/internal/types"
)

// HTTPSigner talks JSON/HTTP to an external technical security element for
// tse.mode = "http".
type HTTPSigner struct {
	endpoint string
	apiKey   string
	client   *http.Client
	log      zerolog.Logger
}

// NewHTTPSigner builds a signer client. timeout bounds each sign call; an
// exceeded bound surfaces as ExternalTimeout.
func NewHTTPSigner(endpoint, apiKey string, timeout time.Duration, logger zerolog.Logger) *HTTPSigner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSigner{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		log:      logger.With().Str("component", "tse").Logger(),
	}
}

type signRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type signResponse struct {
	Signature    string    `json:"signature"`
	Counter      int64     `json:"signature_counter"`
	TSETimestamp time.Time `json:"tse_timestamp"`
	Error        string    `json:"error,omitempty"`
}

func (s *HTTPSigner) Sign(ctx context.Context, payload []byte) (*Signature, error) {
	body, err := json.Marshal(signRequest{Payload: payload})
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to encode sign request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to build sign request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, types.WrapError(types.KindExternalTimeout, "signer exceeded its time bound", err)
		}
		return nil, types.WrapError(types.KindFiscalCommitFail, "signer unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.WrapError(types.KindFiscalCommitFail, "failed to read signer response", err)
	}
	if resp.StatusCode != http.StatusOK {
		s.log.Warn().Int("status", resp.StatusCode).Msg("Signer returned non-200")
		return nil, types.NewError(types.KindFiscalCommitFail,
			fmt.Sprintf("signer returned status %d", resp.StatusCode))
	}

	var out signResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, types.WrapError(types.KindFiscalCommitFail, "malformed signer response", err)
	}
	if out.Error != "" {
		return nil, types.NewError(types.KindFiscalCommitFail, "signer rejected payload: "+out.Error)
	}
	if out.Signature == "" {
		return nil, types.NewError(types.KindFiscalCommitFail, "signer response missing signature")
	}

	return &Signature{
		Signature:    out.Signature,
		Counter:      out.Counter,
		TSETimestamp: out.TSETimestamp,
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
