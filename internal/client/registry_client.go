package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"huddle/internal/core/domain"
	"huddle/pkg/circuitbreaker"
	"huddle/pkg/retry"

	"go.uber.org/zap"
)

// RegistryClient talks to the presence registry over HTTP. Every request
// carries a timeout shorter than the caller's repeat interval, so a slow
// registry cannot stack in-flight requests; discovery additionally runs
// through a circuit breaker.
type RegistryClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
}

func NewRegistryClient(baseURL string, requestTimeout time.Duration, logger *zap.SugaredLogger) *RegistryClient {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             10 * time.Second,
		MaxRequestsHalfOpen: 1,
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("registry circuit breaker state changed", "from", from.String(), "to", to.String())
	})

	return &RegistryClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		breaker:    breaker,
		logger:     logger,
	}
}

// Register announces the local peer. Retried with backoff: a client that
// cannot register is invisible, so this call is worth a few attempts.
func (c *RegistryClient) Register(ctx context.Context, peerID, displayName string) error {
	return retry.Retry(ctx, retry.DefaultConfig(), func() error {
		status, _, err := c.post(ctx, "/register", map[string]string{
			"peerId":      peerID,
			"displayName": displayName,
		})
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("register returned status %d", status)
		}
		return nil
	})
}

// Unregister removes the local peer. Best effort: a missing record is fine.
func (c *RegistryClient) Unregister(ctx context.Context, peerID string) error {
	status, _, err := c.post(ctx, "/unregister", map[string]string{"peerId": peerID})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unregister returned status %d", status)
	}
	return nil
}

// Heartbeat refreshes the local peer's liveness. A 404 maps to
// domain.ErrPeerNotFound: the record was swept and the peer must re-register.
func (c *RegistryClient) Heartbeat(ctx context.Context, peerID string) error {
	status, _, err := c.post(ctx, "/heartbeat", map[string]string{"peerId": peerID})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return domain.ErrPeerNotFound
	default:
		return fmt.Errorf("heartbeat returned status %d", status)
	}
}

// ListPeers fetches the current peer directory through the circuit breaker.
func (c *RegistryClient) ListPeers(ctx context.Context) ([]domain.PeerInfo, error) {
	var peers []domain.PeerInfo

	err := c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users", nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("list peers returned status %d", resp.StatusCode)
		}

		var body struct {
			Users []domain.PeerInfo `json:"users"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode peer list: %w", err)
		}

		peers = body.Users
		return nil
	})
	if err != nil {
		return nil, err
	}
	return peers, nil
}

func (c *RegistryClient) post(ctx context.Context, path string, body interface{}) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, nil
}
