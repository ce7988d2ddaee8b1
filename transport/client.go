package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/archivist-app/chatcore/wire"
)

const requestTimeout = 10 * time.Second

// Resolver maps a peer ID to the host:port of its chat endpoint.
type Resolver interface {
	Resolve(peerID string) (string, error)
}

// StaticResolver resolves peers from a fixed address table.
type StaticResolver map[string]string

// Resolve implements Resolver.
func (r StaticResolver) Resolve(peerID string) (string, error) {
	addr, ok := r[peerID]
	if !ok {
		return "", fmt.Errorf("no address known for peer %s", peerID)
	}
	return addr, nil
}

// Client is the outbound side of the transport. It satisfies the
// delivery queue's Sender. Peer certificates are self-signed, so chain
// verification is disabled; authenticity comes from the session layer.
type Client struct {
	resolver Resolver
	http     *http.Client
}

// NewClient builds a transport client over the given resolver.
func NewClient(resolver Resolver) *Client {
	return &Client{
		resolver: resolver,
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// Send posts one payload to a peer endpoint such as "chat/message". Any
// non-200 answer is an error; the delivery queue handles retries.
func (c *Client) Send(ctx context.Context, recipientID, endpoint string, payload []byte) error {
	_, err := c.post(ctx, recipientID, endpoint, payload)
	return err
}

// ExchangePreKeyBundle offers our bundle to a peer and returns theirs.
func (c *Client) ExchangePreKeyBundle(ctx context.Context, peerID string, req wire.BundleRequest) (*wire.BundleResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode bundle request: %w", err)
	}

	body, err := c.post(ctx, peerID, "chat/prekey-bundle", payload)
	if err != nil {
		return nil, err
	}

	var resp wire.BundleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode bundle response: %w", err)
	}
	return &resp, nil
}

// Ping checks a peer's health endpoint.
func (c *Client) Ping(ctx context.Context, peerID string) error {
	addr, err := c.resolver.Resolve(peerID)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+addr+"/chat/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach peer %s: %w", peerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s unhealthy: status %d", peerID, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, peerID, endpoint string, payload []byte) ([]byte, error) {
	addr, err := c.resolver.Resolve(peerID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://"+addr+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach peer %s: %w", peerID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp wire.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("peer %s rejected %s: %s", peerID, endpoint, errResp.Error)
		}
		return nil, fmt.Errorf("peer %s rejected %s: status %d", peerID, endpoint, resp.StatusCode)
	}
	return body, nil
}
