package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/etienne-leroy/FTILlite/protocol"
)

// CommandPath is the route a segment node serves commands on.
const CommandPath = "/segment/command"

// HTTPClient runs commands by POSTing envelopes to a node's HTTP surface.
type HTTPClient struct {
	node    protocol.Node
	baseURL string
	client  *http.Client
}

// NewHTTPClient targets the node listening at baseURL.
func NewHTTPClient(node protocol.Node, baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &HTTPClient{node: node, baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

func (c *HTTPClient) Run(ctx context.Context, request string, responseRequired bool) (string, error) {
	body, err := protocol.SerializeMessage(protocol.NewEnvelope(request, responseRequired))
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, delay(defaultBaseDelay, defaultMaxDelay, defaultJitter, attempt-1)); err != nil {
				return "", fmt.Errorf("%w: %s: %w", protocol.ErrTransport, c.node, err)
			}
		}
		resp, err := c.post(ctx, body)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %s: %w", protocol.ErrTransport, c.node, ctx.Err())
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %s: number of attempts exceeded: %w", protocol.ErrTransport, c.node, lastErr)
}

func (c *HTTPClient) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+CommandPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
