package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClient talks to a swarm proxy over JSON/HTTP. Requests are paced
// with a token bucket so a burst of jobs cannot flood the proxy.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a client for the proxy at baseURL.
func NewHTTPClient(baseURL string, requestsPerSecond float64) *HTTPClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 4
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultTimeout * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrTimeout
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotAcceptable {
			// The swarm rejects requests whose signed timestamp drifts
			// too far from server time.
			return ErrClockSkew
		}
		return &StatusError{Code: resp.StatusCode, Msg: string(bytes.TrimSpace(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, destination string, payload []byte) (*SentMessage, error) {
	var out SentMessage
	err := c.post(ctx, "/store", map[string]any{
		"destination": destination,
		"data":        base64.StdEncoding.EncodeToString(payload),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) StoreConfigs(ctx context.Context, owner string, pushes []ConfigPush, obsolete []string) ([]ConfigPushResult, error) {
	type wirePush struct {
		Namespace string `json:"namespace"`
		Data      string `json:"data"`
		Seqno     int64  `json:"seqno"`
	}
	reqs := make([]wirePush, len(pushes))
	for i, p := range pushes {
		reqs[i] = wirePush{Namespace: p.Namespace, Data: base64.StdEncoding.EncodeToString(p.Data), Seqno: p.Seqno}
	}
	var out struct {
		Results []ConfigPushResult `json:"results"`
	}
	err := c.post(ctx, "/sequence", map[string]any{
		"owner":    owner,
		"store":    reqs,
		"obsolete": obsolete,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *HTTPClient) DeleteMessages(ctx context.Context, owner string, hashes []string) error {
	return c.post(ctx, "/delete", map[string]any{"owner": owner, "hashes": hashes}, nil)
}

func (c *HTTPClient) GetExpiries(ctx context.Context, owner string, hashes []string) (map[string]int64, error) {
	var out struct {
		Expiries map[string]int64 `json:"expiries"`
	}
	err := c.post(ctx, "/get_expiries", map[string]any{"owner": owner, "hashes": hashes}, &out)
	if err != nil {
		return nil, err
	}
	return out.Expiries, nil
}

func (c *HTTPClient) UpdateExpiries(ctx context.Context, owner string, hashes []string, expiryMs int64) (map[string]int64, error) {
	var out struct {
		Expiries map[string]int64 `json:"expiries"`
	}
	err := c.post(ctx, "/expire", map[string]any{"owner": owner, "hashes": hashes, "expiry": expiryMs}, &out)
	if err != nil {
		return nil, err
	}
	return out.Expiries, nil
}

func (c *HTTPClient) UploadAttachment(ctx context.Context, data []byte) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.post(ctx, "/file", map[string]any{
		"data": base64.StdEncoding.EncodeToString(data),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) DownloadAttachment(ctx context.Context, remoteID string) ([]byte, error) {
	var out struct {
		Data string `json:"data"`
	}
	if err := c.post(ctx, "/file/"+remoteID, nil, &out); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment: %w", err)
	}
	return data, nil
}
