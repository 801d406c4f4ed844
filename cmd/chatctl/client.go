package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-querystring/query"
)

// adminClient talks to the server's admin API.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(base, token string) *adminClient {
	return &adminClient{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// apiError is the JSON error body returned by the server.
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// historyOptions are the query parameters of GET /admin/block-history.
type historyOptions struct {
	Limit int `url:"limit,omitempty"`
}

// cleanupOptions are the query parameters of POST /admin/blocks/cleanup.
type cleanupOptions struct {
	Days int `url:"days,omitempty"`
}

// do sends a request. opts, when non-nil, is encoded as the query string
// and body, when non-nil, as JSON. A 2xx response is decoded into out.
func (c *adminClient) do(ctx context.Context, method, path string, opts, body, out any) error {
	url := c.base + path
	if opts != nil {
		v, err := query.Values(opts)
		if err != nil {
			return fmt.Errorf("failed to encode query: %w", err)
		}
		if q := v.Encode(); q != "" {
			url += "?" + q
		}
	}

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		data, err := io.ReadAll(resp.Body)
		*s = string(data)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
