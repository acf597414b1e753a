// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPClient is the shared transport for the per-entity HTTP remotes: base
// URL, bearer token supplier, underlying client.
type HTTPClient struct {
	BaseURL   string
	Token     TokenFunc
	HTTP      *http.Client
	PageLimit int
}

// NewHTTPClient creates a transport with the default page size and timeout.
func NewHTTPClient(baseURL string, token TokenFunc) *HTTPClient {
	return &HTTPClient{
		BaseURL:   baseURL,
		Token:     token,
		HTTP:      &http.Client{Timeout: 60 * time.Second},
		PageLimit: DefaultConfig().PageLimit,
	}
}

// HTTPRemote implements Remote[E] against a REST-like endpoint:
// GET/POST {path}, PATCH/DELETE {path}/{id}. List drains pagination
// internally and returns the fully materialized set.
type HTTPRemote[E any] struct {
	client *HTTPClient
	path   string // e.g. "/v1/tasks"
}

func NewHTTPRemote[E any](client *HTTPClient, path string) *HTTPRemote[E] {
	return &HTTPRemote[E]{client: client, path: path}
}

type listPage[E any] struct {
	Items      []E    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

func (r *HTTPRemote[E]) List(ctx context.Context) ([]E, error) {
	var all []E
	cursor := ""
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(r.client.PageLimit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page listPage[E]
		if err := r.client.do(ctx, http.MethodGet, r.path+"?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func (r *HTTPRemote[E]) Create(ctx context.Context, entity E, staged Fields) (E, error) {
	var zero E
	body, err := createBody(entity, staged)
	if err != nil {
		return zero, err
	}
	var out E
	if err := r.client.do(ctx, http.MethodPost, r.path, body, &out); err != nil {
		return zero, err
	}
	return out, nil
}

func (r *HTTPRemote[E]) Update(ctx context.Context, id string, fields Fields) (E, error) {
	var zero E
	var out E
	if err := r.client.do(ctx, http.MethodPatch, r.path+"/"+url.PathEscape(id), fields, &out); err != nil {
		return zero, err
	}
	return out, nil
}

func (r *HTTPRemote[E]) Delete(ctx context.Context, id string) error {
	return r.client.do(ctx, http.MethodDelete, r.path+"/"+url.PathEscape(id), nil, nil)
}

// createBody flattens the optimistic entity and overlays the staged
// create-time payload. The temp ID travels as client_id so the server can
// answer retries idempotently.
func createBody[E any](entity E, staged Fields) (map[string]any, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	if id, ok := m["id"].(string); ok && IsTempID(id) {
		m["client_id"] = id
		delete(m, "id")
	}
	for k, v := range staged {
		m[k] = v
	}
	return m, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &RemoteError{StatusCode: resp.StatusCode, Message: string(data)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
