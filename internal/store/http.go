// Package store implements the HTTP client for the post store service, the
// external owner of persistent post state.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashchan/livefeed"
)

// HTTP is a livefeed.PostStore over the store service's REST API.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates a store client. timeout bounds each call end to end on top
// of any caller context deadline.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Allocate creates an open post in a thread.
func (h *HTTP) Allocate(ctx context.Context, board string, thread uint64, name, password string) (livefeed.Allocated, error) {
	var out livefeed.Allocated
	path := fmt.Sprintf("/api/v1/boards/%s/threads/%d/open-post", board, thread)
	body := map[string]string{"name": name, "password": password}
	err := h.post(ctx, path, body, http.StatusCreated, &out)
	return out, err
}

// Close finalizes an open post.
func (h *HTTP) Close(ctx context.Context, postID uint64) (livefeed.Closed, error) {
	var out livefeed.Closed
	path := fmt.Sprintf("/api/v1/posts/%d/close", postID)
	err := h.post(ctx, path, nil, http.StatusOK, &out)
	return out, err
}

// Reclaim restores ownership of an open post.
func (h *HTTP) Reclaim(ctx context.Context, postID uint64, password string) (livefeed.Reclaimed, error) {
	var out livefeed.Reclaimed
	path := fmt.Sprintf("/api/v1/posts/%d/reclaim", postID)
	body := map[string]string{"password": password}
	err := h.post(ctx, path, body, http.StatusOK, &out)
	return out, err
}

// post issues one JSON request. Any status other than wantStatus is turned
// into a *livefeed.StoreError carrying the service's error message.
func (h *HTTP) post(ctx context.Context, path string, body any, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("store: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("store: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("store: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	message := http.StatusText(resp.StatusCode)
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	return &livefeed.StoreError{Status: resp.StatusCode, Message: message}
}
