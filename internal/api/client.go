// Package api talks to the platform's REST endpoints. The push socket
// carries events; everything with a body (entity snapshots, pages,
// attachment chunks, binary assets) goes through here. Requests are
// never retried at this layer: failures surface to the invoking feature
// as a message string.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/tomdraper/plexus/internal/errors"
	"github.com/tomdraper/plexus/internal/presence"
)

// Client talks to the platform REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// apiError is the server's error body shape.
type apiError struct {
	Msg string `json:"msg"`
}

// do sends a request with the session token attached and returns the
// response body for 2xx statuses. Non-2xx statuses are surfaced as a
// message string wrapped around ErrAPIRequest.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		if json.Unmarshal(respBody, &ae) == nil && ae.Msg != "" {
			return nil, fmt.Errorf("%w: %s (%d): %s", apperrors.ErrAPIRequest, endpoint, resp.StatusCode, ae.Msg)
		}
		return nil, fmt.Errorf("%w: %s returned status %d", apperrors.ErrAPIRequest, endpoint, resp.StatusCode)
	}

	return respBody, nil
}

// getJSON decodes a GET response into result.
func (c *Client) getJSON(ctx context.Context, endpoint string, result any) error {
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", apperrors.ErrAPIResponse, endpoint, err)
	}
	return nil
}

// postJSON sends a JSON POST and discards the response body.
func (c *Client) postJSON(ctx context.Context, endpoint string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(data), "application/json")
	return err
}

// FetchEntity retrieves a user snapshot: the metadata document and the
// profile image, fetched concurrently and merged into one cached
// object. A missing image is not an error. Satisfies presence.Fetcher.
func (c *Client) FetchEntity(ctx context.Context, id string) (presence.Entity, error) {
	var (
		snapshot presence.Entity
		img      []byte
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.getJSON(gctx, "/api/users/"+url.PathEscape(id), &snapshot)
	})
	g.Go(func() error {
		body, err := c.do(gctx, http.MethodGet, "/api/users/"+url.PathEscape(id)+"/pfp", nil, "")
		if err != nil {
			// Users without an uploaded picture are common; the snapshot
			// is still useful.
			return nil
		}
		img = body
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if snapshot == nil {
		snapshot = presence.Entity{}
	}
	if len(img) > 0 {
		snapshot["pfp"] = img
	}
	return snapshot, nil
}

// GetPage fetches one page of a feed with sort/filter parameters.
func (c *Client) GetPage(ctx context.Context, kind string, page int, sort, filter string) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if sort != "" {
		q.Set("sort", sort)
	}
	if filter != "" {
		q.Set("filter", filter)
	}

	var items []map[string]any
	endpoint := "/api/" + url.PathEscape(kind) + "?" + q.Encode()
	if err := c.getJSON(ctx, endpoint, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// AttachmentMeta pre-registers an upload so the server knows its size,
// type, and which topics to push progress events to.
type AttachmentMeta struct {
	MessageID     string   `json:"ID"`
	Name          string   `json:"name"`
	Size          int64    `json:"size"`
	MimeType      string   `json:"type"`
	DurationSecs  float64  `json:"duration,omitempty"`
	Subscriptions []string `json:"subscription_names"`
}

// RegisterAttachment submits attachment metadata ahead of the chunks.
func (c *Client) RegisterAttachment(ctx context.Context, meta AttachmentMeta) error {
	return c.postJSON(ctx, "/api/attachment/metadata", meta)
}

// UploadChunk sends one byte range of an attachment. Chunks are indexed
// so the server can detect gaps and discard incomplete uploads.
func (c *Client) UploadChunk(ctx context.Context, messageID string, index int, chunk []byte) error {
	endpoint := "/api/attachment/chunk/" + url.PathEscape(messageID) + "/" + strconv.Itoa(index)
	_, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(chunk), "application/octet-stream")
	return err
}

// GetImage fetches a binary asset. v is the cache-busting version from
// UPDATE_IMAGE events; bumping it forces a re-request past any caches.
func (c *Client) GetImage(ctx context.Context, path string, v int) ([]byte, error) {
	endpoint := path
	if v > 0 {
		endpoint += "?v=" + strconv.Itoa(v)
	}
	return c.do(ctx, http.MethodGet, endpoint, nil, "")
}
