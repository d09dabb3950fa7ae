// Package imageservice is the boundary client for the image metadata and
// byte store. Artifact identifiers are opaque strings; this package only
// escapes them for URLs and never interprets them.
package imageservice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ImageInfo is the authoritative metadata for one artifact.
type ImageInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Client fetches artifact metadata and bytes.
type Client interface {
	Show(ctx context.Context, id string) (ImageInfo, error)
	Download(ctx context.Context, id string, w io.Writer) error
}

// HTTPClient talks to the image service over HTTP with token auth.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *HTTPClient) do(ctx context.Context, id, suffix string) (*http.Response, error) {
	u := fmt.Sprintf("%s/v2/images/%s%s", c.BaseURL, url.PathEscape(id), suffix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("X-Auth-Token", c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image service request %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("image service returned %d for %s", resp.StatusCode, id)
	}
	return resp, nil
}

func (c *HTTPClient) Show(ctx context.Context, id string) (ImageInfo, error) {
	resp, err := c.do(ctx, id, "")
	if err != nil {
		return ImageInfo{}, err
	}
	defer resp.Body.Close()
	var info ImageInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ImageInfo{}, fmt.Errorf("decode image info for %s: %w", id, err)
	}
	return info, nil
}

func (c *HTTPClient) Download(ctx context.Context, id string, w io.Writer) error {
	resp, err := c.do(ctx, id, "/file")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download image %s: %w", id, err)
	}
	return nil
}
