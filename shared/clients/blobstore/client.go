package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rootsense/shared/config"
	"rootsense/shared/metricsx"
)

// StoreError is any failure talking to the object store. Uploads are not
// retried here; the caller decides whether to abort or try again.
type StoreError struct {
	Op     string
	Key    string
	Status int
	Err    error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("blobstore %s %q failed: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("blobstore %s %q failed: status %d", e.Op, e.Key, e.Status)
}

func (e *StoreError) Unwrap() error { return e.Err }

type Client struct {
	baseURL    string
	token      string
	bucket     string
	publicBase string
	http       *http.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.BlobStoreURL == "" {
		return nil, errors.New("BLOBSTORE_URL is required")
	}
	if cfg.BlobStoreBucket == "" {
		return nil, errors.New("BLOBSTORE_BUCKET is required")
	}
	timeout := time.Duration(cfg.BlobTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BlobStoreURL, "/"),
		token:      cfg.BlobStoreToken,
		bucket:     cfg.BlobStoreBucket,
		publicBase: strings.TrimRight(cfg.BlobPublicBase, "/"),
		http:       &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Bucket() string {
	if c == nil {
		return ""
	}
	return c.bucket
}

func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if c == nil || c.http == nil {
		return errors.New("blobstore client not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return &StoreError{Op: "upload", Key: key, Err: errors.New("empty key")}
	}
	if len(data) == 0 {
		return &StoreError{Op: "upload", Key: key, Err: errors.New("empty body")}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metricsx.IncBlobUploadFailure()
		return &StoreError{Op: "upload", Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metricsx.IncBlobUploadFailure()
		return &StoreError{Op: "upload", Key: key, Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if c == nil || c.http == nil {
		return errors.New("blobstore client not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return &StoreError{Op: "delete", Key: key, Err: errors.New("empty key")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(key), nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &StoreError{Op: "delete", Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StoreError{Op: "delete", Key: key, Status: resp.StatusCode}
	}
	return nil
}

type ObjectInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// List pages through every object in the bucket. The sweep is the only
// caller, so a full enumeration is acceptable.
func (c *Client) List(ctx context.Context) ([]ObjectInfo, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("blobstore client not initialized")
	}

	const pageSize = 100
	var all []ObjectInfo
	for offset := 0; ; offset += pageSize {
		body, err := json.Marshal(map[string]any{
			"prefix": "",
			"limit":  pageSize,
			"offset": offset,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/storage/v1/object/list/"+c.bucket, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		var page []ObjectInfo
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, &StoreError{Op: "list", Status: resp.StatusCode}
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}

		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// PublicURL derives the browsable URL for a stored object. Pure; no network
// round trip and no existence check.
func (c *Client) PublicURL(key string) string {
	if c == nil {
		return ""
	}
	base := c.publicBase
	if base == "" {
		base = c.baseURL + "/storage/v1/object/public"
	}
	return base + "/" + c.bucket + "/" + url.PathEscape(key)
}

func (c *Client) objectURL(key string) string {
	return c.baseURL + "/storage/v1/object/" + c.bucket + "/" + url.PathEscape(key)
}
