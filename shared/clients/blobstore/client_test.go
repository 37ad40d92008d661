package blobstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"rootsense/shared/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Config{
		BlobStoreURL:    srv.URL,
		BlobStoreToken:  "secret",
		BlobStoreBucket: "tree-images",
		BlobTimeoutMS:   2000,
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestUploadOK(t *testing.T) {
	var gotPath, gotAuth, gotType string
	var gotBody []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	if err := c.Upload(context.Background(), "T-1-99.jpg", []byte("img"), "image/jpeg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/storage/v1/object/tree-images/T-1-99.jpg" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header: %s", gotAuth)
	}
	if gotType != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", gotType)
	}
	if string(gotBody) != "img" {
		t.Fatalf("unexpected body: %q", gotBody)
	}
}

func TestUploadFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := c.Upload(context.Background(), "k.jpg", []byte("img"), "image/jpeg")
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if se.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", se.Status)
	}
}

func TestUploadRejectsEmptyInputs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if err := c.Upload(context.Background(), "", []byte("img"), ""); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if err := c.Upload(context.Background(), "k.jpg", nil, ""); err == nil {
		t.Fatalf("expected error for empty body")
	}
}

func TestDeleteTreatsNotFoundAsDone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if err := c.Delete(context.Background(), "gone.jpg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPublicURLIsPure(t *testing.T) {
	cfg := config.Config{
		BlobStoreURL:    "https://blobs.example.edu",
		BlobStoreBucket: "tree-images",
		BlobPublicBase:  "https://cdn.example.edu/public",
		BlobTimeoutMS:   1000,
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := c.PublicURL("T-1-99.jpg")
	want := "https://cdn.example.edu/public/tree-images/T-1-99.jpg"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	// Same key, same URL, no side effects.
	if again := c.PublicURL("T-1-99.jpg"); again != got {
		t.Fatalf("expected stable URL, got %q then %q", got, again)
	}
}
