package vrs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestSigner() *HeaderSigner {
	var key [32]byte
	for i := range key {
		key[i] = byte(i + 3)
	}
	return NewHeaderSigner(key, "test-key")
}

func TestHTTPBackendGetObjectNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	backend := NewHTTPBackend(server.URL, newTestSigner())
	_, _, found, err := backend.GetObject(context.Background(), "store1", "key1")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if found {
		t.Fatal("expected found=false for a 404")
	}
}

func TestHTTPBackendGetObjectFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(getObjectResponse{Value: []byte("payload"), Version: 3, Found: true})
	}))
	defer server.Close()

	backend := NewHTTPBackend(server.URL, newTestSigner())
	value, version, found, err := backend.GetObject(context.Background(), "store1", "key1")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if !found || string(value) != "payload" || version != 3 {
		t.Fatalf("got (%q, %d, %v), want (payload, 3, true)", value, version, found)
	}
}

func TestHTTPBackendPutObjectConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	backend := NewHTTPBackend(server.URL, newTestSigner())
	err := backend.PutObject(context.Background(), "store1", "key1", []byte("v"), 0)
	if err != ErrConflict {
		t.Fatalf("got err %v, want ErrConflict", err)
	}
}

func TestHTTPBackendAttachesSignedHeaders(t *testing.T) {
	var gotAPIKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get(HeaderAPIKey)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	signer := newTestSigner()
	backend := NewHTTPBackend(server.URL, signer)
	_, _, _, _ = backend.GetObject(context.Background(), "store1", "key1")

	if gotAPIKey != "test-key" {
		t.Fatalf("got api key header %q, want %q", gotAPIKey, "test-key")
	}
}

func TestHTTPBackendListKeyVersions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(listKeyVersionsResponse{
			KeyVersions:   []KeyVersion{{Key: "a", Version: 1}, {Key: "b", Version: 2}},
			NextPageToken: "",
		})
	}))
	defer server.Close()

	backend := NewHTTPBackend(server.URL, newTestSigner())
	items, next, err := backend.ListKeyVersions(context.Background(), "store1", "")
	if err != nil {
		t.Fatalf("ListKeyVersions: %v", err)
	}
	if next != "" || len(items) != 2 {
		t.Fatalf("got (%v, %q), want 2 items and empty token", items, next)
	}
}
