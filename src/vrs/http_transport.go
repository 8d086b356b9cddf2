// HTTP+JSON transport for the §6 wire protocol. The example pack has no
// grpc/protobuf stubs we can ground a wire format on without running
// protoc (see DESIGN.md), so GetObject/PutObject/DeleteObject/
// ListKeyVersions are mapped onto plain JSON-over-HTTP requests against
// a store-scoped base URL, signed the same way regardless of transport.
package vrs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPBackend implements Backend by talking to a VSS-protocol server
// over HTTP, signing every request with a HeaderSigner.
type HTTPBackend struct {
	BaseURL    string
	HTTPClient *http.Client
	Signer     *HeaderSigner
}

// NewHTTPBackend builds an HTTPBackend with a sane default client
// timeout; the retry policy, not the HTTP client, owns overall
// patience.
func NewHTTPBackend(baseURL string, signer *HeaderSigner) *HTTPBackend {
	return &HTTPBackend{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Signer:     signer,
	}
}

type getObjectResponse struct {
	Value   []byte `json:"value"`
	Version int64  `json:"version"`
	Found   bool   `json:"found"`
}

type putObjectRequest struct {
	StoreID         string `json:"store_id"`
	Key             string `json:"key"`
	Value           []byte `json:"value"`
	ExpectedVersion int64  `json:"expected_version"`
}

type deleteObjectRequest struct {
	StoreID string `json:"store_id"`
	Key     string `json:"key"`
}

type listKeyVersionsResponse struct {
	KeyVersions   []KeyVersion `json:"key_versions"`
	NextPageToken string       `json:"next_page_token"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b *HTTPBackend) GetObject(ctx context.Context, storeID, obfuscatedKey string) ([]byte, int64, bool, error) {
	url := fmt.Sprintf("%s/v1/stores/%s/objects/%s", b.BaseURL, storeID, obfuscatedKey)
	var resp getObjectResponse
	status, err := b.do(ctx, http.MethodGet, url, nil, &resp)
	if err != nil {
		return nil, 0, false, err
	}
	if status == http.StatusNotFound {
		return nil, 0, false, nil
	}
	return resp.Value, resp.Version, true, nil
}

func (b *HTTPBackend) PutObject(ctx context.Context, storeID, obfuscatedKey string, value []byte, expectedVersion int64) error {
	url := fmt.Sprintf("%s/v1/stores/%s/objects", b.BaseURL, storeID)
	req := putObjectRequest{StoreID: storeID, Key: obfuscatedKey, Value: value, ExpectedVersion: expectedVersion}
	_, err := b.do(ctx, http.MethodPut, url, req, nil)
	return err
}

func (b *HTTPBackend) DeleteObject(ctx context.Context, storeID, obfuscatedKey string) error {
	url := fmt.Sprintf("%s/v1/stores/%s/objects", b.BaseURL, storeID)
	req := deleteObjectRequest{StoreID: storeID, Key: obfuscatedKey}
	_, err := b.do(ctx, http.MethodDelete, url, req, nil)
	return err
}

func (b *HTTPBackend) ListKeyVersions(ctx context.Context, storeID, pageToken string) ([]KeyVersion, string, error) {
	url := fmt.Sprintf("%s/v1/stores/%s/objects?page_token=%s", b.BaseURL, storeID, pageToken)
	var resp listKeyVersionsResponse
	_, err := b.do(ctx, http.MethodGet, url, nil, &resp)
	if err != nil {
		return nil, "", err
	}
	return resp.KeyVersions, resp.NextPageToken, nil
}

// do executes one signed HTTP round trip. A 404 on a GET returns the
// status with no error (GetObject reports it as found=false); a 409
// returns ErrConflict; any other status of 300 or above, including a
// 404 on PUT or DELETE, returns ErrInternal.
func (b *HTTPBackend) do(ctx context.Context, method, url string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%w: encoding request: %v", ErrInternal, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("%w: building request: %v", ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range b.Signer.Headers(time.Now()) {
		req.Header.Set(k, v)
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return resp.StatusCode, nil
	}
	if resp.StatusCode == http.StatusConflict {
		return resp.StatusCode, ErrConflict
	}
	if resp.StatusCode >= 300 {
		var apiErr errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return resp.StatusCode, fmt.Errorf("%w: %s (status %d)", ErrInternal, apiErr.Message, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decoding response: %v", ErrInternal, err)
		}
	}
	return resp.StatusCode, nil
}
