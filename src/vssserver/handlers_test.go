package vssserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mrofi/vssmirror/src/vrs"
)

func testHandler() (*Handler, *fakeStore, *vrs.HeaderSigner) {
	store := newFakeStore()
	signer := vrs.NewHeaderSigner([32]byte{1, 2, 3}, "test-key")
	return NewHandler(store, zap.NewNop()), store, signer
}

func signedRequest(signer *vrs.HeaderSigner, method, url string, body []byte) *http.Request {
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range signer.Headers(time.Now()) {
		req.Header.Set(k, v)
	}
	return req
}

func TestGetObjectNotFound(t *testing.T) {
	h, _, signer := testHandler()
	e := echo.New()
	SetupRoutes(e, h)

	req := signedRequest(signer, http.MethodGet, "/v1/stores/store1/objects/mykey", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestPutThenGetObjectRoundTrip(t *testing.T) {
	h, _, signer := testHandler()
	e := echo.New()
	SetupRoutes(e, h)

	putBody, _ := json.Marshal(putObjectRequest{StoreID: "store1", Key: "mykey", Value: []byte("hello"), ExpectedVersion: 0})
	putReq := signedRequest(signer, http.MethodPut, "/v1/stores/store1/objects", putBody)
	putRec := httptest.NewRecorder()
	e.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("put: got status %d, want 200, body=%s", putRec.Code, putRec.Body.String())
	}

	getReq := signedRequest(signer, http.MethodGet, "/v1/stores/store1/objects/mykey", nil)
	getRec := httptest.NewRecorder()
	e.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get: got status %d, want 200", getRec.Code)
	}

	var resp getObjectResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if string(resp.Value) != "hello" || resp.Version != 1 {
		t.Fatalf("got %+v, want value=hello version=1", resp)
	}
}

func TestPutObjectConflictOnStaleExpectedVersion(t *testing.T) {
	h, store, signer := testHandler()
	store.data["store1/mykey"] = fakeEntry{value: []byte("existing"), version: 3}

	e := echo.New()
	SetupRoutes(e, h)

	body, _ := json.Marshal(putObjectRequest{StoreID: "store1", Key: "mykey", Value: []byte("new"), ExpectedVersion: 0})
	req := signedRequest(signer, http.MethodPut, "/v1/stores/store1/objects", body)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("got status %d, want 409", rec.Code)
	}
}

func TestListKeyVersionsReturnsSortedKeys(t *testing.T) {
	h, store, signer := testHandler()
	store.data["store1/b"] = fakeEntry{value: []byte("2"), version: 0}
	store.data["store1/a"] = fakeEntry{value: []byte("1"), version: 0}

	e := echo.New()
	SetupRoutes(e, h)

	req := signedRequest(signer, http.MethodGet, "/v1/stores/store1/objects", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp listKeyVersionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.KeyVersions) != 2 || resp.KeyVersions[0].Key != "a" || resp.KeyVersions[1].Key != "b" {
		t.Fatalf("got %+v, want [a b]", resp.KeyVersions)
	}
}

// S6: an unsigned request is rejected.
func TestUnsignedRequestIsRejected(t *testing.T) {
	h, _, _ := testHandler()
	e := echo.New()
	SetupRoutes(e, h)

	req := httptest.NewRequest(http.MethodGet, "/v1/stores/store1/objects/mykey", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
}

func TestDeleteObjectThenListDoesNotIncludeIt(t *testing.T) {
	h, store, signer := testHandler()
	store.data["store1/mykey"] = fakeEntry{value: []byte("v"), version: 0}

	e := echo.New()
	SetupRoutes(e, h)

	body, _ := json.Marshal(deleteObjectRequest{StoreID: "store1", Key: "mykey"})
	req := signedRequest(signer, http.MethodDelete, "/v1/stores/store1/objects", body)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: got status %d, want 200", rec.Code)
	}

	getReq := signedRequest(signer, http.MethodGet, "/v1/stores/store1/objects/mykey", nil)
	getRec := httptest.NewRecorder()
	e.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got status %d, want 404", getRec.Code)
	}
}
