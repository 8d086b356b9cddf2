// Echo handlers for the four wire RPCs, mirroring the teacher's
// handlers/kv.go shape (struct-wrapped store, c.Bind/c.JSON, JSON
// error bodies) but exposing the versioned-object contract the VRS
// client speaks instead of the teacher's free-form TTL'd KV API.
package vssserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mrofi/vssmirror/src/vrs"
)

// ObjectStore is what Handler needs from the backing store; *Store
// satisfies it against real etcd, and tests satisfy it with an
// in-memory fake the same way vrs.Fake stands in for a live VRS
// backend.
type ObjectStore interface {
	GetObject(ctx context.Context, storeID, key string) (value []byte, version int64, found bool, err error)
	PutObject(ctx context.Context, storeID, key string, value []byte, expectedVersion int64) error
	DeleteObject(ctx context.Context, storeID, key string) error
	ListKeyVersions(ctx context.Context, storeID, pageToken string) ([]vrs.KeyVersion, string, error)
}

// Handler wraps an ObjectStore and enforces request authentication
// before dispatching to it.
type Handler struct {
	Store  ObjectStore
	Logger *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(store ObjectStore, logger *zap.Logger) *Handler {
	return &Handler{Store: store, Logger: logger}
}

func errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]string{"code": code, "message": message})
}

// authenticate verifies the request's signed headers and rejects the
// request if they don't check out, per §8 property 8 / scenario S6: it
// writes a 401 response and returns a non-nil error so the calling
// handler stops before touching the store.
func (h *Handler) authenticate(c echo.Context) error {
	headers := map[string]string{}
	for name, values := range c.Request().Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	if _, err := vrs.VerifyHeaders(headers, time.Now()); err != nil {
		if writeErr := errorJSON(c, http.StatusUnauthorized, "unauthenticated", "request authentication failed"); writeErr != nil {
			return writeErr
		}
		return err
	}
	return nil
}

type getObjectResponse struct {
	Value   []byte `json:"value"`
	Version int64  `json:"version"`
	Found   bool   `json:"found"`
}

// GetObject handles GET /v1/stores/:store_id/objects/:key.
func (h *Handler) GetObject(c echo.Context) error {
	if err := h.authenticate(c); err != nil {
		return err
	}
	storeID := c.Param("store_id")
	key := c.Param("key")

	value, version, found, err := h.Store.GetObject(c.Request().Context(), storeID, key)
	if err != nil {
		h.Logger.Error("get object failed", zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, "internal", "could not read object")
	}
	if !found {
		return errorJSON(c, http.StatusNotFound, "not_found", "object not found")
	}
	return c.JSON(http.StatusOK, getObjectResponse{Value: value, Version: version, Found: true})
}

type putObjectRequest struct {
	StoreID         string `json:"store_id"`
	Key             string `json:"key"`
	Value           []byte `json:"value"`
	ExpectedVersion int64  `json:"expected_version"`
}

// PutObject handles PUT /v1/stores/:store_id/objects.
func (h *Handler) PutObject(c echo.Context) error {
	if err := h.authenticate(c); err != nil {
		return err
	}
	var req putObjectRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", "invalid request body")
	}
	if req.Key == "" {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", "key must not be empty")
	}

	err := h.Store.PutObject(c.Request().Context(), c.Param("store_id"), req.Key, req.Value, req.ExpectedVersion)
	if errors.Is(err, ErrConflict) {
		return errorJSON(c, http.StatusConflict, "conflict", "version conflict")
	}
	if err != nil {
		h.Logger.Error("put object failed", zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, "internal", "could not write object")
	}
	return c.NoContent(http.StatusOK)
}

type deleteObjectRequest struct {
	StoreID string `json:"store_id"`
	Key     string `json:"key"`
}

// DeleteObject handles DELETE /v1/stores/:store_id/objects.
func (h *Handler) DeleteObject(c echo.Context) error {
	if err := h.authenticate(c); err != nil {
		return err
	}
	var req deleteObjectRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", "invalid request body")
	}

	if err := h.Store.DeleteObject(c.Request().Context(), c.Param("store_id"), req.Key); err != nil {
		h.Logger.Error("delete object failed", zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, "internal", "could not delete object")
	}
	return c.NoContent(http.StatusOK)
}

type keyVersionWire struct {
	Key     string `json:"Key"`
	Version int64  `json:"Version"`
}

type listKeyVersionsResponse struct {
	KeyVersions   []keyVersionWire `json:"key_versions"`
	NextPageToken string           `json:"next_page_token"`
}

// ListKeyVersions handles GET /v1/stores/:store_id/objects.
func (h *Handler) ListKeyVersions(c echo.Context) error {
	if err := h.authenticate(c); err != nil {
		return err
	}
	storeID := c.Param("store_id")
	pageToken := c.QueryParam("page_token")

	items, next, err := h.Store.ListKeyVersions(c.Request().Context(), storeID, pageToken)
	if err != nil {
		h.Logger.Error("list key versions failed", zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, "internal", "could not list objects")
	}

	wire := make([]keyVersionWire, 0, len(items))
	for _, item := range items {
		wire = append(wire, keyVersionWire{Key: item.Key, Version: item.Version})
	}
	return c.JSON(http.StatusOK, listKeyVersionsResponse{KeyVersions: wire, NextPageToken: next})
}
