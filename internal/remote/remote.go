// Package remote adapts the cloud document store the sync engine delivers to.
// The backend is assumed to give at-least-once delivery per write and
// last-write-wins conflict resolution; the adapter's job is transport plus
// error classification, never merging.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Store is the capability the sync engine consumes.
type Store interface {
	CreateDocument(ctx context.Context, collection, id string, doc json.RawMessage) error
	UpdateDocument(ctx context.Context, collection, id string, doc json.RawMessage) error
	DeleteDocument(ctx context.Context, collection, id string) error
	ListDocuments(ctx context.Context, collection string, updatedSince time.Time) ([]Document, error)
	Healthy(ctx context.Context) error
}

// Document is one remote record as returned by list queries.
type Document struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ErrNotFound is returned when the remote has no such document.
var ErrNotFound = errors.New("remote document not found")

// TransientError wraps failures worth retrying: network errors, timeouts and
// server-side errors. Anything else is permanent for the queue entry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// HTTPStore talks to the remote document API over JSON/REST.
type HTTPStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPStore creates a remote store client.
func NewHTTPStore(baseURL, apiKey string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// CreateDocument writes a new document. The backend upserts, so replays of
// an already-delivered create are harmless.
func (s *HTTPStore) CreateDocument(ctx context.Context, collection, id string, doc json.RawMessage) error {
	return s.write(ctx, http.MethodPut, collection, id, doc)
}

// UpdateDocument overwrites a document (last write wins).
func (s *HTTPStore) UpdateDocument(ctx context.Context, collection, id string, doc json.RawMessage) error {
	return s.write(ctx, http.MethodPut, collection, id, doc)
}

// DeleteDocument removes a document. A missing document is treated as
// success: the delete already took effect.
func (s *HTTPStore) DeleteDocument(ctx context.Context, collection, id string) error {
	err := s.write(ctx, http.MethodDelete, collection, id, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ListDocuments fetches documents changed since the given time, for catalog
// refresh pulls.
func (s *HTTPStore) ListDocuments(ctx context.Context, collection string, updatedSince time.Time) ([]Document, error) {
	url := fmt.Sprintf("%s/v1/%s?updated_since=%s", s.baseURL, collection, updatedSince.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var out struct {
		Documents []Document `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode %s list: %w", collection, err)
	}
	return out.Documents, nil
}

// Healthy probes the remote health endpoint. Used by the connectivity
// monitor; any error means offline.
func (s *HTTPStore) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &TransientError{Err: fmt.Errorf("remote unhealthy: status %d", resp.StatusCode)}
	}
	return nil
}

func (s *HTTPStore) write(ctx context.Context, method, collection, id string, doc json.RawMessage) error {
	url := fmt.Sprintf("%s/v1/%s/%s", s.baseURL, collection, id)

	var body io.Reader
	if doc != nil {
		body = strings.NewReader(string(doc))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp)
}

func (s *HTTPStore) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}

func classifyNetErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	// url.Error wrapping a dial failure and friends
	return &TransientError{Err: err}
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("remote returned status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("remote rejected request: status %d", resp.StatusCode)
	}
}
