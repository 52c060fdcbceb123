// Copyright (C) 2025 TG Studio
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package store talks to the backend persistence API. The backend owns
// all long-term data; this package only resolves natural keys into
// create-or-update decisions and writes sync cursors back onto source
// records.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Collection names of the backend API, as they appear in its paths.
const (
	CollectionOrganizations = "organizations"
	CollectionCommittees    = "committees"
	CollectionMeetings      = "meetings"
	CollectionAgendaItems   = "agenda-items"
	CollectionDocuments     = "documents"

	collectionSources = "oparl-sources"
)

// APIError reports a non-2xx response from the backend API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// NotFound reports whether the error is a 404 from the backend.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Client is a thin JSON client for the backend API.
type Client struct {
	base   string
	apiKey string
	hc     *http.Client
}

// NewClient builds a backend client. base is the API root, e.g.
// "http://backend:8000/api". apiKey may be empty for unauthenticated
// deployments.
func NewClient(base, apiKey string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		hc:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Query lists records of a collection filtered by the given query
// parameters.
func (c *Client) Query(ctx context.Context, collection string, query url.Values) ([]map[string]any, error) {
	path := "/" + collection + "/"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var rows []map[string]any
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Create posts a new record to a collection and returns it as stored.
func (c *Client) Create(ctx context.Context, collection string, payload map[string]any) (map[string]any, error) {
	var rec map[string]any
	if err := c.do(ctx, http.MethodPost, "/"+collection+"/", payload, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Patch partially updates one record; only the fields present in the
// payload are overwritten.
func (c *Client) Patch(ctx context.Context, collection string, id int64, payload map[string]any) (map[string]any, error) {
	var rec map[string]any
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/%s/%d/", collection, id), payload, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetSource reads one source record, including its sync cursor.
func (c *Client) GetSource(ctx context.Context, id int64) (map[string]any, error) {
	var rec map[string]any
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/%d/", collectionSources, id), nil, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PatchSource writes cursor fields back onto a source record. Only the
// ingest pipeline mutates these fields.
func (c *Client) PatchSource(ctx context.Context, id int64, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/%s/%d/", collectionSources, id), fields, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("backend %s %s: encode payload: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(detail)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend %s %s: decode response: %w", method, path, err)
	}
	return nil
}

// RecordID extracts the surrogate id from a backend record.
func RecordID(rec map[string]any) (int64, error) {
	switch v := rec["id"].(type) {
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("store: record has no usable id field: %v", rec["id"])
	}
}
