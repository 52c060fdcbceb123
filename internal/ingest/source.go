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

// Package ingest drives sync runs against OParl sources: traversal of
// the catalog graph, normalization of fetched objects, and idempotent
// upserts into the backend store.
package ingest

import (
	"time"

	"github.com/TGStudioDE/mandari/internal/fetch"
)

// Defaults are the fetch parameters used when a trigger does not name
// a stored source record, and the fallbacks for record fields left at
// zero.
type Defaults struct {
	RequestsPerMinute   int
	MaxParallelRequests int
	RequestTimeout      time.Duration
	MaxRetries          int
	MaxTextChars        int
	UserAgent           string
}

func (d Defaults) withFallbacks() Defaults {
	if d.RequestsPerMinute <= 0 {
		d.RequestsPerMinute = 60
	}
	if d.MaxParallelRequests <= 0 {
		d.MaxParallelRequests = 4
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = 3
	}
	if d.MaxTextChars <= 0 {
		d.MaxTextChars = maxTextChars
	}
	return d
}

// IncludeFlags prune which parts of the graph a run fetches at all.
// Person and Paper exist on the source record but gate nothing yet;
// they are parsed and carried so editing the record round-trips.
type IncludeFlags struct {
	Body         bool
	Organization bool
	Person       bool
	Meeting      bool
	AgendaItem   bool
	Paper        bool
	File         bool
}

func allIncludeFlags() IncludeFlags {
	return IncludeFlags{
		Body:         true,
		Organization: true,
		Person:       true,
		Meeting:      true,
		AgendaItem:   true,
		Paper:        true,
		File:         true,
	}
}

// Cursor is the mutable sync state of a source. Only the orchestrator
// writes it, and only after a run completes.
type Cursor struct {
	ETag         string
	LastModified string
}

// Source is the per-root configuration one sync run operates under.
type Source struct {
	ID         int64
	TenantID   int64
	RootURL    string
	SourceBase string

	Auth                fetch.Auth
	RequestsPerMinute   int
	MaxParallelRequests int
	RequestTimeout      time.Duration
	MaxRetries          int

	Include IncludeFlags
	Cursor  Cursor
}

// NewSource synthesizes a source from a bare trigger, used when no
// stored record exists yet (e.g. an admin testing a URL).
func NewSource(root string, tenantID int64, sourceBase string, d Defaults) *Source {
	d = d.withFallbacks()
	if sourceBase == "" {
		sourceBase = root
	}
	return &Source{
		TenantID:            tenantID,
		RootURL:             root,
		SourceBase:          sourceBase,
		Auth:                fetch.Auth{Kind: fetch.AuthNone},
		RequestsPerMinute:   d.RequestsPerMinute,
		MaxParallelRequests: d.MaxParallelRequests,
		RequestTimeout:      d.RequestTimeout,
		MaxRetries:          d.MaxRetries,
		Include:             allIncludeFlags(),
	}
}

// SourceFromRecord maps a backend source record onto a Source,
// filling gaps from the defaults.
func SourceFromRecord(rec map[string]any, d Defaults) *Source {
	d = d.withFallbacks()
	src := &Source{
		ID:         recInt(rec, "id"),
		TenantID:   recInt(rec, "tenant"),
		RootURL:    recStr(rec, "root_url"),
		SourceBase: recStr(rec, "root_url"),
		Auth: fetch.Auth{
			Kind:     fetch.AuthKind(recStr(rec, "auth_type")),
			Header:   recStr(rec, "api_key_header"),
			Key:      recStr(rec, "api_key_value"),
			Username: recStr(rec, "username"),
			Password: recStr(rec, "password"),
		},
		RequestsPerMinute:   int(recInt(rec, "requests_per_minute")),
		MaxParallelRequests: int(recInt(rec, "max_parallel_requests")),
		RequestTimeout:      time.Duration(recInt(rec, "request_timeout_seconds")) * time.Second,
		Include: IncludeFlags{
			Body:         recBool(rec, "include_body"),
			Organization: recBool(rec, "include_organization"),
			Person:       recBool(rec, "include_person"),
			Meeting:      recBool(rec, "include_meeting"),
			AgendaItem:   recBool(rec, "include_agenda_item"),
			Paper:        recBool(rec, "include_paper"),
			File:         recBool(rec, "include_file"),
		},
		Cursor: Cursor{
			ETag:         recStr(rec, "etag"),
			LastModified: recStr(rec, "last_modified"),
		},
	}
	if src.Auth.Kind == "" {
		src.Auth.Kind = fetch.AuthNone
	}
	if src.RequestsPerMinute <= 0 {
		src.RequestsPerMinute = d.RequestsPerMinute
	}
	if src.MaxParallelRequests <= 0 {
		src.MaxParallelRequests = d.MaxParallelRequests
	}
	if src.RequestTimeout <= 0 {
		src.RequestTimeout = d.RequestTimeout
	}
	// An explicit max_retries of 0 is a valid setting (fail on first
	// error); only an absent or negative value falls back.
	if n, ok := recIntLookup(rec, "max_retries"); ok && n >= 0 {
		src.MaxRetries = int(n)
	} else {
		src.MaxRetries = d.MaxRetries
	}
	return src
}

func recStr(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return s
}

func recInt(rec map[string]any, key string) int64 {
	n, _ := recIntLookup(rec, key)
	return n
}

func recIntLookup(rec map[string]any, key string) (int64, bool) {
	switch v := rec[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func recBool(rec map[string]any, key string) bool {
	b, _ := rec[key].(bool)
	return b
}
