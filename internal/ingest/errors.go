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

package ingest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ErrRunInProgress reports a trigger for a source that already has a
// live run holding the lease.
var ErrRunInProgress = errors.New("ingest: a run for this source is already in progress")

// CatalogError reports that the root catalog itself was unfetchable or
// unparseable. It aborts the entire run; no cursor update occurs.
type CatalogError struct {
	URL string
	Err error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("ingest: root catalog %s: %v", e.URL, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// NodeError is one recorded per-node or per-entity failure. Recording
// instead of raising is the contract that lets a run make forward
// progress against a partially broken source.
type NodeError struct {
	URL    string `json:"url"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
	Err    error  `json:"-"`
}

func (e NodeError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, e.URL, e.Detail)
}

func (e NodeError) Unwrap() error { return e.Err }

// errorList accumulates NodeErrors from concurrent traversal workers.
type errorList struct {
	mu   sync.Mutex
	errs []NodeError
}

func (l *errorList) Record(url, kind string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, NodeError{URL: url, Kind: kind, Detail: err.Error(), Err: err})
}

func (l *errorList) All() []NodeError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]NodeError(nil), l.errs...)
}

// Combined folds the recorded errors into a single error for logging,
// or nil when the run was clean.
func (l *errorList) Combined() error {
	var errs *multierror.Error
	for _, e := range l.All() {
		errs = multierror.Append(errs, e)
	}
	return errs.ErrorOrNil()
}
