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
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/TGStudioDE/mandari/internal/fetch"
	"github.com/TGStudioDE/mandari/internal/oparl"
)

// Fetcher is the slice of the fetch client the pipeline needs.
type Fetcher interface {
	GetJSON(ctx context.Context, url string, cond fetch.Conditional) (map[string]any, fetch.Validators, error)
	GetBytes(ctx context.Context, url string) ([]byte, string, error)
}

var _ Fetcher = (*fetch.Client)(nil)

// VisitFunc handles one fetched catalog entry. A returned error is
// recorded against the node and traversal continues with the next
// sibling.
type VisitFunc func(ctx context.Context, obj oparl.Object) error

// Traverser walks the OParl link graph of one source: the catalog's
// body collection (each entry fetched individually, not expanded past
// Organization) and its meeting collection. Include flags prune whole
// collections before any request is made. The externally controlled
// graph may be cyclic, so every URL is fetched at most once per run.
type Traverser struct {
	fetcher Fetcher
	src     *Source
	errs    *errorList

	mu      sync.Mutex
	visited map[string]struct{}
}

// NewTraverser builds a traverser for one run. Recorded per-node
// errors land in errs; a single bad link never aborts the walk.
func NewTraverser(fetcher Fetcher, src *Source, errs *errorList) *Traverser {
	return &Traverser{
		fetcher: fetcher,
		src:     src,
		errs:    errs,
		visited: make(map[string]struct{}),
	}
}

// Walk fetches and visits the catalog's top-level collections.
// Sibling entries are fetched concurrently, bounded by the source's
// max_parallel_requests. Returns the context error when the run was
// cancelled, nil otherwise.
func (t *Traverser) Walk(ctx context.Context, cat *oparl.Catalog, visit VisitFunc) error {
	if t.src.Include.Body {
		t.walkCollection(ctx, cat.Bodies(), oparl.KindBody, visit)
	}
	if t.src.Include.Meeting {
		t.walkCollection(ctx, cat.Meetings(), oparl.KindMeeting, visit)
	}
	return ctx.Err()
}

func (t *Traverser) walkCollection(ctx context.Context, urls []string, kind oparl.Kind, visit VisitFunc) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(t.src.MaxParallelRequests, 1))

	for _, u := range urls {
		if !t.mark(u) {
			continue
		}
		g.Go(func() error {
			doc, _, err := t.fetcher.GetJSON(gctx, u, fetch.Conditional{})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				t.errs.Record(u, string(kind), err)
				return nil
			}
			if err := visit(gctx, oparl.Object{Kind: kind, URL: u, Raw: doc}); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				t.errs.Record(u, string(kind), err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// mark records a URL as visited, returning false when it was seen
// before in this run.
func (t *Traverser) mark(u string) bool {
	if u == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.visited[u]; seen {
		return false
	}
	t.visited[u] = struct{}{}
	return true
}
