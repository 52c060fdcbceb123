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

package store

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/TGStudioDE/mandari/internal/oparl"
)

// CommitteeResolver turns a meeting's committee sub-object into the
// id of a committee record, creating one when no match exists. The
// matching strategy is injectable so it can be tightened (e.g. match
// by the committee's own oparl id) without touching the pipeline.
type CommitteeResolver interface {
	Resolve(ctx context.Context, tenantID int64, committee map[string]any, sourceBase string) (int64, error)
}

type committeeKey struct {
	tenant int64
	name   string
}

// NameResolver resolves committees by exact name match within the
// tenant. The match is case-sensitive and the first hit wins; name
// drift (trailing whitespace, renames) therefore produces duplicate
// committees. This mirrors the upstream behavior and is the documented
// caveat of this strategy.
type NameResolver struct {
	api   API
	mu    sync.Mutex
	cache *ttlcache.Cache[committeeKey, int64]
}

// NewNameResolver builds the default resolver. Resolved ids are cached
// per (tenant, name) so a run does not re-query the backend for every
// meeting of the same committee.
func NewNameResolver(api API) *NameResolver {
	cache := ttlcache.New[committeeKey, int64](
		ttlcache.WithTTL[committeeKey, int64](10 * time.Minute),
	)
	go cache.Start()
	return &NameResolver{api: api, cache: cache}
}

// Stop releases the cache's expiration goroutine.
func (r *NameResolver) Stop() {
	r.cache.Stop()
}

// Resolve finds or creates the committee for the given sub-object.
// Serialized internally so concurrent meetings of one run cannot race
// a duplicate create for the same name.
func (r *NameResolver) Resolve(ctx context.Context, tenantID int64, committee map[string]any, sourceBase string) (int64, error) {
	name := oparl.CommitteeName(committee)
	key := committeeKey{tenant: tenantID, name: name}

	r.mu.Lock()
	defer r.mu.Unlock()

	if item := r.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	rows, err := r.api.Query(ctx, CollectionCommittees, url.Values{
		"tenant": {formatTenant(tenantID)},
	})
	if err != nil {
		return 0, fmt.Errorf("resolve committee %q: %w", name, err)
	}
	for _, row := range rows {
		if rowName, _ := row["name"].(string); rowName == name {
			id, err := RecordID(row)
			if err != nil {
				return 0, err
			}
			r.cache.Set(key, id, ttlcache.DefaultTTL)
			return id, nil
		}
	}

	payload := map[string]any{
		"tenant": tenantID,
		"name":   name,
	}
	if oparlID, _ := committee["id"].(string); oparlID != "" {
		payload["oparl_id"] = oparlID
		payload["source_base"] = sourceBase
	}
	created, err := r.api.Create(ctx, CollectionCommittees, payload)
	if err != nil {
		return 0, fmt.Errorf("create committee %q: %w", name, err)
	}
	id, err := RecordID(created)
	if err != nil {
		return 0, err
	}
	r.cache.Set(key, id, ttlcache.DefaultTTL)
	return id, nil
}
