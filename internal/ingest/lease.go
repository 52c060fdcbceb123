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
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// leaseMap hands out per-source advisory run leases so two triggers
// for the same source cannot race on cursor updates. Leases expire on
// their own, so an aborted process cannot wedge a source.
type leaseMap struct {
	cache *ttlcache.Cache[string, uuid.UUID]
}

func newLeaseMap(ttl time.Duration) *leaseMap {
	cache := ttlcache.New[string, uuid.UUID](
		ttlcache.WithTTL[string, uuid.UUID](ttl),
		ttlcache.WithDisableTouchOnHit[string, uuid.UUID](),
	)
	go cache.Start()
	return &leaseMap{cache: cache}
}

// Acquire takes the lease for key. Returns false when another run
// already holds it.
func (m *leaseMap) Acquire(key string, owner uuid.UUID) bool {
	_, existed := m.cache.GetOrSet(key, owner)
	return !existed
}

// Release gives the lease back.
func (m *leaseMap) Release(key string) {
	m.cache.Delete(key)
}

// Stop releases the cache's expiration goroutine.
func (m *leaseMap) Stop() {
	m.cache.Stop()
}
