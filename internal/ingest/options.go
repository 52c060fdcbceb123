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
)

type Option interface {
	apply(r *Runner)
}

type leaseTTLOption struct {
	d time.Duration
}

func (o *leaseTTLOption) apply(r *Runner) {
	if o.d < time.Minute {
		o.d = time.Minute
	}
	r.leaseTTL = o.d
}

// WithLeaseTTL sets how long a run lease survives without being
// released, bounding how long a crashed run can block its source.
// Without this option, the default is 15 minutes; values under one
// minute are adjusted to one minute.
func WithLeaseTTL(d time.Duration) Option {
	return &leaseTTLOption{d: d}
}

type fetcherFactoryOption struct {
	factory func(*Source) Fetcher
}

func (o *fetcherFactoryOption) apply(r *Runner) {
	r.newFetcher = o.factory
}

// WithFetcherFactory replaces how per-source fetch clients are built.
// Used by tests to substitute a fake source.
func WithFetcherFactory(factory func(*Source) Fetcher) Option {
	return &fetcherFactoryOption{factory: factory}
}
