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

package oparl

import (
	"errors"
	"fmt"
	"slices"
)

// ErrNotACatalog reports a root document that carries none of the
// collections an OParl catalog must list.
var ErrNotACatalog = errors.New("oparl: document has no body, meeting, or paper collection")

// catalogCollections are the top-level collections that identify a
// root document as an OParl catalog.
var catalogCollections = []string{"body", "meeting", "paper"}

// Catalog is the root OParl document listing the source's top-level
// collections.
type Catalog struct {
	raw map[string]any
}

// ParseCatalog validates that the root document looks like an OParl
// catalog. The check is deliberately loose: at least one known
// collection key must be present.
func ParseCatalog(raw map[string]any) (*Catalog, error) {
	if raw == nil {
		return nil, fmt.Errorf("oparl: empty root document: %w", ErrNotACatalog)
	}
	for _, key := range catalogCollections {
		if _, ok := raw[key]; ok {
			return &Catalog{raw: raw}, nil
		}
	}
	return nil, ErrNotACatalog
}

// Bodies returns the URLs of the catalog's body collection.
func (c *Catalog) Bodies() []string {
	return stringList(c.raw["body"])
}

// Meetings returns the URLs of the catalog's meeting collection.
func (c *Catalog) Meetings() []string {
	return stringList(c.raw["meeting"])
}

// Keys returns the catalog's top-level keys, sorted.
func (c *Catalog) Keys() []string {
	return TopLevelKeys(c.raw)
}

// TopLevelKeys returns the document's top-level keys, sorted. Used by
// the validate endpoint so an administrator can see what a source
// offers before saving it, even when the document is not a catalog.
func TopLevelKeys(raw map[string]any) []string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// HasKnownCollection reports whether the raw document carries at least
// one of the collections that make it an OParl catalog.
func HasKnownCollection(raw map[string]any) bool {
	return slices.ContainsFunc(catalogCollections, func(key string) bool {
		_, ok := raw[key]
		return ok
	})
}
