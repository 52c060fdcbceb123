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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/TGStudioDE/mandari/internal/logctx"
	"github.com/TGStudioDE/mandari/internal/oparl"
	"github.com/TGStudioDE/mandari/internal/store"
)

// Normalizer converts fetched OParl objects into canonical upsert
// payloads. Raw JSON is passed through verbatim; derived fields come
// from the well-known keys with their documented fallbacks.
type Normalizer struct {
	fetcher      Fetcher
	maxTextChars int
}

// NewNormalizer builds a normalizer that downloads attachment bytes
// through the given fetcher.
func NewNormalizer(fetcher Fetcher, maxChars int) *Normalizer {
	if maxChars <= 0 {
		maxChars = maxTextChars
	}
	return &Normalizer{fetcher: fetcher, maxTextChars: maxChars}
}

// Organization maps a fetched body onto an organization entity.
func (n *Normalizer) Organization(src *Source, obj oparl.Object) store.Entity {
	return store.Entity{
		Collection: store.CollectionOrganizations,
		TenantID:   src.TenantID,
		OParlID:    obj.ID(),
		SourceBase: src.SourceBase,
		Payload: map[string]any{
			"tenant":      src.TenantID,
			"name":        obj.Name(),
			"oparl_id":    obj.ID(),
			"source_base": src.SourceBase,
			"raw":         obj.Raw,
		},
	}
}

// Meeting maps a fetched meeting onto a meeting entity. The committee
// must already be resolved since the meeting payload carries its
// foreign key.
func (n *Normalizer) Meeting(src *Source, committeeID int64, obj oparl.Object) store.Entity {
	return store.Entity{
		Collection: store.CollectionMeetings,
		TenantID:   src.TenantID,
		OParlID:    obj.ID(),
		SourceBase: src.SourceBase,
		Payload: map[string]any{
			"tenant":      src.TenantID,
			"committee":   committeeID,
			"start":       obj.Start(),
			"oparl_id":    obj.ID(),
			"source_base": src.SourceBase,
			"raw":         obj.Raw,
		},
	}
}

// AgendaItem maps one agenda item of a meeting. position falls back to
// the item's list index when the source's "number" is absent or not a
// plain integer ("2.1" style numbering stays in raw).
func (n *Normalizer) AgendaItem(src *Source, meetingID int64, listIndex int, obj oparl.Object) store.Entity {
	position := listIndex
	if num, ok := obj.Raw["number"].(string); ok {
		if p, err := strconv.Atoi(strings.TrimSpace(num)); err == nil && p > 0 {
			position = p
		}
	}
	title, _ := obj.Raw["name"].(string)
	if title == "" {
		title = fmt.Sprintf("Tagesordnungspunkt %d", position)
	}
	category, _ := obj.Raw["category"].(string)
	if category == "" {
		category, _ = obj.Raw["result"].(string)
	}
	return store.Entity{
		Collection: store.CollectionAgendaItems,
		TenantID:   src.TenantID,
		OParlID:    obj.ID(),
		SourceBase: src.SourceBase,
		Payload: map[string]any{
			"tenant":      src.TenantID,
			"meeting":     meetingID,
			"position":    position,
			"title":       title,
			"category":    category,
			"oparl_id":    obj.ID(),
			"source_base": src.SourceBase,
			"raw":         obj.Raw,
		},
	}
}

// Document downloads one attachment and builds its entity: SHA-256
// content hash, MIME type guessed from the URL extension with the
// response Content-Type as fallback, and the best-effort extracted
// text capped at the configured size.
func (n *Normalizer) Document(ctx context.Context, src *Source, fileURL string) (store.Entity, error) {
	data, contentType, err := n.fetcher.GetBytes(ctx, fileURL)
	if err != nil {
		return store.Entity{}, fmt.Errorf("download attachment: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	text, err := extractText(data)
	if err != nil {
		logctx.FromContext(ctx).Debug("text extraction failed, storing empty text",
			slog.String("url", fileURL),
			slog.Any("error", err))
		text = ""
	}

	return store.Entity{
		Collection:  store.CollectionDocuments,
		TenantID:    src.TenantID,
		OParlID:     fileURL,
		SourceBase:  src.SourceBase,
		ContentHash: hash,
		Payload: map[string]any{
			"tenant":       src.TenantID,
			"title":        "Dokument " + hash[:8],
			"raw":          map[string]any{"source": fileURL},
			"normalized":   map[string]any{},
			"content_text": truncateText(text, n.maxTextChars),
			"content_hash": hash,
			"oparl_id":     fileURL,
			"source_base":  src.SourceBase,
			"mimetype":     guessMime(fileURL, contentType),
		},
	}, nil
}

// guessMime resolves the MIME type from the URL's file extension
// first, then from the response Content-Type header, defaulting to
// application/octet-stream.
func guessMime(fileURL, contentType string) string {
	if u, err := url.Parse(fileURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" {
			if t := mime.TypeByExtension(ext); t != "" {
				if mt, _, err := mime.ParseMediaType(t); err == nil {
					return mt
				}
			}
		}
	}
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}
