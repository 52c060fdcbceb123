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

// Package oparl provides a typed view over fetched OParl objects. The
// protocol is a paginated JSON graph; servers disagree about which
// optional keys they populate, so every accessor documents its
// fallback chain and the raw mapping is preserved verbatim for the
// upsert payload.
package oparl

import (
	"strings"
)

// Kind tags the entity type of a fetched object.
type Kind string

const (
	KindBody         Kind = "body"
	KindOrganization Kind = "organization"
	KindMeeting      Kind = "meeting"
	KindAgendaItem   Kind = "agendaItem"
	KindFile         Kind = "file"
	KindPaper        Kind = "paper"
	KindUnknown      Kind = "unknown"
)

// Object is one fetched OParl object: the kind tag plus the raw JSON
// mapping. Unknown extra fields stay in Raw and are passed through to
// the store untouched.
type Object struct {
	Kind Kind
	URL  string
	Raw  map[string]any
}

// DetectKind derives the entity kind from the object's "type" URL
// (e.g. "https://schema.oparl.org/1.1/Meeting"). Objects without a
// usable type field are classified by their structure instead; when
// neither works the kind is KindUnknown.
func DetectKind(raw map[string]any) Kind {
	t, _ := raw["type"].(string)
	if t == "" {
		return detectKindStructural(raw)
	}
	switch strings.ToLower(t[strings.LastIndex(t, "/")+1:]) {
	case "body":
		return KindBody
	case "organization":
		return KindOrganization
	case "meeting":
		return KindMeeting
	case "agendaitem":
		return KindAgendaItem
	case "file":
		return KindFile
	case "paper":
		return KindPaper
	default:
		return KindUnknown
	}
}

// detectKindStructural guesses the kind from well-known keys for
// servers that omit the "type" field on embedded objects.
func detectKindStructural(raw map[string]any) Kind {
	for _, key := range []string{"committee", "agendaItem", "auxiliaryFile"} {
		if _, ok := raw[key]; ok {
			return KindMeeting
		}
	}
	for _, key := range []string{"accessUrl", "downloadUrl"} {
		if _, ok := raw[key]; ok {
			return KindFile
		}
	}
	return KindUnknown
}

// ID returns the object's OParl id, falling back to the URL it was
// fetched from. Every OParl object is supposed to carry its own id,
// but real catalogs omit it often enough that the fetch URL has to
// serve as the natural key.
func (o Object) ID() string {
	if id := o.str("id"); id != "" {
		return id
	}
	return o.URL
}

// Name returns the display name for bodies and organizations.
// Fallbacks: name, then shortName, then "Körperschaft".
func (o Object) Name() string {
	if s := o.str("name"); s != "" {
		return s
	}
	if s := o.str("shortName"); s != "" {
		return s
	}
	return "Körperschaft"
}

// Start returns the meeting start timestamp as the source encodes it.
// Fallbacks: start, then startDate, then date.
func (o Object) Start() string {
	for _, key := range []string{"start", "startDate", "date"} {
		if s := o.str(key); s != "" {
			return s
		}
	}
	return ""
}

// Committee returns the meeting's committee sub-object, if any.
func (o Object) Committee() (map[string]any, bool) {
	c, ok := o.Raw["committee"].(map[string]any)
	return c, ok
}

// AuxiliaryFiles returns the meeting's attachment URLs in listed order.
func (o Object) AuxiliaryFiles() []string {
	return stringList(o.Raw["auxiliaryFile"])
}

// AgendaItems returns the meeting's agenda item entries in listed
// order. Entries are either embedded objects or URLs to fetch.
func (o Object) AgendaItems() []any {
	items, _ := o.Raw["agendaItem"].([]any)
	return items
}

func (o Object) str(key string) string {
	s, _ := o.Raw[key].(string)
	return s
}

// CommitteeName extracts the display name of a committee sub-object,
// falling back to "Ausschuss" when the source omits it.
func CommitteeName(committee map[string]any) string {
	if committee != nil {
		if s, _ := committee["name"].(string); s != "" {
			return s
		}
	}
	return "Ausschuss"
}

func stringList(v any) []string {
	entries, _ := v.([]any)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if s, ok := e.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
