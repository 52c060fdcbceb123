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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCatalog(t *testing.T) {
	cat, err := ParseCatalog(map[string]any{
		"body":    []any{"https://oparl.example.org/body/1"},
		"meeting": []any{"https://oparl.example.org/meeting/1", "https://oparl.example.org/meeting/2"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://oparl.example.org/body/1"}, cat.Bodies())
	assert.Len(t, cat.Meetings(), 2)
}

func TestParseCatalog_PaperOnlyIsValid(t *testing.T) {
	_, err := ParseCatalog(map[string]any{"paper": []any{"https://oparl.example.org/paper/1"}})
	assert.NoError(t, err)
}

func TestParseCatalog_NotACatalog(t *testing.T) {
	_, err := ParseCatalog(map[string]any{"foo": "bar"})
	assert.ErrorIs(t, err, ErrNotACatalog)

	_, err = ParseCatalog(nil)
	assert.ErrorIs(t, err, ErrNotACatalog)
}

func TestTopLevelKeys_Sorted(t *testing.T) {
	keys := TopLevelKeys(map[string]any{
		"meeting": []any{},
		"body":    []any{},
		"system":  "https://oparl.example.org/system",
	})
	assert.Equal(t, []string{"body", "meeting", "system"}, keys)
}

func TestHasKnownCollection(t *testing.T) {
	assert.True(t, HasKnownCollection(map[string]any{"body": []any{}}))
	assert.True(t, HasKnownCollection(map[string]any{"meeting": []any{}}))
	assert.True(t, HasKnownCollection(map[string]any{"paper": []any{}}))
	assert.False(t, HasKnownCollection(map[string]any{"membership": []any{}}))
	assert.False(t, HasKnownCollection(map[string]any{}))
}
