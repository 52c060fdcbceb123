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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TGStudioDE/mandari/internal/fetch"
	"github.com/TGStudioDE/mandari/internal/store"
)

type fakeSourceStore struct {
	mu      sync.Mutex
	records map[int64]map[string]any
	patches []map[string]any
	getErr  error
}

func newFakeSourceStore() *fakeSourceStore {
	return &fakeSourceStore{records: make(map[int64]map[string]any)}
}

func (s *fakeSourceStore) GetSource(_ context.Context, id int64) (map[string]any, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("no source %d", id)
	}
	return rec, nil
}

func (s *fakeSourceStore) PatchSource(_ context.Context, id int64, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	patch := map[string]any{"_id": id}
	for k, v := range fields {
		patch[k] = v
	}
	s.patches = append(s.patches, patch)
	return nil
}

func (s *fakeSourceStore) allPatches() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.patches...)
}

type naturalKey struct {
	collection string
	tenant     int64
	oparlID    string
	sourceBase string
}

// fakeUpserter mimics the dispatcher's resolution: content-hash
// duplicates come back unchanged, natural-key matches are updates.
type fakeUpserter struct {
	mu       sync.Mutex
	entities []store.Entity
	failFor  map[string]error
	byHash   map[string]int64
	byKey    map[naturalKey]int64
	nextID   int64
}

func newFakeUpserter() *fakeUpserter {
	return &fakeUpserter{
		failFor: make(map[string]error),
		byHash:  make(map[string]int64),
		byKey:   make(map[naturalKey]int64),
	}
}

func (u *fakeUpserter) Upsert(_ context.Context, e store.Entity) (store.UpsertResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.failFor[e.OParlID]; err != nil {
		return store.UpsertResult{}, err
	}
	u.entities = append(u.entities, e)

	if e.ContentHash != "" {
		if id, ok := u.byHash[e.ContentHash]; ok {
			return store.UpsertResult{ID: id, Action: store.ActionUnchanged}, nil
		}
	}
	key := naturalKey{e.Collection, e.TenantID, e.OParlID, e.SourceBase}
	if id, ok := u.byKey[key]; ok {
		return store.UpsertResult{ID: id, Action: store.ActionUpdated}, nil
	}
	u.nextID++
	u.byKey[key] = u.nextID
	if e.ContentHash != "" {
		u.byHash[e.ContentHash] = u.nextID
	}
	return store.UpsertResult{ID: u.nextID, Action: store.ActionCreated}, nil
}

func (u *fakeUpserter) byCollection(collection string) []store.Entity {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []store.Entity
	for _, e := range u.entities {
		if e.Collection == collection {
			out = append(out, e)
		}
	}
	return out
}

type fakeResolver struct {
	mu    sync.Mutex
	id    int64
	err   error
	calls int
}

func (r *fakeResolver) Resolve(context.Context, int64, map[string]any, string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.id, r.err
}

const rootURL = "https://oparl.example.org/system"

func newTestRunner(t *testing.T, f Fetcher) (*Runner, *fakeSourceStore, *fakeUpserter, *fakeResolver) {
	t.Helper()
	sources := newFakeSourceStore()
	upserter := newFakeUpserter()
	resolver := &fakeResolver{id: 77}
	r := NewRunner(sources, upserter, resolver, Defaults{},
		WithLeaseTTL(time.Minute),
		WithFetcherFactory(func(*Source) Fetcher { return f }))
	t.Cleanup(r.Close)
	return r, sources, upserter, resolver
}

func catalogFixture(f *stubFetcher) {
	f.docs[rootURL] = map[string]any{
		"body":    []any{"https://oparl.example.org/body/1"},
		"meeting": []any{"https://oparl.example.org/meeting/1"},
	}
	f.vals[rootURL] = fetch.Validators{ETag: `"v1"`, LastModified: "Wed, 01 Jan 2025 00:00:00 GMT"}
	f.docs["https://oparl.example.org/body/1"] = map[string]any{
		"id":   "https://oparl.example.org/body/1",
		"name": "Stadt Musterstadt",
	}
	f.docs["https://oparl.example.org/meeting/1"] = map[string]any{
		"id":        "https://oparl.example.org/meeting/1",
		"start":     "2025-03-12T18:00:00+01:00",
		"committee": map[string]any{"name": "Hauptausschuss"},
		"agendaItem": []any{
			map[string]any{"number": "1", "name": "Eröffnung"},
			"https://oparl.example.org/agendaitem/2",
		},
		"auxiliaryFile": []any{"https://oparl.example.org/file/1.pdf"},
	}
	f.docs["https://oparl.example.org/agendaitem/2"] = map[string]any{
		"id":     "https://oparl.example.org/agendaitem/2",
		"number": "2",
		"name":   "Haushalt",
	}
	f.blobs["https://oparl.example.org/file/1.pdf"] = []byte("pdf bytes")
	f.blobTypes["https://oparl.example.org/file/1.pdf"] = "application/pdf"
}

func TestRun_FullSync(t *testing.T) {
	f := newStubFetcher()
	catalogFixture(f)
	r, sources, upserter, resolver := newTestRunner(t, f)

	res, err := r.Run(t.Context(), Trigger{Root: rootURL, TenantID: 1})
	require.NoError(t, err)

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, Changes{Organizations: 1, Meetings: 1, AgendaItems: 2, Documents: 1}, res.Changes)
	assert.Equal(t, `"v1"`, res.ETag)
	assert.Empty(t, res.Errors)

	// The meeting's committee was resolved before its upsert.
	assert.Equal(t, 1, resolver.calls)
	meetings := upserter.byCollection(store.CollectionMeetings)
	require.Len(t, meetings, 1)
	assert.Equal(t, int64(77), meetings[0].Payload["committee"])

	// Ad-hoc triggers have no source record, so no cursor write.
	assert.Empty(t, sources.allPatches())
}

func TestRun_AgendaItemOrderAndMeetingLink(t *testing.T) {
	f := newStubFetcher()
	catalogFixture(f)
	r, _, upserter, _ := newTestRunner(t, f)

	_, err := r.Run(t.Context(), Trigger{Root: rootURL, TenantID: 1})
	require.NoError(t, err)

	items := upserter.byCollection(store.CollectionAgendaItems)
	require.Len(t, items, 2)
	assert.Equal(t, "Eröffnung", items[0].Payload["title"])
	assert.Equal(t, 1, items[0].Payload["position"])
	assert.Equal(t, "Haushalt", items[1].Payload["title"])
	assert.Equal(t, 2, items[1].Payload["position"])

	meetings := upserter.byCollection(store.CollectionMeetings)
	require.Len(t, meetings, 1)
	for _, item := range items {
		assert.NotZero(t, item.Payload["meeting"])
	}
}

func TestRun_EmbeddedAgendaItemsWithoutIDStayDistinct(t *testing.T) {
	f := newStubFetcher()
	f.docs[rootURL] = map[string]any{"meeting": []any{"https://oparl.example.org/meeting/1"}}
	f.docs["https://oparl.example.org/meeting/1"] = map[string]any{
		"id": "https://oparl.example.org/meeting/1",
		"agendaItem": []any{
			map[string]any{"number": "1", "name": "Eröffnung"},
			map[string]any{"number": "2", "name": "Haushalt"},
		},
	}

	r, _, upserter, _ := newTestRunner(t, f)
	res, err := r.Run(t.Context(), Trigger{Root: rootURL, TenantID: 1})
	require.NoError(t, err)

	// Both items lack their own id; each must still get a distinct
	// natural key so the second does not patch over the first.
	items := upserter.byCollection(store.CollectionAgendaItems)
	require.Len(t, items, 2)
	assert.NotEqual(t, items[0].OParlID, items[1].OParlID)
	assert.Equal(t, "Eröffnung", items[0].Payload["title"])
	assert.Equal(t, "Haushalt", items[1].Payload["title"])
	assert.Equal(t, 2, res.Changes.AgendaItems)
}

func TestRun_MeetingFailureIsIsolated(t *testing.T) {
	f := newStubFetcher()
	meetings := []any{}
	for i := 1; i <= 5; i++ {
		u := fmt.Sprintf("https://oparl.example.org/meeting/%d", i)
		meetings = append(meetings, u)
		f.docs[u] = map[string]any{"id": u}
	}
	f.docs[rootURL] = map[string]any{"meeting": meetings}
	bad := "https://oparl.example.org/meeting/3"
	delete(f.docs, bad)
	f.failures[bad] = errors.New("server error")

	r, _, upserter, _ := newTestRunner(t, f)
	res, err := r.Run(t.Context(), Trigger{Root: rootURL, TenantID: 1})
	require.NoError(t, err)

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 4, res.Changes.Meetings)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, bad, res.Errors[0].URL)
	assert.Len(t, upserter.byCollection(store.CollectionMeetings), 4)
}

func TestRun_NotModifiedShortCircuits(t *testing.T) {
	f := newStubFetcher()
	f.notModified[rootURL] = true
	f.vals[rootURL] = fetch.Validators{ETag: `"v1"`}

	r, sources, upserter, _ := newTestRunner(t, f)
	sources.records[7] = map[string]any{
		"id":       float64(7),
		"tenant":   float64(1),
		"root_url": rootURL,
		"etag":     `"v1"`,
	}

	res, err := r.Run(t.Context(), Trigger{SourceID: 7})
	require.NoError(t, err)

	assert.Equal(t, StatusNotModified, res.Status)
	assert.Equal(t, `"v1"`, res.ETag)
	assert.Equal(t, Changes{}, res.Changes)
	assert.Empty(t, upserter.entities)

	// Only last_synced_at gets touched, never the validators.
	patches := sources.allPatches()
	require.Len(t, patches, 1)
	assert.Contains(t, patches[0], "last_synced_at")
	assert.NotContains(t, patches[0], "etag")
}

func TestRun_CursorPersistedAfterSuccess(t *testing.T) {
	f := newStubFetcher()
	catalogFixture(f)

	r, sources, _, _ := newTestRunner(t, f)
	sources.records[7] = map[string]any{
		"id":       float64(7),
		"tenant":   float64(1),
		"root_url": rootURL,
	}

	res, err := r.Run(t.Context(), Trigger{SourceID: 7})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)

	patches := sources.allPatches()
	require.Len(t, patches, 1)
	assert.Equal(t, int64(7), patches[0]["_id"])
	assert.Equal(t, `"v1"`, patches[0]["etag"])
	assert.Equal(t, "Wed, 01 Jan 2025 00:00:00 GMT", patches[0]["last_modified"])
	assert.Contains(t, patches[0], "last_synced_at")
}

func TestRun_CancelledRunDoesNotWriteCursor(t *testing.T) {
	f := newStubFetcher()
	catalogFixture(f)

	r, sources, _, _ := newTestRunner(t, f)
	sources.records[7] = map[string]any{
		"id":       float64(7),
		"tenant":   float64(1),
		"root_url": rootURL,
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := r.Run(ctx, Trigger{SourceID: 7})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sources.allPatches())
}

func TestRun_SourceRecordGatesCollections(t *testing.T) {
	f := newStubFetcher()
	catalogFixture(f)

	r, sources, upserter, _ := newTestRunner(t, f)
	sources.records[7] = map[string]any{
		"id":                   float64(7),
		"tenant":               float64(1),
		"root_url":             rootURL,
		"include_body":         true,
		"include_organization": false,
		"include_meeting":      true,
		"include_agenda_item":  false,
		"include_file":         false,
	}

	res, err := r.Run(t.Context(), Trigger{SourceID: 7})
	require.NoError(t, err)

	assert.Equal(t, Changes{Meetings: 1}, res.Changes)
	assert.Empty(t, upserter.byCollection(store.CollectionOrganizations))
	assert.Empty(t, upserter.byCollection(store.CollectionAgendaItems))
	assert.Empty(t, upserter.byCollection(store.CollectionDocuments))
	assert.Zero(t, f.callCount("https://oparl.example.org/file/1.pdf"))
}

func TestRun_DuplicateDocumentBytesNotCounted(t *testing.T) {
	f := newStubFetcher()
	catalogFixture(f)
	// Second attachment with identical bytes under a different URL.
	meeting := f.docs["https://oparl.example.org/meeting/1"]
	meeting["auxiliaryFile"] = []any{
		"https://oparl.example.org/file/1.pdf",
		"https://oparl.example.org/file/copy.pdf",
	}
	f.blobs["https://oparl.example.org/file/copy.pdf"] = f.blobs["https://oparl.example.org/file/1.pdf"]

	r, _, upserter, _ := newTestRunner(t, f)
	res, err := r.Run(t.Context(), Trigger{Root: rootURL, TenantID: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Changes.Documents)
	// Both were dispatched; the duplicate resolved to unchanged.
	assert.Len(t, upserter.byCollection(store.CollectionDocuments), 2)
}

func TestRun_BadRootIsCatalogError(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *stubFetcher)
	}{
		{
			name: "unfetchable root",
			setup: func(f *stubFetcher) {
				f.failures[rootURL] = errors.New("connection refused")
			},
		},
		{
			name: "root is not a catalog",
			setup: func(f *stubFetcher) {
				f.docs[rootURL] = map[string]any{"hello": "world"}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newStubFetcher()
			tt.setup(f)
			r, sources, upserter, _ := newTestRunner(t, f)
			sources.records[7] = map[string]any{
				"id": float64(7), "tenant": float64(1), "root_url": rootURL,
			}

			_, err := r.Run(t.Context(), Trigger{SourceID: 7})

			var catErr *CatalogError
			require.ErrorAs(t, err, &catErr)
			assert.Equal(t, rootURL, catErr.URL)
			assert.Empty(t, upserter.entities)
			assert.Empty(t, sources.allPatches(), "failed run must not move the cursor")
		})
	}
}

// gateFetcher blocks the root fetch until released, to hold a run open.
type gateFetcher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateFetcher) GetJSON(ctx context.Context, _ string, _ fetch.Conditional) (map[string]any, fetch.Validators, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return nil, fetch.Validators{}, errors.New("gate closed")
}

func (g *gateFetcher) GetBytes(context.Context, string) ([]byte, string, error) {
	return nil, "", errors.New("gate closed")
}

func TestRun_SecondTriggerConflicts(t *testing.T) {
	gate := &gateFetcher{started: make(chan struct{}), release: make(chan struct{})}
	r, _, _, _ := newTestRunner(t, gate)

	trig := Trigger{Root: rootURL, TenantID: 1}
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), trig)
		done <- err
	}()
	<-gate.started

	_, err := r.Run(t.Context(), trig)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(gate.release)
	<-done

	// The lease is free again once the first run finished.
	_, err = r.Run(t.Context(), trig)
	assert.NotErrorIs(t, err, ErrRunInProgress)
}

func TestRun_DifferentSourcesDoNotConflict(t *testing.T) {
	gate := &gateFetcher{started: make(chan struct{}), release: make(chan struct{})}
	defer close(gate.release)
	r, _, _, _ := newTestRunner(t, gate)

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), Trigger{Root: rootURL, TenantID: 1})
		done <- err
	}()
	<-gate.started

	_, err := r.Run(t.Context(), Trigger{Root: "https://other.example.org/system", TenantID: 1})
	assert.NotErrorIs(t, err, ErrRunInProgress)
}

func TestRun_ResolverFailureRecordedPerMeeting(t *testing.T) {
	f := newStubFetcher()
	catalogFixture(f)
	r, _, upserter, resolver := newTestRunner(t, f)
	resolver.err = errors.New("backend down")

	res, err := r.Run(t.Context(), Trigger{Root: rootURL, TenantID: 1})
	require.NoError(t, err)

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 0, res.Changes.Meetings)
	assert.Equal(t, 1, res.Changes.Organizations)
	assert.Empty(t, upserter.byCollection(store.CollectionMeetings))
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0].Detail, "resolve committee")
}

func TestValidate(t *testing.T) {
	f := newStubFetcher()
	f.docs[rootURL] = map[string]any{
		"body":    []any{"https://oparl.example.org/body/1"},
		"meeting": []any{},
		"system":  rootURL,
	}
	r, sources, upserter, _ := newTestRunner(t, f)

	res, err := r.Validate(t.Context(), Trigger{Root: rootURL, TenantID: 1})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, []string{"body", "meeting", "system"}, res.Keys)
	// Validation never writes and never walks collections.
	assert.Empty(t, upserter.entities)
	assert.Empty(t, sources.allPatches())
	assert.Zero(t, f.callCount("https://oparl.example.org/body/1"))
}

func TestValidate_NotACatalog(t *testing.T) {
	f := newStubFetcher()
	f.docs[rootURL] = map[string]any{"deployment": "wordpress"}
	r, _, _, _ := newTestRunner(t, f)

	res, err := r.Validate(t.Context(), Trigger{Root: rootURL, TenantID: 1})
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Equal(t, []string{"deployment"}, res.Keys)
}

func TestValidate_UnreachableRoot(t *testing.T) {
	f := newStubFetcher()
	f.failures[rootURL] = errors.New("dns failure")
	r, _, _, _ := newTestRunner(t, f)

	_, err := r.Validate(t.Context(), Trigger{Root: rootURL, TenantID: 1})
	var catErr *CatalogError
	assert.ErrorAs(t, err, &catErr)
}

func TestSourceFromRecord_Fallbacks(t *testing.T) {
	src := SourceFromRecord(map[string]any{
		"id":       float64(3),
		"tenant":   float64(2),
		"root_url": rootURL,
	}, Defaults{})

	assert.Equal(t, int64(3), src.ID)
	assert.Equal(t, int64(2), src.TenantID)
	assert.Equal(t, rootURL, src.SourceBase)
	assert.Equal(t, 60, src.RequestsPerMinute)
	assert.Equal(t, 4, src.MaxParallelRequests)
	assert.Equal(t, 30*time.Second, src.RequestTimeout)
	assert.Equal(t, 3, src.MaxRetries)
	assert.Equal(t, fetch.AuthNone, src.Auth.Kind)
}

func TestSourceFromRecord_Overrides(t *testing.T) {
	src := SourceFromRecord(map[string]any{
		"id":                      float64(3),
		"tenant":                  float64(2),
		"root_url":                rootURL,
		"auth_type":               "basic",
		"username":                "bot",
		"password":                "pw",
		"requests_per_minute":     float64(10),
		"max_parallel_requests":   float64(2),
		"request_timeout_seconds": float64(5),
		"max_retries":             float64(1),
		"etag":                    `"abc"`,
	}, Defaults{})

	assert.Equal(t, fetch.AuthBasic, src.Auth.Kind)
	assert.Equal(t, "bot", src.Auth.Username)
	assert.Equal(t, 10, src.RequestsPerMinute)
	assert.Equal(t, 2, src.MaxParallelRequests)
	assert.Equal(t, 5*time.Second, src.RequestTimeout)
	assert.Equal(t, 1, src.MaxRetries)
	assert.Equal(t, `"abc"`, src.Cursor.ETag)
}

func TestSourceFromRecord_ZeroRetriesIsExplicit(t *testing.T) {
	// max_retries: 0 means fail on the first error, not "unset".
	src := SourceFromRecord(map[string]any{
		"id":          float64(3),
		"tenant":      float64(2),
		"root_url":    rootURL,
		"max_retries": float64(0),
	}, Defaults{})
	assert.Equal(t, 0, src.MaxRetries)

	// A negative value is nonsense and falls back like an absent key.
	src = SourceFromRecord(map[string]any{
		"id":          float64(3),
		"tenant":      float64(2),
		"root_url":    rootURL,
		"max_retries": float64(-1),
	}, Defaults{})
	assert.Equal(t, 3, src.MaxRetries)
}

func TestTrigger_LeaseKey(t *testing.T) {
	assert.Equal(t, "source/5", Trigger{SourceID: 5}.leaseKey())
	assert.Equal(t, "root/1/"+rootURL, Trigger{Root: rootURL, TenantID: 1}.leaseKey())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "fetching", StateFetching.String())
	assert.Equal(t, "traversing", StateTraversing.String())
	assert.Equal(t, "upserting", StateUpserting.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
