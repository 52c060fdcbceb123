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
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/TGStudioDE/mandari/internal/fetch"
	"github.com/TGStudioDE/mandari/internal/logctx"
	"github.com/TGStudioDE/mandari/internal/oparl"
	"github.com/TGStudioDE/mandari/internal/store"
)

// State tracks where a run is in its lifecycle. Traversal and upserts
// are pipelined, so StateTraversing covers the walk including the
// per-node upserts it triggers; StateUpserting is the trailing phase
// that persists the cursor once the walk has drained.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateTraversing
	StateUpserting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateTraversing:
		return "traversing"
	case StateUpserting:
		return "upserting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Run statuses surfaced to the trigger caller.
const (
	StatusOK          = "ok"
	StatusNotModified = "not_modified"
)

// Trigger names what one run should sync.
type Trigger struct {
	Root       string
	TenantID   int64
	SourceID   int64
	SourceBase string
}

func (t Trigger) leaseKey() string {
	if t.SourceID > 0 {
		return "source/" + strconv.FormatInt(t.SourceID, 10)
	}
	return "root/" + strconv.FormatInt(t.TenantID, 10) + "/" + t.Root
}

// Changes are the aggregate write counts of one run.
type Changes struct {
	Organizations int `json:"organizations"`
	Meetings      int `json:"meetings"`
	AgendaItems   int `json:"agenda_items"`
	Documents     int `json:"documents"`
}

// SyncResult is what a completed run reports. Recorded node errors do
// not flip the status away from "ok"; callers needing detail inspect
// Errors.
type SyncResult struct {
	Status       string      `json:"status"`
	Changes      Changes     `json:"changes"`
	ETag         string      `json:"etag"`
	LastModified string      `json:"last_modified"`
	Errors       []NodeError `json:"errors,omitempty"`
}

// ValidationResult is the outcome of a validate-only run.
type ValidationResult struct {
	OK   bool     `json:"ok"`
	Keys []string `json:"keys"`
}

// Upserter is the slice of the store dispatcher the runner needs.
type Upserter interface {
	Upsert(ctx context.Context, e store.Entity) (store.UpsertResult, error)
}

var _ Upserter = (*store.Dispatcher)(nil)

// SourceStore reads source records and writes their sync cursors.
type SourceStore interface {
	GetSource(ctx context.Context, id int64) (map[string]any, error)
	PatchSource(ctx context.Context, id int64, fields map[string]any) error
}

var _ SourceStore = (*store.Client)(nil)

// Runner is the sync orchestrator. Runs of different sources proceed
// independently; a second trigger for a source with a live run is
// rejected via the run lease.
type Runner struct {
	sources  SourceStore
	upserter Upserter
	resolver store.CommitteeResolver
	defaults Defaults

	leaseTTL   time.Duration
	leases     *leaseMap
	newFetcher func(*Source) Fetcher
}

// NewRunner builds the orchestrator.
func NewRunner(sources SourceStore, upserter Upserter, resolver store.CommitteeResolver, defaults Defaults, opts ...Option) *Runner {
	r := &Runner{
		sources:  sources,
		upserter: upserter,
		resolver: resolver,
		defaults: defaults.withFallbacks(),
		leaseTTL: 15 * time.Minute,
	}
	r.newFetcher = func(src *Source) Fetcher {
		return fetch.NewClient(fetch.Options{
			Timeout:           src.RequestTimeout,
			RequestsPerMinute: src.RequestsPerMinute,
			Burst:             src.MaxParallelRequests,
			Auth:              src.Auth,
			Policy:            fetch.DefaultRetryPolicy().WithMaxRetries(src.MaxRetries),
			UserAgent:         r.defaults.UserAgent,
		})
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	r.leases = newLeaseMap(r.leaseTTL)
	return r
}

// Close releases background resources.
func (r *Runner) Close() {
	r.leases.Stop()
}

// Run executes one full sync. It returns ErrRunInProgress when the
// source's lease is held, a CatalogError when the root itself is
// unfetchable or unparseable, and the context error on cancellation;
// in all three cases no cursor update has occurred.
func (r *Runner) Run(ctx context.Context, trig Trigger) (*SyncResult, error) {
	runID := uuid.New()
	ctx = logctx.With(ctx,
		slog.String("run_id", runID.String()),
		slog.Int64("tenant_id", trig.TenantID),
		slog.String("root", trig.Root))

	key := trig.leaseKey()
	if !r.leases.Acquire(key, runID) {
		return nil, ErrRunInProgress
	}
	defer r.leases.Release(key)

	src, err := r.loadSource(ctx, trig)
	if err != nil {
		return nil, err
	}

	fetcher := r.newFetcher(src)
	rn := &run{
		runner:  r,
		src:     src,
		fetcher: fetcher,
		norm:    NewNormalizer(fetcher, r.defaults.MaxTextChars),
		errs:    &errorList{},
	}
	return rn.execute(ctx)
}

// Validate fetches the root once and confirms it parses as an OParl
// catalog, without touching persistence. Lets an administrator test a
// source's URL before saving it.
func (r *Runner) Validate(ctx context.Context, trig Trigger) (*ValidationResult, error) {
	src, err := r.loadSource(ctx, trig)
	if err != nil {
		return nil, err
	}
	fetcher := r.newFetcher(src)
	doc, _, err := fetcher.GetJSON(ctx, src.RootURL, fetch.Conditional{})
	if err != nil {
		return nil, &CatalogError{URL: src.RootURL, Err: err}
	}
	return &ValidationResult{
		OK:   oparl.HasKnownCollection(doc),
		Keys: oparl.TopLevelKeys(doc),
	}, nil
}

func (r *Runner) loadSource(ctx context.Context, trig Trigger) (*Source, error) {
	if trig.SourceID <= 0 {
		return NewSource(trig.Root, trig.TenantID, trig.SourceBase, r.defaults), nil
	}
	rec, err := r.sources.GetSource(ctx, trig.SourceID)
	if err != nil {
		return nil, fmt.Errorf("load source %d: %w", trig.SourceID, err)
	}
	src := SourceFromRecord(rec, r.defaults)
	if trig.Root != "" {
		src.RootURL = trig.Root
	}
	if trig.TenantID > 0 {
		src.TenantID = trig.TenantID
	}
	if trig.SourceBase != "" {
		src.SourceBase = trig.SourceBase
	}
	if src.SourceBase == "" {
		src.SourceBase = src.RootURL
	}
	return src, nil
}

// run is the state of one sync execution.
type run struct {
	runner  *Runner
	src     *Source
	fetcher Fetcher
	norm    *Normalizer
	errs    *errorList
	state   atomic.Int32

	mu      sync.Mutex
	changes Changes
}

func (rn *run) setState(ctx context.Context, s State) {
	rn.state.Store(int32(s))
	logctx.FromContext(ctx).Debug("run state", slog.String("state", s.String()))
}

func (rn *run) execute(ctx context.Context) (*SyncResult, error) {
	log := logctx.FromContext(ctx)
	src := rn.src

	rn.setState(ctx, StateFetching)
	doc, vals, err := rn.fetcher.GetJSON(ctx, src.RootURL, fetch.Conditional{
		ETag:         src.Cursor.ETag,
		LastModified: src.Cursor.LastModified,
	})
	if errors.Is(err, fetch.ErrNotModified) {
		rn.setState(ctx, StateDone)
		rn.touchLastSynced(ctx)
		log.Info("root catalog not modified, ending run early")
		return &SyncResult{
			Status:       StatusNotModified,
			ETag:         firstNonEmpty(vals.ETag, src.Cursor.ETag),
			LastModified: firstNonEmpty(vals.LastModified, src.Cursor.LastModified),
		}, nil
	}
	if err != nil {
		rn.setState(ctx, StateFailed)
		return nil, &CatalogError{URL: src.RootURL, Err: err}
	}
	cat, err := oparl.ParseCatalog(doc)
	if err != nil {
		rn.setState(ctx, StateFailed)
		return nil, &CatalogError{URL: src.RootURL, Err: err}
	}

	rn.setState(ctx, StateTraversing)
	trav := NewTraverser(rn.fetcher, src, rn.errs)
	if err := trav.Walk(ctx, cat, rn.visit); err != nil {
		// Aborted run: in-flight fetches are cancelled via the context
		// and no partial cursor update may occur.
		rn.setState(ctx, StateFailed)
		return nil, err
	}

	rn.setState(ctx, StateUpserting)
	rn.persistCursor(ctx, vals)

	rn.setState(ctx, StateDone)
	result := &SyncResult{
		Status:       StatusOK,
		Changes:      rn.snapshot(),
		ETag:         vals.ETag,
		LastModified: vals.LastModified,
		Errors:       rn.errs.All(),
	}
	if combined := rn.errs.Combined(); combined != nil {
		log.Warn("run finished with node errors",
			slog.Int("count", len(result.Errors)),
			slog.Any("error", combined))
	}
	log.Info("sync run complete",
		slog.Int("organizations", result.Changes.Organizations),
		slog.Int("meetings", result.Changes.Meetings),
		slog.Int("agenda_items", result.Changes.AgendaItems),
		slog.Int("documents", result.Changes.Documents),
		slog.Int("errors", len(result.Errors)))
	return result, nil
}

func (rn *run) visit(ctx context.Context, obj oparl.Object) error {
	switch obj.Kind {
	case oparl.KindBody:
		return rn.ingestBody(ctx, obj)
	case oparl.KindMeeting:
		return rn.ingestMeeting(ctx, obj)
	default:
		return nil
	}
}

func (rn *run) ingestBody(ctx context.Context, obj oparl.Object) error {
	if !rn.src.Include.Organization {
		return nil
	}
	up, err := rn.runner.upserter.Upsert(ctx, rn.norm.Organization(rn.src, obj))
	if err != nil {
		return err
	}
	if up.Action != store.ActionUnchanged {
		rn.count(func(c *Changes) { c.Organizations++ })
	}
	return nil
}

func (rn *run) ingestMeeting(ctx context.Context, obj oparl.Object) error {
	// The meeting row needs its committee foreign key first.
	committee, _ := obj.Committee()
	committeeID, err := rn.runner.resolver.Resolve(ctx, rn.src.TenantID, committee, rn.src.SourceBase)
	if err != nil {
		return fmt.Errorf("resolve committee: %w", err)
	}

	up, err := rn.runner.upserter.Upsert(ctx, rn.norm.Meeting(rn.src, committeeID, obj))
	if err != nil {
		return err
	}
	if up.Action != store.ActionUnchanged {
		rn.count(func(c *Changes) { c.Meetings++ })
	}

	if rn.src.Include.AgendaItem {
		rn.ingestAgendaItems(ctx, up.ID, obj)
	}
	if rn.src.Include.File {
		rn.ingestFiles(ctx, obj)
	}
	return nil
}

func (rn *run) ingestAgendaItems(ctx context.Context, meetingID int64, meeting oparl.Object) {
	for i, entry := range meeting.AgendaItems() {
		if ctx.Err() != nil {
			return
		}
		var obj oparl.Object
		switch v := entry.(type) {
		case string:
			doc, _, err := rn.fetcher.GetJSON(ctx, v, fetch.Conditional{})
			if err != nil {
				rn.errs.Record(v, string(oparl.KindAgendaItem), err)
				continue
			}
			obj = oparl.Object{Kind: oparl.KindAgendaItem, URL: v, Raw: doc}
		case map[string]any:
			// Embedded items often omit their own id; the fallback key
			// must still be distinct per item or later items would
			// overwrite earlier ones under one natural key.
			u := fmt.Sprintf("%s#agendaItem/%d", meeting.URL, i+1)
			obj = oparl.Object{Kind: oparl.KindAgendaItem, URL: u, Raw: v}
		default:
			continue
		}
		up, err := rn.runner.upserter.Upsert(ctx, rn.norm.AgendaItem(rn.src, meetingID, i+1, obj))
		if err != nil {
			rn.errs.Record(obj.ID(), string(oparl.KindAgendaItem), err)
			continue
		}
		if up.Action != store.ActionUnchanged {
			rn.count(func(c *Changes) { c.AgendaItems++ })
		}
	}
}

// ingestFiles downloads and upserts a meeting's attachments
// sequentially, preserving the listed order.
func (rn *run) ingestFiles(ctx context.Context, meeting oparl.Object) {
	for _, fileURL := range meeting.AuxiliaryFiles() {
		if ctx.Err() != nil {
			return
		}
		entity, err := rn.norm.Document(ctx, rn.src, fileURL)
		if err != nil {
			rn.errs.Record(fileURL, string(oparl.KindFile), err)
			continue
		}
		up, err := rn.runner.upserter.Upsert(ctx, entity)
		if err != nil {
			rn.errs.Record(fileURL, string(oparl.KindFile), err)
			continue
		}
		if up.Action != store.ActionUnchanged {
			rn.count(func(c *Changes) { c.Documents++ })
		}
	}
}

// persistCursor writes the new validators and last_synced_at onto the
// source record. Reaching this point means no fatal error occurred;
// recorded node errors do not block the cursor. A failed write is
// itself recorded rather than failing the run, since the entities are
// already ingested.
func (rn *run) persistCursor(ctx context.Context, vals fetch.Validators) {
	if rn.src.ID <= 0 {
		return
	}
	fields := map[string]any{
		"etag":           vals.ETag,
		"last_modified":  vals.LastModified,
		"last_synced_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := rn.runner.sources.PatchSource(ctx, rn.src.ID, fields); err != nil {
		logctx.FromContext(ctx).Warn("failed to persist source cursor", slog.Any("error", err))
		rn.errs.Record(rn.src.RootURL, "source", err)
	}
}

// touchLastSynced marks a clean not-modified run as synced without
// changing the stored validators.
func (rn *run) touchLastSynced(ctx context.Context) {
	if rn.src.ID <= 0 {
		return
	}
	fields := map[string]any{
		"last_synced_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := rn.runner.sources.PatchSource(ctx, rn.src.ID, fields); err != nil {
		logctx.FromContext(ctx).Warn("failed to update last_synced_at", slog.Any("error", err))
	}
}

func (rn *run) count(update func(*Changes)) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	update(&rn.changes)
}

func (rn *run) snapshot() Changes {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.changes
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
