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

package ingestapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/TGStudioDE/mandari/internal/ingest"
)

// Runner is the slice of the sync orchestrator the API exposes.
type Runner interface {
	Run(ctx context.Context, trig ingest.Trigger) (*ingest.SyncResult, error)
	Validate(ctx context.Context, trig ingest.Trigger) (*ingest.ValidationResult, error)
}

var _ Runner = (*ingest.Runner)(nil)

// Service serves the ingest trigger API.
type Service struct {
	runner Runner
	apiKey string
	addr   string
}

func NewService(runner Runner, apiKey, addr string) *Service {
	if addr == "" {
		addr = ":8080"
	}
	return &Service{
		runner: runner,
		apiKey: apiKey,
		addr:   addr,
	}
}

// readTrigger parses the trigger from the request's query parameters:
// root, tenant_id, source_id, source_base. A source_id loads the
// stored source; root plus tenant_id describes an ad-hoc one.
func readTrigger(w http.ResponseWriter, r *http.Request) (ingest.Trigger, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST method is allowed", http.StatusMethodNotAllowed)
		return ingest.Trigger{}, false
	}
	q := r.URL.Query()
	trig := ingest.Trigger{
		Root:       q.Get("root"),
		SourceBase: q.Get("source_base"),
	}
	var err error
	if trig.TenantID, err = queryInt(q, "tenant_id"); err != nil {
		writeDetail(w, http.StatusBadRequest, "tenant_id must be an integer")
		return ingest.Trigger{}, false
	}
	if trig.SourceID, err = queryInt(q, "source_id"); err != nil {
		writeDetail(w, http.StatusBadRequest, "source_id must be an integer")
		return ingest.Trigger{}, false
	}
	if trig.SourceID <= 0 {
		if trig.Root == "" {
			writeDetail(w, http.StatusBadRequest, "either source_id or root is required")
			return ingest.Trigger{}, false
		}
		if trig.TenantID <= 0 {
			writeDetail(w, http.StatusBadRequest, "tenant_id is required with root")
			return ingest.Trigger{}, false
		}
	}
	return trig, true
}

func queryInt(q url.Values, key string) (int64, error) {
	s := q.Get(key)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	trig, ok := readTrigger(w, r)
	if !ok {
		return
	}

	result, err := s.runner.Run(r.Context(), trig)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Service) handleValidate(w http.ResponseWriter, r *http.Request) {
	trig, ok := readTrigger(w, r)
	if !ok {
		return
	}

	result, err := s.runner.Validate(r.Context(), trig)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// writeRunError maps orchestrator errors onto API responses: a held
// run lease is a conflict, a bad root catalog is the caller's fault,
// everything else is ours.
func (s *Service) writeRunError(w http.ResponseWriter, err error) {
	var catErr *ingest.CatalogError
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		writeDetail(w, http.StatusConflict, "a sync run for this source is already in progress")
	case errors.As(err, &catErr):
		writeDetail(w, http.StatusBadRequest, catErr.Error())
	default:
		slog.Error("sync run failed", slog.Any("error", err))
		writeDetail(w, http.StatusInternalServerError, "sync run failed")
	}
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// Run serves the API until doneCtx is cancelled, then shuts down.
func (s *Service) Run(doneCtx context.Context) error {
	slog.Info("Starting ingest API service", slog.String("addr", s.addr))

	mux := http.NewServeMux()

	mux.HandleFunc("/oparl/ingest", s.apiKeyMiddleware(s.handleIngest))
	mux.HandleFunc("/oparl/validate", s.apiKeyMiddleware(s.handleValidate))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start HTTP server", slog.Any("error", err))
		}
	}()

	<-doneCtx.Done()

	slog.Info("Shutting down ingest API service")
	if err := srv.Shutdown(context.Background()); err != nil {
		slog.Error("Failed to shutdown HTTP server", slog.Any("error", err))
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
