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

package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/TGStudioDE/mandari/config"
	"github.com/TGStudioDE/mandari/ingestapi"
	"github.com/TGStudioDE/mandari/internal/healthcheck"
	"github.com/TGStudioDE/mandari/internal/ingest"
	"github.com/TGStudioDE/mandari/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the ingest API server",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "ingest-api"
			ctx, cancel := setupLogging(servicename)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cfg.Backend.BaseURL == "" {
				return errors.New("backend.base_url is required")
			}

			// Start health check server
			healthServer := healthcheck.NewServer(cfg.API.HealthPort)
			go func() {
				if err := healthServer.Start(ctx); err != nil {
					slog.Error("Health check server stopped", slog.Any("error", err))
				}
			}()
			healthServer.SetStatus(healthcheck.StatusHealthy)

			runner, cleanup := buildRunner(cfg)
			defer cleanup()

			healthServer.SetReady(true)

			svc := ingestapi.NewService(runner, cfg.API.Key, cfg.API.Addr)
			return svc.Run(ctx)
		},
	}
	rootCmd.AddCommand(cmd)
}

// buildRunner wires the backend client, upsert dispatcher, committee
// resolver, and orchestrator. The returned cleanup stops their
// background goroutines.
func buildRunner(cfg *config.Config) (*ingest.Runner, func()) {
	api := store.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey)
	dispatcher := store.NewDispatcher(api)
	resolver := store.NewNameResolver(api)

	defaults := ingest.Defaults{
		RequestsPerMinute:   cfg.Fetch.RequestsPerMinute,
		MaxParallelRequests: cfg.Fetch.MaxParallelRequests,
		RequestTimeout:      cfg.Fetch.RequestTimeout,
		MaxRetries:          cfg.Fetch.MaxRetries,
		MaxTextChars:        cfg.Sync.MaxTextChars,
		UserAgent:           cfg.Fetch.UserAgent,
	}
	runner := ingest.NewRunner(api, dispatcher, resolver, defaults,
		ingest.WithLeaseTTL(cfg.Sync.LeaseTTL))

	cleanup := func() {
		runner.Close()
		resolver.Stop()
	}
	return runner, cleanup
}
