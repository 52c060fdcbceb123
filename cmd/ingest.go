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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TGStudioDE/mandari/config"
	"github.com/TGStudioDE/mandari/internal/ingest"
)

func init() {
	var (
		sourceID   int64
		root       string
		tenantID   int64
		sourceBase string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "run one sync and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := setupLogging("ingest")
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			runner, cleanup := buildRunner(cfg)
			defer cleanup()

			result, err := runner.Run(ctx, ingest.Trigger{
				Root:       root,
				TenantID:   tenantID,
				SourceID:   sourceID,
				SourceBase: sourceBase,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().Int64Var(&sourceID, "source-id", 0, "stored source to sync")
	cmd.Flags().StringVar(&root, "root", "", "OParl root catalog URL")
	cmd.Flags().Int64Var(&tenantID, "tenant-id", 0, "tenant owning the ingested entities")
	cmd.Flags().StringVar(&sourceBase, "source-base", "", "natural-key namespace, defaults to the root URL")
	rootCmd.AddCommand(cmd)
}
