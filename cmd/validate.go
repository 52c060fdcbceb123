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
		sourceID int64
		root     string
		tenantID int64
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "check that a URL serves an OParl catalog",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := setupLogging("validate")
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			runner, cleanup := buildRunner(cfg)
			defer cleanup()

			result, err := runner.Validate(ctx, ingest.Trigger{
				Root:     root,
				TenantID: tenantID,
				SourceID: sourceID,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().Int64Var(&sourceID, "source-id", 0, "stored source to check")
	cmd.Flags().StringVar(&root, "root", "", "OParl root catalog URL")
	cmd.Flags().Int64Var(&tenantID, "tenant-id", 0, "tenant context for the check")
	rootCmd.AddCommand(cmd)
}
