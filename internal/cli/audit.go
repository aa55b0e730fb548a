package cli

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/stratumai/trustgate/internal/app"
	"github.com/stratumai/trustgate/internal/audit"
	"github.com/stratumai/trustgate/internal/signal"
)

var (
	auditTenant       string
	auditDecisionType string
	auditEntityType   string
	auditStartDate    string
	auditEndDate      string
	auditLimit        int
	auditOffset       int
)

// auditCmd reads the decision log straight from the configured store, so
// entries of offboarded tenants stay reachable.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query a tenant's gate decision log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditTenant == "" {
			return eris.New("--tenant is required")
		}
		q := audit.Query{
			DecisionType: auditDecisionType,
			EntityType:   auditEntityType,
			Limit:        auditLimit,
			Offset:       auditOffset,
		}
		var err error
		if q.From, err = optionalDate("--start-date", auditStartDate); err != nil {
			return err
		}
		if q.To, err = optionalDate("--end-date", auditEndDate); err != nil {
			return err
		}
		if q.To != nil {
			end := q.To.Add(24*time.Hour - time.Nanosecond)
			q.To = &end
		}

		store, err := app.OpenStore(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()

		page, err := audit.NewRecorder(store, audit.Options{Logger: logger}).Query(cmd.Context(), auditTenant, q)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(page)
	},
}

func optionalDate(flag, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := signal.ParseDate(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "%s must be YYYY-MM-DD", flag)
	}
	return &d, nil
}

func init() {
	auditCmd.Flags().StringVar(&auditTenant, "tenant", "", "Tenant whose decisions to list")
	auditCmd.Flags().StringVar(&auditDecisionType, "decision-type", "", "Filter by decision type (execute, hold, block)")
	auditCmd.Flags().StringVar(&auditEntityType, "entity-type", "", "Filter by entity type")
	auditCmd.Flags().StringVar(&auditStartDate, "start-date", "", "First day to include, YYYY-MM-DD")
	auditCmd.Flags().StringVar(&auditEndDate, "end-date", "", "Last day to include, YYYY-MM-DD")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries to return")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "Entries to skip")
}
