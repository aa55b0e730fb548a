package cli

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stratumai/trustgate/internal/adapter/synthetic"
	"github.com/stratumai/trustgate/internal/app"
	"github.com/stratumai/trustgate/internal/audit"
	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/engine"
	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/storage/memory"
	"github.com/stratumai/trustgate/internal/tenant"
)

var (
	scoreFixture   string
	scoreTenant    string
	scoreDate      string
	scorePlatforms []string
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Compute a health snapshot offline from a signal fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		if scoreFixture == "" || scoreTenant == "" {
			return eris.New("--fixture and --tenant are required")
		}
		// The offline engine runs on the scored day's clock.
		now := time.Now().UTC()
		if scoreDate != "" {
			d, err := signal.ParseDate(scoreDate)
			if err != nil {
				return eris.Wrap(err, "--date must be YYYY-MM-DD")
			}
			now = d.Add(now.Sub(signal.Day(now)))
		}

		src := synthetic.NewAdapter()
		if err := src.LoadPath(scoreFixture); err != nil {
			return err
		}

		rules, err := decision.NewRules()
		if err != nil {
			return err
		}
		registry, err := scoreRegistry(rules)
		if err != nil {
			return err
		}

		store := memory.NewStore()
		eng, err := engine.New(engine.Options{
			Registry:  registry,
			Source:    src,
			Snapshots: store,
			States:    store,
			Audit:     audit.NewRecorder(store, audit.Options{Logger: zerolog.Nop()}),
			Rules:     rules,
			Logger:    logger,
			Now:       func() time.Time { return now },
		})
		if err != nil {
			return err
		}

		res, err := eng.RunCycle(cmd.Context(), scoreTenant, time.Time{})
		if err != nil {
			return err
		}
		if res.Snapshot == nil {
			return eris.Errorf("no snapshot computed: %s", res.Cause)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res.Snapshot)
	},
}

// scoreRegistry provisions the scored tenant from --platforms when given, and
// from the configured policy directory otherwise.
func scoreRegistry(rules *decision.Rules) (*tenant.Registry, error) {
	if len(scorePlatforms) > 0 {
		registry := tenant.NewRegistry()
		registry.SetRuleChecker(rules.Check)
		if err := registry.Provision(tenant.NewConfig(scoreTenant, scorePlatforms...)); err != nil {
			return nil, err
		}
		return registry, nil
	}
	return app.LoadTenants(cfg.Tenants.PolicyDir, rules)
}

func init() {
	scoreCmd.Flags().StringVar(&scoreFixture, "fixture", "", "Signal fixture file or directory")
	scoreCmd.Flags().StringVar(&scoreTenant, "tenant", "", "Tenant to score")
	scoreCmd.Flags().StringVar(&scoreDate, "date", "", "Day to score, YYYY-MM-DD (defaults to today, UTC)")
	scoreCmd.Flags().StringSliceVar(&scorePlatforms, "platforms", nil, "Score with default settings for these platforms instead of the tenant's policy")
}
