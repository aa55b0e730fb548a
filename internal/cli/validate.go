package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/tenant"
)

var validateDir string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate tenant policy files",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := validateDir
		if dir == "" {
			dir = cfg.Tenants.PolicyDir
		}

		rules, err := decision.NewRules()
		if err != nil {
			return err
		}
		v, err := tenant.NewValidator()
		if err != nil {
			return err
		}
		errs := v.WithRuleChecker(rules.Check).ValidateDirectory(dir)

		out := cmd.OutOrStdout()
		if len(errs) == 0 {
			fmt.Fprintf(out, "✓ All tenant policies in %s are valid\n", dir)
			return nil
		}

		byFile := make(map[string][]tenant.ValidationError)
		for _, e := range errs {
			byFile[e.File] = append(byFile[e.File], e)
		}
		files := make([]string, 0, len(byFile))
		for f := range byFile {
			files = append(files, f)
		}
		sort.Strings(files)

		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "✗ Validation failed with %d error(s):\n\n", len(errs))
		for _, f := range files {
			for _, e := range byFile[f] {
				if e.Path != "" {
					fmt.Fprintf(errOut, "%s: %s: %s\n", filepath.Base(e.File), e.Path, e.Message)
				} else {
					fmt.Fprintf(errOut, "%s: %s\n", filepath.Base(e.File), e.Message)
				}
			}
		}
		return eris.Wrapf(tenant.ErrInvalidConfig, "%d policy error(s) in %s", len(errs), dir)
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateDir, "dir", "", "Directory of tenant policy YAML files (defaults to tenants.policy_dir)")
}
