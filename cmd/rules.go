package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"coalesce/bootstrap"
	"coalesce/query"
	"coalesce/storage"
)

// openStore wires logger, config and storage for the one-shot rule commands.
func openStore() (*storage.SQLite, *zap.SugaredLogger, func(), error) {
	_, sugar, err := bootstrap.InitLogger()
	if err != nil {
		return nil, nil, nil, err
	}

	cfg, err := bootstrap.InitConfig(sugar)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := bootstrap.InitSQLite(cfg, sugar)
	if err != nil {
		return nil, nil, nil, err
	}
	return store, sugar, func() { _ = store.Close() }, nil
}

func newInitRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-rules",
		Short: "Install or refresh the builtin rule set",
		Long:  "Upserts the builtin aggregation and correlation rules into the store. Existing rules are updated in place; locally changed activation flags are preserved.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.SeedBuiltinRules(cmd.Context(), time.Now().UTC()); err != nil {
				return fmt.Errorf("failed to seed builtin rules: %w", err)
			}

			rules, err := store.ListAggregationRules(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Builtin rules installed; %d aggregation rules in store\n", len(rules))
			return nil
		},
	}
}

func newValidateRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-rules",
		Short: "Convert and render every stored rule, reporting failures",
		Long:  "Loads every aggregation rule, normalizes its condition, and renders its window SQL. Rules that fall back to the default context or fail to render are reported.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, sugar, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			rules, err := store.ListAggregationRules(cmd.Context())
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No aggregation rules in store")
				return nil
			}

			planner, err := query.NewPlanner(sugar)
			if err != nil {
				return err
			}

			failed := 0
			for _, rule := range rules {
				if _, err := planner.Plan(rule, nil); err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", rule.RuleID, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK   %s\n", rule.RuleID)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d rules failed validation", failed, len(rules))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "All %d rules validated\n", len(rules))
			return nil
		},
	}
}
