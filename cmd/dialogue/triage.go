package main

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/room4-2/frontdesk/cards"
	"github.com/room4-2/frontdesk/patterns"
	"github.com/room4-2/frontdesk/triage"
)

var triageCmd = &cobra.Command{
	Use:   "triage <utterance...>",
	Short: "Classify one utterance and print the triage result as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadTenant(cmd)
		if err != nil {
			return err
		}
		lib, err := patterns.Build(cfg.Patterns)
		if err != nil {
			return fmt.Errorf("compile tenant patterns: %w", err)
		}
		res := triage.Evaluate(strings.Join(args, " "), cfg.Triage, lib, cards.New(cfg.Cards))
		data, err := sonic.ConfigStd.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}
