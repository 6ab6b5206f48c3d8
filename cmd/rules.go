package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/leadalloc/core/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Allocation rule commands",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a rule file without loading it into a running engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, err := rules.Load(args[0])
		if err != nil {
			return err
		}
		enabled := 0
		for _, r := range rs {
			if r.Enabled {
				enabled++
			}
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules, %d enabled\n", args[0], len(rs), enabled)
		return err
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}
