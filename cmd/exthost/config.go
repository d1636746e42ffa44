package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/exthost/internal/config"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after every layer is applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configOptions(nil)...)
			if err != nil {
				return err
			}
			return writeFormatted(cmd.OutOrStdout(), cfg, format)
		},
	}
	show.Flags().StringVarP(&format, "output", "o", "toml", "output format (json, yaml, toml)")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and report every invalid field",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configOptions(nil)...)
			if err != nil {
				return err
			}
			source := cfg.Path
			if source == "" {
				source = "defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d extensions)\n", source, len(cfg.Extensions))
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}
