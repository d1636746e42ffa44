package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/dshills/exthost/internal/schema"
)

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Work with message schemas",
	}

	var (
		base   string
		format string
	)
	merge := &cobra.Command{
		Use:   "merge [override.json...]",
		Short: "Merge override files onto the base schema and print the result",
		Long: `Merge override files onto the base schema in the order given and print
the effective schema. Later overrides win. Without --base the built-in
schema is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				s   *schema.Schema
				err error
			)
			if base != "" {
				s, err = schema.LoadBase(base)
			} else {
				s, err = schema.Builtin()
			}
			if err != nil {
				return err
			}

			overrides := make([]*schema.Override, 0, len(args))
			for _, path := range args {
				o, err := schema.LoadOverride(path)
				if err != nil {
					return err
				}
				overrides = append(overrides, o)
			}
			return writeFormatted(cmd.OutOrStdout(), schema.Merge(s, overrides), format)
		},
	}
	merge.Flags().StringVarP(&base, "base", "b", "", "base schema file or directory")
	merge.Flags().StringVarP(&format, "output", "o", "json", "output format (json, yaml, toml)")

	jsonSchema := &cobra.Command{
		Use:   "jsonschema",
		Short: "Print the JSON Schema of the override document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(schema.OverrideJSONSchema())
		},
	}

	cmd.AddCommand(merge, jsonSchema)
	return cmd
}
