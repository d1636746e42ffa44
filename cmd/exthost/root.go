package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dshills/exthost/internal/config"
)

// globalFlags are shared by every command that reads the configuration.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	noEnv      bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:   "exthost",
		Short: "Extension host for an HL7 message editor",
		Long: `exthost runs editor extensions as child processes and talks to them
with JSON-RPC 2.0 over stdio.

Extensions are listed in the configuration file. Each one is started,
handshaken with initialize, sent document events while the editor works
and shut down cleanly when the host exits.

Configuration layers, lowest first:
  built-in defaults
  config.toml (default: $XDG_CONFIG_HOME/exthost/config.toml)
  .env next to the configuration file
  EXTHOST_* environment variables
  command line flags`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "configuration file")
	pf.StringVar(&g.envFile, "env-file", "", "dotenv file (default: .env next to the configuration file)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", "", "log format (auto, text, json)")
	pf.BoolVar(&g.noEnv, "no-env", false, "ignore .env and EXTHOST_* environment variables")

	root.AddCommand(
		newRunCmd(&g),
		newConfigCmd(&g),
		newSchemaCmd(),
		newVersionCmd(),
	)
	return root
}

// configOptions turns the global flags into config.Load options. extra
// overrides are applied above the flags.
func (g *globalFlags) configOptions(extra map[string]any) []config.Option {
	overrides := make(map[string]any)
	if g.logLevel != "" {
		overrides["host.logLevel"] = g.logLevel
	}
	if g.logFormat != "" {
		overrides["host.logFormat"] = g.logFormat
	}
	for k, v := range extra {
		overrides[k] = v
	}

	opts := []config.Option{
		config.WithFile(g.configPath),
		config.WithEnvironment(!g.noEnv),
		config.WithOverrides(overrides),
	}
	if g.envFile != "" {
		opts = append(opts, config.WithEnvFile(g.envFile))
	}
	return opts
}

// writeFormatted encodes v as json, yaml or toml.
func writeFormatted(w io.Writer, v any, format string) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "toml":
		// Encode through JSON so the field names match the json tags.
		generic, err := toGeneric(v)
		if err != nil {
			return err
		}
		if format == "yaml" {
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			if err := enc.Encode(generic); err != nil {
				return err
			}
			return enc.Close()
		}
		return toml.NewEncoder(w).Encode(generic)
	default:
		return fmt.Errorf("unknown output format %q (want json, yaml or toml)", format)
	}
}

func toGeneric(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	dropNulls(out)
	return out, nil
}

// dropNulls removes null values, which TOML cannot represent.
func dropNulls(m map[string]any) {
	for k, v := range m {
		switch x := v.(type) {
		case nil:
			delete(m, k)
		case map[string]any:
			dropNulls(x)
		case []any:
			for _, e := range x {
				if em, ok := e.(map[string]any); ok {
					dropNulls(em)
				}
			}
		}
	}
}
