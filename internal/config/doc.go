// Package config loads the extension host configuration.
//
// Configuration is built from layers, higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  5. Command Line Flags      │  ← Highest priority
//	├─────────────────────────────┤
//	│  4. EXTHOST_* Environment   │
//	├─────────────────────────────┤
//	│  3. .env File               │  ← next to config.toml
//	├─────────────────────────────┤
//	│  2. Config File             │  ← ~/.config/exthost/config.toml
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// The config file may pull in other files with an "@include" key. The
// including file wins over its includes, but extension lists add up,
// included extensions first. A ./ or ../ extension path is relative to
// the file that names it.
// Environment variables map to settings by section and camelCase name:
// EXTHOST_TIMEOUTS_EXIT_GRACE sets timeouts.exitGrace. The variables the
// host exports to its extensions (EXTHOST_VERSION, EXTHOST_API_VERSION,
// EXTHOST_DATA_DIR) are never read back.
//
// # Sub-packages
//
//   - loader: TOML, .env and environment loading into maps
//   - watcher: file watching for live reload
//
// # Basic Usage
//
//	cfg, err := config.Load(config.WithFile("exthost.toml"))
//	if err != nil {
//		return err
//	}
//	host.Load(cfg.ExtensionConfigs())
//
// An example file:
//
//	[host]
//	logLevel = "debug"
//
//	[timeouts]
//	initialize = "5s"
//
//	[[extensions]]
//	path = "./extensions/validator"
//	args = ["--strict"]
//
//	[[extensions]]
//	path = "/opt/exthost/formatter"
//	enabled = false
//	env = { FORMATTER_STYLE = "compact" }
package config
