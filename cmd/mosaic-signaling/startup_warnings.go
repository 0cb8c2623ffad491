package main

import (
	"log/slog"
	"slices"

	"github.com/gistacsl/mosaic-signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins.Allowed(), "*") {
		logger.Warn("startup security warning: MOSAIC_ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins.Allowed(),
			"mode", cfg.Mode,
		)
	}

	if !cfg.MasterKey.Configured() {
		logger.Warn("startup security warning: no master key configured; using an ephemeral key (issued tokens do not survive a restart)",
			"warning_code", "master_key_ephemeral",
			"mode", cfg.Mode,
		)
		if cfg.DatabasePath != config.DefaultDevDatabasePath {
			// Key pairs sealed under an ephemeral key cannot be reopened later.
			logger.Warn("startup security warning: ephemeral master key with a persistent database; the next start will fail to open stored key pairs",
				"warning_code", "master_key_ephemeral_persistent_db",
				"database_path", cfg.DatabasePath,
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.Mode == config.ModeProd && cfg.DatabasePath == config.DefaultDevDatabasePath {
		logger.Warn("startup security warning: in-memory database while --mode=prod (robot records and key pairs are lost on restart)",
			"warning_code", "in_memory_database_in_prod",
			"database_path", cfg.DatabasePath,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz reports not ready",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	} else if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured; clients must supply their own",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	}
}
