package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix every environment variable must carry to be
// picked up by Load. Nested fields are addressed with a doubled
// delimiter, e.g. EDGESYNC_LIMITS__MAX_SQL_BYTES overrides Limits.MaxSQLBytes.
const EnvPrefix = "EDGESYNC"

// Load builds Settings from an optional YAML/TOML/JSON file (configPath, may
// be empty) overlaid with EDGESYNC_-prefixed environment variables, then
// validates the result. File values are overridden by environment values.
func Load(configPath string, creds Credentials, tier Tier) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	settings := NewSettings(creds, tier)
	applyOverrides(v, settings)

	if v.IsSet("account_id") {
		settings.Credentials.AccountID = v.GetString("account_id")
	}
	if v.IsSet("database_id") {
		settings.Credentials.DatabaseID = v.GetString("database_id")
	}
	if v.IsSet("api_token") {
		settings.Credentials.Token = v.GetString("api_token")
	}
	if v.IsSet("tier") {
		settings.Tier = Tier(v.GetString("tier"))
		settings.Limits = LimitsForTier(settings.Tier)
	}
	if v.IsSet("api_root") {
		settings.APIRoot = v.GetString("api_root")
	}
	// Applied after the tier profile so limit overrides are not replaced by it.
	applyOverrides(v, settings)

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// applyOverrides walks the handful of nested Limits/Sync/Logging fields a
// deployment is likely to override from the environment. Unlike gndb's
// BindFlags (which maps a small fixed CLI flag set), edgesync has no CLI
// flags of its own here — this binds the documented EDGESYNC_* variables a
// front end process would set before constructing Settings.
func applyOverrides(v *viper.Viper, s *Settings) {
	if v.IsSet("limits.max_sql_bytes") {
		s.Limits.MaxSQLBytes = v.GetInt("limits.max_sql_bytes")
	}
	if v.IsSet("limits.max_rows_per_batch") {
		s.Limits.MaxRowsPerBatch = v.GetInt("limits.max_rows_per_batch")
	}
	if v.IsSet("limits.batch_safety_margin") {
		s.Limits.BatchSafetyMargin = v.GetFloat64("limits.batch_safety_margin")
	}
	if v.IsSet("limits.concurrent_batches") {
		s.Limits.ConcurrentBatches = v.GetInt("limits.concurrent_batches")
	}
	if v.IsSet("sync.dry_run") {
		s.Sync.DryRun = v.GetBool("sync.dry_run")
	}
	if v.IsSet("sync.overwrite") {
		s.Sync.Overwrite = v.GetBool("sync.overwrite")
	}
	if v.IsSet("sync.sync_schema") {
		s.Sync.SyncSchema = v.GetBool("sync.sync_schema")
	}
	if v.IsSet("sync.drop_before_sync") {
		s.Sync.DropBeforeSync = v.GetBool("sync.drop_before_sync")
	}
	if v.IsSet("sync.verify_after_sync") {
		s.Sync.VerifyAfterSync = v.GetBool("sync.verify_after_sync")
	}
	if v.IsSet("sync.resume") {
		s.Sync.Resume = v.GetBool("sync.resume")
	}
	if v.IsSet("sync.state_file") {
		s.Sync.StateFile = v.GetString("sync.state_file")
	}
	if v.IsSet("sync.failed_rows_file") {
		s.Sync.FailedRowsFile = v.GetString("sync.failed_rows_file")
	}
	if v.IsSet("logging.level") {
		s.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.file") {
		s.Logging.File = v.GetString("logging.file")
	}
	if v.IsSet("logging.format") {
		s.Logging.Format = LogFormat(v.GetString("logging.format"))
	}
}
