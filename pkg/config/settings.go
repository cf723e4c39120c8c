// Package config holds the sync engine's configuration surface: remote
// credentials, tier-derived limits, sync behavior toggles and logging
// options. Settings is validated once at construction and is never mutated
// in place afterward — callers that need a variant clone it with a With*
// helper, following the same config-object discipline as block-spirit's
// Migration struct.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

func errLimits(msg string) error {
	return fmt.Errorf("invalid limits: %s", msg)
}

// Credentials identifies the remote account/database and carries the bearer
// token used to authenticate every request. Token is deliberately excluded
// from String()/JSON so it never lands in a log line or a state file.
type Credentials struct {
	AccountID  string
	DatabaseID string
	Token      string `json:"-"`
}

func (c Credentials) Validate() error {
	if c.AccountID == "" {
		return errors.New("account id is required")
	}
	if c.DatabaseID == "" {
		return errors.New("database id is required")
	}
	if c.Token == "" {
		return errors.New("api token is required")
	}
	return nil
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{account=%s database=%s token=***}", c.AccountID, c.DatabaseID)
}

// ChecksumAlgorithm selects the hash used by the integrity checker.
type ChecksumAlgorithm string

const (
	ChecksumMD5    ChecksumAlgorithm = "md5"
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
)

// LogFormat selects how log lines are rendered by a front end.
type LogFormat string

const (
	LogFormatRich   LogFormat = "rich"
	LogFormatJSON   LogFormat = "json"
	LogFormatSimple LogFormat = "simple"
)

// LoggingConfig is carried for completeness of the configuration surface;
// the core packages only consume the logger handle passed to them directly,
// not this struct.
type LoggingConfig struct {
	Level           string
	File            string
	Format          LogFormat
	FailedRowsFile  string
	RotateMaxSizeMB int
}

// SyncOptions controls the behavior of a single sync run.
type SyncOptions struct {
	DryRun            bool
	Overwrite         bool
	Tables            []string
	ExcludeTables     []string
	Limit             int // 0 = unbounded
	Offset            int
	SyncSchema        bool
	DropBeforeSync    bool
	VerifyAfterSync   bool
	ChecksumAlgorithm ChecksumAlgorithm
	BatchSizeOverride int // 0 = use limits.MaxRowsPerBatch
	Resume            bool
	StateFile         string
	FailedRowsFile    string
}

// Settings is the complete, immutable-after-construction configuration for
// one sync engine instance.
type Settings struct {
	Credentials  Credentials
	Tier         Tier
	Limits       Limits
	Sync         SyncOptions
	Logging      LoggingConfig
	DatabaseName string // human label used to build a destination identifier
	APIRoot      string // scheme+host+version prefix of the remote's REST API
}

// DefaultAPIRoot is the API root used when Settings.APIRoot is left empty.
const DefaultAPIRoot = "https://api.edge-provider.example/client/v4"

// NewSettings returns Settings populated with the tier's default limits and
// sensible default sync/logging options. It does not validate credentials;
// call Validate() once all fields are populated.
func NewSettings(creds Credentials, tier Tier) *Settings {
	if tier == "" {
		tier = TierFree
	}
	return &Settings{
		Credentials: creds,
		Tier:        tier,
		Limits:      LimitsForTier(tier),
		APIRoot:     DefaultAPIRoot,
		Sync: SyncOptions{
			SyncSchema:        true,
			VerifyAfterSync:   true,
			ChecksumAlgorithm: ChecksumMD5,
			Resume:            true,
			StateFile:         ".edgesync-state.json",
			FailedRowsFile:    "failed_rows.json",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: LogFormatRich,
		},
	}
}

// Validate checks that the settings are complete and internally consistent.
func (s *Settings) Validate() error {
	if err := s.Credentials.Validate(); err != nil {
		return err
	}
	if err := s.Limits.Validate(); err != nil {
		return err
	}
	switch s.Sync.ChecksumAlgorithm {
	case ChecksumMD5, ChecksumSHA256:
	default:
		return fmt.Errorf("unsupported checksum algorithm: %q", s.Sync.ChecksumAlgorithm)
	}
	if s.Sync.BatchSizeOverride < 0 {
		return errors.New("batch_size_override cannot be negative")
	}
	for _, t := range s.Sync.Tables {
		for _, e := range s.Sync.ExcludeTables {
			if t == e {
				return fmt.Errorf("table %q is both included and excluded", t)
			}
		}
	}
	return nil
}

// EffectiveBatchSize is the row batch size the source reader should use,
// honoring an operator override.
func (s *Settings) EffectiveBatchSize() int {
	if s.Sync.BatchSizeOverride > 0 {
		return s.Sync.BatchSizeOverride
	}
	return s.Limits.MaxRowsPerBatch
}

// clone returns a shallow copy with independently-owned slices, so With*
// helpers never mutate the receiver.
func (s *Settings) clone() *Settings {
	c := *s
	c.Sync.Tables = append([]string(nil), s.Sync.Tables...)
	c.Sync.ExcludeTables = append([]string(nil), s.Sync.ExcludeTables...)
	return &c
}

// WithSync returns a copy of Settings with Sync replaced.
func (s *Settings) WithSync(opts SyncOptions) *Settings {
	c := s.clone()
	c.Sync = opts
	return c
}

// WithDryRun returns a copy of Settings with DryRun set.
func (s *Settings) WithDryRun(dryRun bool) *Settings {
	c := s.clone()
	c.Sync.DryRun = dryRun
	return c
}

// fingerprintPayload is the subset of Settings that, if changed between
// runs, should invalidate a resumed sync state.
type fingerprintPayload struct {
	Overwrite         bool
	Tables            []string
	ExcludeTables     []string
	SyncSchema        bool
	ChecksumAlgorithm ChecksumAlgorithm
	MaxSQLBytes       int
	MaxRowsPerBatch   int
	BatchSafetyMargin float64
}

// Fingerprint returns a stable hex digest over the configuration fields that
// affect what gets written where. Changing any of them between runs of a
// resumable sync should start a fresh state rather than resume a stale one.
func (s *Settings) Fingerprint() string {
	payload := fingerprintPayload{
		Overwrite:         s.Sync.Overwrite,
		Tables:            append([]string(nil), s.Sync.Tables...),
		ExcludeTables:     append([]string(nil), s.Sync.ExcludeTables...),
		SyncSchema:        s.Sync.SyncSchema,
		ChecksumAlgorithm: s.Sync.ChecksumAlgorithm,
		MaxSQLBytes:       s.Limits.MaxSQLBytes,
		MaxRowsPerBatch:   s.Limits.MaxRowsPerBatch,
		BatchSafetyMargin: s.Limits.BatchSafetyMargin,
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DestinationLabel builds the "destination" identifier stored in sync state
// for a push.
func (s *Settings) DestinationLabel() string {
	return fmt.Sprintf("%s@edge", s.DatabaseName)
}
