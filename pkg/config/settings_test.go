package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCreds() Credentials {
	return Credentials{AccountID: "acct1", DatabaseID: "db1", Token: "tok1"}
}

func TestNewSettingsDefaults(t *testing.T) {
	s := NewSettings(validCreds(), TierFree)
	require.NoError(t, s.Validate())
	assert.Equal(t, TierFree, s.Tier)
	assert.Equal(t, 100, s.Limits.MaxRowsPerBatch)
	assert.True(t, s.Sync.SyncSchema)
	assert.True(t, s.Sync.VerifyAfterSync)
	assert.Equal(t, ChecksumMD5, s.Sync.ChecksumAlgorithm)
}

func TestNewSettingsEmptyTierDefaultsToFree(t *testing.T) {
	s := NewSettings(validCreds(), "")
	assert.Equal(t, TierFree, s.Tier)
}

func TestSettingsValidateRejectsMissingCredentials(t *testing.T) {
	s := NewSettings(Credentials{}, TierFree)
	assert.Error(t, s.Validate())
}

func TestSettingsValidateRejectsOverlappingTables(t *testing.T) {
	s := NewSettings(validCreds(), TierFree)
	s.Sync.Tables = []string{"users"}
	s.Sync.ExcludeTables = []string{"users"}
	assert.Error(t, s.Validate())
}

func TestSettingsValidateRejectsUnknownChecksum(t *testing.T) {
	s := NewSettings(validCreds(), TierFree)
	s.Sync.ChecksumAlgorithm = "crc32"
	assert.Error(t, s.Validate())
}

func TestEffectiveBatchSizeHonorsOverride(t *testing.T) {
	s := NewSettings(validCreds(), TierFree)
	assert.Equal(t, s.Limits.MaxRowsPerBatch, s.EffectiveBatchSize())

	s.Sync.BatchSizeOverride = 42
	assert.Equal(t, 42, s.EffectiveBatchSize())
}

func TestWithDryRunDoesNotMutateReceiver(t *testing.T) {
	s := NewSettings(validCreds(), TierFree)
	dr := s.WithDryRun(true)

	assert.False(t, s.Sync.DryRun)
	assert.True(t, dr.Sync.DryRun)
}

func TestWithSyncClonesSliceFields(t *testing.T) {
	s := NewSettings(validCreds(), TierFree)
	s.Sync.Tables = []string{"a"}

	clone := s.WithSync(s.Sync)
	clone.Sync.Tables[0] = "mutated"

	assert.Equal(t, "a", s.Sync.Tables[0])
}

func TestFingerprintStableAcrossEqualSettings(t *testing.T) {
	a := NewSettings(validCreds(), TierFree)
	b := NewSettings(validCreds(), TierFree)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintChangesWithTableSelection(t *testing.T) {
	a := NewSettings(validCreds(), TierFree)
	b := NewSettings(validCreds(), TierFree)
	b.Sync.Tables = []string{"users"}
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintIgnoresCredentials(t *testing.T) {
	a := NewSettings(Credentials{AccountID: "a", DatabaseID: "b", Token: "x"}, TierFree)
	b := NewSettings(Credentials{AccountID: "z", DatabaseID: "y", Token: "w"}, TierFree)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestLimitsForTierPaidAllowsMoreConcurrency(t *testing.T) {
	free := LimitsForTier(TierFree)
	paid := LimitsForTier(TierPaid)
	assert.Less(t, free.ConcurrentBatches, paid.ConcurrentBatches)
	assert.Greater(t, paid.MaxRowsPerBatch, free.MaxRowsPerBatch)
}

func TestLimitsValidateRejectsZeroBytes(t *testing.T) {
	l := LimitsForTier(TierFree)
	l.MaxSQLBytes = 0
	assert.Error(t, l.Validate())
}

func TestLimitsValidateRejectsOutOfRangeConcurrency(t *testing.T) {
	l := LimitsForTier(TierFree)
	l.ConcurrentBatches = MaxConcurrentBatchesHardCeiling + 1
	assert.Error(t, l.Validate())
}

func TestEffectiveBytesAppliesSafetyMargin(t *testing.T) {
	l := Limits{MaxSQLBytes: 1000, BatchSafetyMargin: 0.9}
	assert.Equal(t, 900, l.EffectiveBytes())
}
