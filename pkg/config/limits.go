package config

import "time"

// Tier selects the remote's rate/size limits profile.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Limits describes the remote's per-statement and per-day ceilings. The
// zero value is not valid; use LimitsForTier to get a populated profile.
type Limits struct {
	MaxSQLBytes       int
	MaxRowsPerBatch   int
	MaxQueryDuration  time.Duration
	MaxBoundParams    int
	DailyRowReads     int64 // 0 means unbounded
	DailyRowWrites    int64 // 0 means unbounded
	BatchSafetyMargin float64
	ConcurrentBatches int
}

// LimitsForTier returns the pre-configured limits profile for a tier.
func LimitsForTier(t Tier) Limits {
	if t == TierPaid {
		return Limits{
			MaxSQLBytes:       100 * 1024,
			MaxRowsPerBatch:   500,
			MaxQueryDuration:  30 * time.Second,
			MaxBoundParams:    100,
			DailyRowReads:     0,
			DailyRowWrites:    0,
			BatchSafetyMargin: 0.90,
			ConcurrentBatches: 3,
		}
	}
	return Limits{
		MaxSQLBytes:       100 * 1024,
		MaxRowsPerBatch:   100,
		MaxQueryDuration:  30 * time.Second,
		MaxBoundParams:    100,
		DailyRowReads:     5_000_000,
		DailyRowWrites:    100_000,
		BatchSafetyMargin: 0.85,
		ConcurrentBatches: 1,
	}
}

// EffectiveBytes is the byte ceiling the chunker is allowed to fill:
// max_sql_bytes * safety_margin.
func (l Limits) EffectiveBytes() int {
	return int(float64(l.MaxSQLBytes) * l.BatchSafetyMargin)
}

const MaxConcurrentBatchesHardCeiling = 6

// Validate checks the limits are internally consistent.
func (l Limits) Validate() error {
	if l.MaxSQLBytes <= 0 {
		return errLimits("max_sql_bytes must be positive")
	}
	if l.MaxRowsPerBatch <= 0 {
		return errLimits("max_rows_per_batch must be positive")
	}
	if l.BatchSafetyMargin <= 0 || l.BatchSafetyMargin > 1.0 {
		return errLimits("batch_safety_margin must be in (0, 1.0]")
	}
	if l.ConcurrentBatches < 1 || l.ConcurrentBatches > MaxConcurrentBatchesHardCeiling {
		return errLimits("concurrent_batches must be between 1 and 6")
	}
	return nil
}
