// Package integrity computes canonical row/batch/table fingerprints and
// diffs two row sets, mirroring the checksum pass block-spirit runs after a
// cutover (pkg/checksum) but keyed on an explicit key column rather than a
// composite primary key hash.
package integrity

import (
	"crypto/md5"  //nolint:gosec // checksum is for drift detection, not security
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"

	"github.com/block/edgesync/pkg/config"
)

// NewHasher returns a fresh hash.Hash for the given algorithm.
func NewHasher(algo config.ChecksumAlgorithm) (hash.Hash, error) {
	switch algo {
	case config.ChecksumMD5:
		return md5.New(), nil //nolint:gosec
	case config.ChecksumSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %q", algo)
	}
}

// CanonicalCell renders a single cell value into the string form used to
// build a row's canonical representation: null becomes \N, byte slices
// become lowercase hex, bools become 1/0, everything else uses its default
// string form.
func CanonicalCell(v any) string {
	switch val := v.(type) {
	case nil:
		return `\N`
	case []byte:
		return hex.EncodeToString(val)
	case bool:
		if val {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// RowChecksum hashes the canonical, pipe-joined representation of a row.
func RowChecksum(algo config.ChecksumAlgorithm, values []any) (string, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = CanonicalCell(v)
	}
	h.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BatchChecksum folds a sequence of row checksums into one digest by hashing
// the concatenation of their hex digests, in order.
func BatchChecksum(algo config.ChecksumAlgorithm, rows [][]any) (string, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		rowHash, err := RowChecksum(algo, row)
		if err != nil {
			return "", err
		}
		h.Write([]byte(rowHash))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TableChecksum is the checksum over every row of a table, in the same
// deterministic order used to stream it — it is just BatchChecksum over the
// full row set.
func TableChecksum(algo config.ChecksumAlgorithm, rows [][]any) (string, error) {
	return BatchChecksum(algo, rows)
}

// MismatchKind classifies how a keyed row differs between source and
// destination.
type MismatchKind string

const (
	MissingInDest    MismatchKind = "missing_in_dest"
	ChecksumMismatch MismatchKind = "checksum_mismatch"
	ExtraInDest      MismatchKind = "extra_in_dest"
)

// Mismatch describes one row-level discrepancy found by FindMismatches.
type Mismatch struct {
	Kind           MismatchKind
	Key            any
	SourceChecksum string
	DestChecksum   string
}

// FindMismatches compares source and destination row sets keyed by
// keyColumn. Source rows are walked in order; any key not present in dest is
// missing_in_dest, a present key with a differing row checksum is
// checksum_mismatch, and dest keys never consumed by a source row are
// extra_in_dest. extra_in_dest entries are appended after all source-order
// entries, sorted by a string form of their key for determinism.
func FindMismatches(algo config.ChecksumAlgorithm, sourceRows, destRows [][]any, keyColumn int) ([]Mismatch, error) {
	type destEntry struct {
		checksum string
	}
	destMap := make(map[any]destEntry, len(destRows))
	for _, row := range destRows {
		key := row[keyColumn]
		checksum, err := RowChecksum(algo, row)
		if err != nil {
			return nil, err
		}
		destMap[key] = destEntry{checksum: checksum}
	}

	var mismatches []Mismatch
	for _, row := range sourceRows {
		key := row[keyColumn]
		srcChecksum, err := RowChecksum(algo, row)
		if err != nil {
			return nil, err
		}
		entry, ok := destMap[key]
		if !ok {
			mismatches = append(mismatches, Mismatch{Kind: MissingInDest, Key: key, SourceChecksum: srcChecksum})
			continue
		}
		if entry.checksum != srcChecksum {
			mismatches = append(mismatches, Mismatch{
				Kind:           ChecksumMismatch,
				Key:            key,
				SourceChecksum: srcChecksum,
				DestChecksum:   entry.checksum,
			})
		}
		delete(destMap, key)
	}

	extraKeys := make([]any, 0, len(destMap))
	for key := range destMap {
		extraKeys = append(extraKeys, key)
	}
	sort.Slice(extraKeys, func(i, j int) bool {
		return fmt.Sprintf("%v", extraKeys[i]) < fmt.Sprintf("%v", extraKeys[j])
	})
	for _, key := range extraKeys {
		mismatches = append(mismatches, Mismatch{Kind: ExtraInDest, Key: key, DestChecksum: destMap[key].checksum})
	}

	return mismatches, nil
}
