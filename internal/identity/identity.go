// Package identity turns search-space, dataset, evaluation, and
// hyperparameter content into stable hex digests. Two semantically identical
// inputs always hash identically regardless of key order or float formatting;
// any content change produces a different digest.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// ShortKeyLen is the display prefix length used in directory names and tags.
// It is never used for uniqueness decisions.
const ShortKeyLen = 8

// BuildKey canonicalizes parts and returns a SHA-256 hex digest. It errors
// rather than hash a partial value: the map must be non-empty and no entry
// may be nil or an empty string.
func BuildKey(parts map[string]any) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("identity: no parts to hash")
	}
	for k, v := range parts {
		if v == nil {
			return "", fmt.Errorf("identity: part %q is nil", k)
		}
		if s, ok := v.(string); ok && s == "" {
			return "", fmt.Errorf("identity: part %q is empty", k)
		}
	}

	h := sha256.New()
	if err := writeCanonical(h, parts); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StudyKey identifies a comparable group of trials: same search space, same
// data, same evaluation setup.
func StudyKey(searchSpace map[string]any, datasetFingerprint string, evalConfig map[string]any) (string, error) {
	return BuildKey(map[string]any{
		"search_space":        searchSpace,
		"dataset_fingerprint": datasetFingerprint,
		"eval_config":         evalConfig,
	})
}

// TrialKey identifies one hyperparameter assignment within a study.
func TrialKey(studyKey string, params map[string]any) (string, error) {
	if len(params) == 0 {
		return "", fmt.Errorf("identity: trial has no hyperparameters")
	}
	return BuildKey(map[string]any{
		"study_key": studyKey,
		"params":    params,
	})
}

// BenchmarkKey combines a champion's identity with data/eval fingerprints and
// the benchmark configuration, for idempotent benchmark deduplication.
func BenchmarkKey(studyKey, trialKey, datasetFingerprint, evalFingerprint string, benchConfig map[string]any) (string, error) {
	return BuildKey(map[string]any{
		"study_key":           studyKey,
		"trial_key":           trialKey,
		"dataset_fingerprint": datasetFingerprint,
		"eval_fingerprint":    evalFingerprint,
		"benchmark_config":    benchConfig,
	})
}

// ShortKey returns the 8-hex display prefix of a digest. Display only.
func ShortKey(hash string) string {
	if len(hash) <= ShortKeyLen {
		return hash
	}
	return hash[:ShortKeyLen]
}

// writeCanonical streams a deterministic rendering of v into w: map keys
// sorted, numbers formatted by formatNumber, values delimited so adjacent
// fields cannot collide.
func writeCanonical(w io.Writer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if _, err := io.WriteString(w, "{"); err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := io.WriteString(w, strconv.Quote(k)+":"); err != nil {
				return err
			}
			if err := writeCanonical(w, t[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "}")
		return err
	case []any:
		if _, err := io.WriteString(w, "["); err != nil {
			return err
		}
		for _, e := range t {
			if err := writeCanonical(w, e); err != nil {
				return err
			}
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "]")
		return err
	case string:
		_, err := io.WriteString(w, strconv.Quote(t))
		return err
	case bool:
		_, err := io.WriteString(w, strconv.FormatBool(t))
		return err
	case nil:
		_, err := io.WriteString(w, "null")
		return err
	default:
		s, err := formatNumber(v)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, s)
		return err
	}
}

// formatNumber renders any numeric type so that 1, 1.0, and float32(1) all
// hash identically. Non-finite floats are rejected: they cannot identify
// anything.
func formatNumber(v any) (string, error) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	default:
		return "", fmt.Errorf("identity: unsupported value type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("identity: non-finite number %v", f)
	}
	// FormatFloat with -1 precision renders integral floats without a
	// decimal point, so int(5) and 5.0 agree.
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
