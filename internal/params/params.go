// Package params maps stored canonical sampling parameters onto provider
// request bodies.
package params

import (
	"fmt"
	"math"

	"github.com/tidwall/sjson"

	"github.com/n0madic/go-chatdispatch/internal/models"
)

// Unset is the stored value meaning "omit this parameter".
const Unset = -1000.0

// Source yields stored parameter values; Unset when a value is absent.
type Source interface {
	Value(models.Param) float64
}

// Rename maps canonical parameters to dotted request-body paths.
// Parameters absent from the table are written under their canonical name.
type Rename map[models.Param]string

// Path returns the body path for p.
func (r Rename) Path(p models.Param) string {
	if path, ok := r[p]; ok && path != "" {
		return path
	}
	return string(p)
}

// percentParams are stored as percent integers and sent as fractions.
var percentParams = map[models.Param]bool{
	models.ParamTemperature:       true,
	models.ParamFrequencyPenalty:  true,
	models.ParamPresencePenalty:   true,
	models.ParamRepetitionPenalty: true,
}

// integerParams are sent as JSON integers.
var integerParams = map[models.Param]bool{
	models.ParamTopK:           true,
	models.ParamThinkingTokens: true,
}

// Apply writes every accepted parameter with a set value into body at its
// renamed dotted path, creating nested objects as needed. Unset values are
// skipped entirely.
func Apply(body []byte, accepted []models.Param, rename Rename, src Source) ([]byte, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	for _, p := range accepted {
		raw := src.Value(p)
		if raw == Unset {
			continue
		}
		v, err := Convert(p, raw)
		if err != nil {
			return nil, err
		}
		body, err = sjson.SetBytes(body, rename.Path(p), v)
		if err != nil {
			return nil, fmt.Errorf("params: set %s: %w", rename.Path(p), err)
		}
	}
	return body, nil
}

// Convert turns a stored value into its wire value.
func Convert(p models.Param, stored float64) (any, error) {
	if math.IsNaN(stored) || math.IsInf(stored, 0) {
		return nil, fmt.Errorf("params: %s: invalid value %v", p, stored)
	}
	switch {
	case p == models.ParamReasoningEffort:
		return EffortName(int(stored)), nil
	case p == models.ParamVerbosity:
		return VerbosityName(int(stored)), nil
	case percentParams[p]:
		return stored / 100, nil
	case integerParams[p]:
		return int64(math.Round(stored)), nil
	}
	return stored, nil
}

var (
	efforts     = []string{"minimal", "low", "medium", "high"}
	verbosities = []string{"low", "medium", "high"}
)

// EffortName buckets a 0..3 reasoning effort level. Out-of-range levels clamp.
func EffortName(level int) string {
	return efforts[clamp(level, len(efforts))]
}

// VerbosityName buckets a 0..2 verbosity level. Out-of-range levels clamp.
func VerbosityName(level int) string {
	return verbosities[clamp(level, len(verbosities))]
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Values is a Source backed by a map, useful for ad-hoc overrides.
type Values map[models.Param]float64

// Value implements Source.
func (v Values) Value(p models.Param) float64 {
	if x, ok := v[p]; ok {
		return x
	}
	return Unset
}
