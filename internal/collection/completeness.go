package collection

import (
	"math"

	"github.com/rs/zerolog/log"
)

// Score computes the completeness percentage of a field map against the
// required-field list: 100 × populated / required, always in [0,100].
// Zero required fields scores 100 by convention (nothing required is
// trivially complete); that configuration smell is logged at registration
// time, not here.
func Score(fields map[string]interface{}, required []string) float64 {
	if len(required) == 0 {
		return 100
	}
	populated := 0
	for _, name := range required {
		if isPopulated(fields[name]) {
			populated++
		}
	}
	return 100 * float64(populated) / float64(len(required))
}

// isPopulated reports whether a field value counts toward completeness.
// Nulls, empty strings, and NaNs are absent; everything else is present.
func isPopulated(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case float64:
		return !math.IsNaN(val)
	case float32:
		return !math.IsNaN(float64(val))
	default:
		return true
	}
}

// MergeFields overlays incoming populated fields on top of existing ones.
// Null or empty incoming values never overwrite a previously-populated
// field, so concurrent partial updates compose monotonically toward
// completeness. The inputs are not mutated.
func MergeFields(existing, incoming map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		if !isPopulated(v) {
			continue
		}
		merged[k] = v
	}
	return merged
}

// WarnIfNoRequiredFields flags a zero-length required-field configuration
// once, at adapter registration.
func WarnIfNoRequiredFields(adapter Adapter) {
	if len(adapter.RequiredFields()) == 0 {
		log.Warn().
			Str("collector_type", adapter.Type()).
			Msg("Adapter has no required fields configured; every record will score 100")
	}
}
