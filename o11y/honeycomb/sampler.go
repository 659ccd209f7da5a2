package honeycomb

import (
	"fmt"
	"hash/crc32"
	"math"

	dynsampler "github.com/honeycombio/dynsampler-go"
)

// TraceSampler picks a sample rate per event key and then keeps or drops the event
// deterministically by trace id, so that whole traces are kept or dropped together.
type TraceSampler struct {
	// KeyFunc returns the key used to look up the rate in Sampler.
	// The span name is used when it is nil.
	KeyFunc func(map[string]interface{}) string

	Sampler dynsampler.Sampler
}

// Hook implements beeline.Config.SamplerHook
func (s *TraceSampler) Hook(fields map[string]interface{}) (sample bool, rate int) {
	if v, ok := fields["meta.keep.span"]; ok {
		if keep, ok := v.(bool); ok && keep {
			return true, 1
		}
	}

	key := fmt.Sprintf("%v", fields["name"])
	if s.KeyFunc != nil {
		key = s.KeyFunc(fields)
	}
	rate = s.Sampler.GetSampleRate(key)
	if shouldSample(fmt.Sprintf("%v", fields["trace.trace_id"]), rate) {
		return true, rate
	}
	return false, 0
}

// shouldSample mirrors the beeline deterministic sampler: true means keep.
func shouldSample(determinant string, rate int) bool {
	if rate <= 1 {
		return true
	}

	threshold := math.MaxUint32 / uint32(rate) //nolint:gosec
	v := crc32.ChecksumIEEE([]byte(determinant))

	return v < threshold
}
