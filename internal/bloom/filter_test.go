package bloom

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	f := NewWithEstimates(10000, 0.01)
	for k := uint64(0); k < 10000; k++ {
		f.Add(k * 7919)
	}
	for k := uint64(0); k < 10000; k++ {
		assert.True(t, f.MayContain(k*7919))
	}
	assert.Equal(t, uint64(10000), f.Count())
}

func TestFilter_FalsePositiveRate(t *testing.T) {
	f := NewWithEstimates(10000, 0.01)
	for k := uint64(0); k < 10000; k++ {
		f.Add(k)
	}
	fp := 0
	for k := uint64(1 << 40); k < 1<<40+10000; k++ {
		if f.MayContain(k) {
			fp++
		}
	}
	// generous bound: 3x the target rate
	assert.Less(t, fp, 300)
	assert.InDelta(t, 0.01, f.FalsePositiveRate(), 0.01)
}

func TestOptimalParameters(t *testing.T) {
	bits, hashes := OptimalParameters(1000, 0.01)
	assert.Equal(t, 9586, bits)
	assert.Equal(t, 7, hashes)

	bits, _ = OptimalParameters(1, 0.5)
	assert.Equal(t, 64, bits)
}

func TestProperty_AddedKeysAlwaysMatch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every added key tests positive", prop.ForAll(
		func(keys []uint64) bool {
			f := NewWithEstimates(len(keys)+1, 0.05)
			for _, k := range keys {
				f.Add(k)
			}
			for _, k := range keys {
				if !f.MayContain(k) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt64()),
	))

	properties.TestingRun(t)
}
