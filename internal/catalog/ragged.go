package catalog

import "github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"

// RaggedSpec names the sibling datasets holding per-row start indices and
// counts for a flat buffer dataset.
type RaggedSpec struct {
	Start    string
	Count    string
	OneBased bool
}

// RaggedRegistry maps a flat buffer's leaf name to its layout.
type RaggedRegistry map[string]RaggedSpec

// DefaultRagged covers the waveform-shaped variables of the GEDI products.
// Start indices in GEDI files count from 1.
var DefaultRagged = RaggedRegistry{
	"pgap_theta_z": {Start: "rx_sample_start_index", Count: "rx_sample_count", OneBased: true},
	"rxwaveform":   {Start: "rx_sample_start_index", Count: "rx_sample_count", OneBased: true},
	"txwaveform":   {Start: "tx_sample_start_index", Count: "tx_sample_count", OneBased: true},
}

// Layout returns the ragged layout for path, resolved against the path's
// own group, or nil when the leaf is not registered.
func (r RaggedRegistry) Layout(path types.DatasetPath) *types.RaggedLayout {
	spec, ok := r[path.Leaf()]
	if !ok {
		return nil
	}
	return &types.RaggedLayout{
		Start:    path.Sibling(spec.Start),
		Count:    path.Sibling(spec.Count),
		OneBased: spec.OneBased,
	}
}
