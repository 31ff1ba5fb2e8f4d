package transcode

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// LutParameters keys one lookup table. Two frames with equal parameters
// share a table, so the cache pays off across multi-frame images and
// series.
type LutParameters struct {
	RescaleSlope     float64
	RescaleIntercept float64
	PaddingValue     int
	HasPadding       bool
	BitsStored       int
	Signed           bool
	OutputSigned     bool
	OutputBits       int
	Inverse          bool
}

const lutCacheSize = 64

var lutCache, _ = lru.New[LutParameters, []uint16](lutCacheSize)

// LookupTable returns the modality+presentation LUT for p, one output
// sample per possible stored value. Results are memoized in a fixed-size
// LRU; tables for rarely seen parameter sets age out.
func LookupTable(p LutParameters) []uint16 {
	if table, ok := lutCache.Get(p); ok {
		return table
	}
	table := computeLookupTable(p)
	lutCache.Add(p, table)
	return table
}

func computeLookupTable(p LutParameters) []uint16 {
	inSize := 1 << p.BitsStored
	outMax := float64(int(1)<<p.OutputBits - 1)
	table := make([]uint16, inSize)

	// Stored-value range in modality units.
	lo := 0.0
	hi := float64(inSize - 1)
	if p.Signed {
		lo = -float64(inSize / 2)
		hi = float64(inSize/2 - 1)
	}
	minOut := p.RescaleSlope*lo + p.RescaleIntercept
	maxOut := p.RescaleSlope*hi + p.RescaleIntercept
	if minOut > maxOut {
		minOut, maxOut = maxOut, minOut
	}
	span := maxOut - minOut
	if span == 0 {
		span = 1
	}
	for i := 0; i < inSize; i++ {
		stored := float64(i)
		if p.Signed && i >= inSize/2 {
			stored = float64(i - inSize)
		}
		if p.HasPadding && int(stored) == p.PaddingValue {
			table[i] = 0
			continue
		}
		v := (p.RescaleSlope*stored + p.RescaleIntercept - minOut) / span
		if p.Inverse {
			v = 1 - v
		}
		out := v * outMax
		if out < 0 {
			out = 0
		}
		if out > outMax {
			out = outMax
		}
		table[i] = uint16(out + 0.5)
	}
	return table
}
