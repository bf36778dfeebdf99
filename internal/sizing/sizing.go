// Package sizing computes the process-wide avatar dimensions once at startup.
package sizing

const (
	// StyleAvatarXLarge is the theme key holding the largest avatar height.
	StyleAvatarXLarge = "avatar_xlarge"

	DefaultSizePx         = 100
	DefaultCornerRadiusDP = 3.0
)

// DimensionLookup reads a pixel dimension from display or theme configuration.
type DimensionLookup interface {
	LookupDimension(styleKey string) (int, bool)
}

// Policy is immutable once resolved.
type Policy struct {
	SizePx         int
	Density        float64
	CornerRadiusPx float64
}

// Resolve builds the policy. Missing or non-positive dimensions fall back to
// DefaultSizePx; a non-positive density is treated as 1.
func Resolve(lookup DimensionLookup, density float64) Policy {
	if density <= 0 {
		density = 1
	}

	size := DefaultSizePx
	if lookup != nil {
		if v, ok := lookup.LookupDimension(StyleAvatarXLarge); ok && v > 0 {
			size = v
		}
	}

	return Policy{
		SizePx:         size,
		Density:        density,
		CornerRadiusPx: DefaultCornerRadiusDP * density,
	}
}

// Dimensions is a static DimensionLookup.
type Dimensions map[string]int

func (d Dimensions) LookupDimension(styleKey string) (int, bool) {
	v, ok := d[styleKey]
	return v, ok
}
