package dzi

import "math"

// RebasedDims returns the dimensions of the preview base image for the
// given target maximum dimension. Images already within the target are
// never upscaled.
func RebasedDims(width, height, targetMaxDim int) (w, h int) {
	maxDim := width
	if height > maxDim {
		maxDim = height
	}
	if maxDim <= targetMaxDim {
		return width, height
	}
	s := float64(maxDim) / float64(targetMaxDim)
	return int(math.Round(float64(width) / s)), int(math.Round(float64(height) / s))
}

// RebasedMaxLevel caps the requested preview level count to what the
// rebased dimensions can actually express.
func RebasedMaxLevel(rebasedWidth, rebasedHeight, requestedMaxLevel int) int {
	ml := MaxLevel(rebasedWidth, rebasedHeight)
	if requestedMaxLevel < ml {
		return requestedMaxLevel
	}
	return ml
}
