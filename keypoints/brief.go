package keypoints

import (
	"image"
	"math"
	"math/rand"
)

// SamplingType selects how BRIEF test pairs are drawn inside a patch.
type SamplingType int

const (
	// Uniform draws pair coordinates uniformly over the patch.
	Uniform SamplingType = iota
	// Normal draws pair coordinates from a clipped Gaussian centered in the patch.
	Normal
	// Fixed uses a regular deterministic lattice of pairs.
	Fixed
)

// briefSeed fixes the pair-sampling RNG. Detection must be reproducible for a
// fixed configuration, so sampling never uses an external entropy source.
const briefSeed = 82

// SamplePairs are N pairs of points used to create the BRIEF descriptor of a
// patch. Generate once per engine and reuse for every frame so descriptors
// from different frames are comparable.
type SamplePairs struct {
	P0 []image.Point
	P1 []image.Point
	N  int
}

// GenerateSamplePairs generates n sample pairs for a patch size with the
// chosen sampling type. The generation is deterministic.
func GenerateSamplePairs(dist SamplingType, n, patchSize int) *SamplePairs {
	//nolint:gosec
	rnd := rand.New(rand.NewSource(briefSeed))
	vMin := int(math.Round(-(float64(patchSize) - 2) / 2.))
	vMax := int(math.Round(float64(patchSize) / 2.))
	sample := func() int {
		switch dist {
		case Normal:
			span := float64(vMax-vMin) / 4.
			v := int(math.Round(rnd.NormFloat64() * span))
			if v < vMin {
				v = vMin
			}
			if v > vMax {
				v = vMax
			}
			return v
		case Fixed, Uniform:
			fallthrough
		default:
			return vMin + rnd.Intn(vMax-vMin+1)
		}
	}
	p0 := make([]image.Point, 0, n)
	p1 := make([]image.Point, 0, n)
	if dist == Fixed {
		// regular spacing across the patch diagonals
		step := float64(vMax-vMin) / float64(n)
		for i := 0; i < n; i++ {
			v := vMin + int(math.Round(float64(i)*step))
			p0 = append(p0, image.Point{v, vMin + (i % (vMax - vMin + 1))})
			p1 = append(p1, image.Point{-v, -(vMin + (i % (vMax - vMin + 1)))})
		}
	} else {
		for i := 0; i < n; i++ {
			p0 = append(p0, image.Point{sample(), sample()})
			p1 = append(p1, image.Point{sample(), sample()})
		}
	}
	return &SamplePairs{P0: p0, P1: p1, N: n}
}

// BRIEFConfig stores the parameters for BRIEF descriptor computation.
type BRIEFConfig struct {
	// N is the number of intensity comparisons, and therefore descriptor bits.
	// Must be a multiple of 64.
	N              int          `json:"n"`
	Sampling       SamplingType `json:"sampling"`
	UseOrientation bool         `json:"use_orientation"`
	PatchSize      int          `json:"patch_size"`
}

// DefaultBRIEFConfig returns the descriptor parameters used when a caller
// does not provide any.
func DefaultBRIEFConfig() *BRIEFConfig {
	return &BRIEFConfig{
		N:              256,
		Sampling:       Uniform,
		UseOrientation: true,
		PatchSize:      48,
	}
}

// ComputeBRIEFDescriptors computes BRIEF descriptors on image img at keypoints
// kps using the pre-generated sample pairs sp. Keypoints whose patch falls
// outside the image get an all-zero descriptor.
func ComputeBRIEFDescriptors(img *image.Gray, sp *SamplePairs, kps *FASTKeypoints, cfg *BRIEFConfig) Descriptors {
	blurred := convolveGray(img)
	bnd := blurred.Bounds()
	halfSize := cfg.PatchSize / 2
	descs := make(Descriptors, len(kps.Points))
	for k, kp := range kps.Points {
		descriptor := make(Descriptor, sp.N/64)
		descs[k] = descriptor
		p1 := image.Point{kp.X + halfSize, kp.Y + halfSize}
		p2 := image.Point{kp.X + halfSize, kp.Y - halfSize}
		p3 := image.Point{kp.X - halfSize, kp.Y + halfSize}
		p4 := image.Point{kp.X - halfSize, kp.Y - halfSize}
		if !p1.In(bnd) || !p2.In(bnd) || !p3.In(bnd) || !p4.In(bnd) {
			continue
		}
		cosTheta := 1.0
		sinTheta := 0.0
		// steer the sampling pattern by the keypoint orientation when available
		if cfg.UseOrientation && kps.Orientations != nil {
			angle := kps.Orientations[k]
			cosTheta = math.Cos(angle)
			sinTheta = math.Sin(angle)
		}
		for i := 0; i < sp.N; i++ {
			x0, y0 := float64(sp.P0[i].X), float64(sp.P0[i].Y)
			x1, y1 := float64(sp.P1[i].X), float64(sp.P1[i].Y)
			outx0 := int(math.Round(cosTheta*x0 - sinTheta*y0))
			outy0 := int(math.Round(sinTheta*x0 + cosTheta*y0))
			outx1 := int(math.Round(cosTheta*x1 - sinTheta*y1))
			outy1 := int(math.Round(sinTheta*x1 + cosTheta*y1))
			p0Val := blurred.GrayAt(kp.X+outx0, kp.Y+outy0).Y
			p1Val := blurred.GrayAt(kp.X+outx1, kp.Y+outy1).Y
			if p0Val > p1Val {
				descriptor[i/64] |= 1 << (i % 64)
			}
		}
	}
	return descs
}
