package keypoints

import (
	"image"
)

// FASTConfig holds the parameters for FAST corner detection.
type FASTConfig struct {
	// Threshold is the relative intensity contrast (fraction of full scale)
	// a circle pixel needs to count as brighter or darker than the center.
	Threshold float64 `json:"threshold"`
	// NMatchesCircle is the contiguous arc length required on the
	// 16-pixel Bresenham circle for a center to be a corner.
	NMatchesCircle int `json:"n_matches_circle"`
	// NMSWinSize is the window size of the non-maximum suppression pass.
	NMSWinSize int  `json:"nms_win_size"`
	Oriented   bool `json:"oriented"`
}

// DefaultFASTConfig returns the detection parameters used when a caller does
// not provide any.
func DefaultFASTConfig() *FASTConfig {
	return &FASTConfig{
		Threshold:      0.15,
		NMatchesCircle: 9,
		NMSWinSize:     7,
		Oriented:       true,
	}
}

// CircleIdx is the set of 16 offsets of a radius-3 Bresenham circle, in
// clockwise order starting from the top.
var CircleIdx = []image.Point{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// CrossIdx is the 4-offset cross neighborhood used for the fast pre-test.
var CrossIdx = []image.Point{{0, -3}, {3, 0}, {0, 3}, {-3, 0}}

// GetPointValuesInNeighborhood returns the intensities at the given offsets
// around point p.
func GetPointValuesInNeighborhood(img *image.Gray, p image.Point, neighborhood []image.Point) []float64 {
	vals := make([]float64, len(neighborhood))
	for i, off := range neighborhood {
		vals[i] = float64(img.GrayAt(p.X+off.X, p.Y+off.Y).Y)
	}
	return vals
}

// getBrighterValues returns a binary slice marking values strictly brighter
// than t.
func getBrighterValues(s []float64, t float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		if v > t {
			out[i] = 1
		}
	}
	return out
}

// getDarkerValues returns a binary slice marking values strictly darker than t.
func getDarkerValues(s []float64, t float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		if v < t {
			out[i] = 1
		}
	}
	return out
}

// isValidSliceVals reports whether a binary slice contains a contiguous run
// of ones longer than n, treating the slice as circular.
func isValidSliceVals(s []float64, n int) bool {
	longest := 0
	current := 0
	// going around twice handles wraparound runs
	for i := 0; i < 2*len(s); i++ {
		if s[i%len(s)] > 0 {
			current++
			if current > longest {
				longest = current
			}
			if longest > len(s) {
				longest = len(s)
			}
		} else {
			current = 0
		}
	}
	return longest > n
}

func sumOfPositiveValuesSlice(s []float64) float64 {
	sum := 0.
	for _, v := range s {
		if v > 0 {
			sum += v
		}
	}
	return sum
}

func sumOfNegativeValuesSlice(s []float64) float64 {
	sum := 0.
	for _, v := range s {
		if v < 0 {
			sum += v
		}
	}
	return sum
}

// cornerScore rates a corner by its total absolute contrast against the
// circle, used to rank candidates in non-maximum suppression.
func cornerScore(circleVals []float64, center float64) float64 {
	diffs := make([]float64, len(circleVals))
	for i, v := range circleVals {
		diffs[i] = v - center
	}
	pos := sumOfPositiveValuesSlice(diffs)
	neg := -sumOfNegativeValuesSlice(diffs)
	if pos > neg {
		return pos
	}
	return neg
}

// ComputeFAST computes the location of FAST keypoints in img.
func ComputeFAST(img *image.Gray, cfg *FASTConfig) KeyPoints {
	bounds := img.Bounds()
	w, h := bounds.Max.X, bounds.Max.Y
	t := cfg.Threshold * 255.

	type scored struct {
		pt    image.Point
		score float64
	}
	// the cross points sit 4 apart on the circle, so the shortest accepted
	// arc only guarantees covering 3 of them once it is 12 pixels long
	minCross := 2
	if cfg.NMatchesCircle >= 12 {
		minCross = 3
	}

	candidates := make([]scored, 0, 256)
	for y := 3; y < h-3; y++ {
		for x := 3; x < w-3; x++ {
			p := image.Point{x, y}
			center := float64(img.GrayAt(x, y).Y)
			// cross pre-test rejects most non-corners cheaply
			crossVals := GetPointValuesInNeighborhood(img, p, CrossIdx)
			nBright, nDark := 0, 0
			for _, v := range crossVals {
				if v > center+t {
					nBright++
				}
				if v < center-t {
					nDark++
				}
			}
			if nBright < minCross && nDark < minCross {
				continue
			}
			circleVals := GetPointValuesInNeighborhood(img, p, CircleIdx)
			brighter := getBrighterValues(circleVals, center+t)
			darker := getDarkerValues(circleVals, center-t)
			if !isValidSliceVals(brighter, cfg.NMatchesCircle) && !isValidSliceVals(darker, cfg.NMatchesCircle) {
				continue
			}
			candidates = append(candidates, scored{p, cornerScore(circleVals, center)})
		}
	}

	// non-maximum suppression in a NMSWinSize window
	win := cfg.NMSWinSize
	if win < 1 {
		win = 1
	}
	kps := make(KeyPoints, 0, len(candidates))
	for i, c := range candidates {
		isMax := true
		for j, o := range candidates {
			if i == j {
				continue
			}
			if absInt(c.pt.X-o.pt.X) <= win && absInt(c.pt.Y-o.pt.Y) <= win {
				if o.score > c.score || (o.score == c.score && j < i) {
					isMax = false
					break
				}
			}
		}
		if isMax {
			kps = append(kps, c.pt)
		}
	}
	return kps
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// FASTKeypoints stores keypoint locations and, if computed, their orientations.
type FASTKeypoints struct {
	Points       KeyPoints
	Orientations []float64
}

// NewFASTKeypointsFromImage returns a pointer to a FASTKeypoints struct
// containing keypoints locations and orientations if Oriented is set.
func NewFASTKeypointsFromImage(img *image.Gray, cfg *FASTConfig) *FASTKeypoints {
	kps := ComputeFAST(img, cfg)
	var orientations []float64
	if cfg.Oriented {
		orientations = computeKeypointsOrientations(img, kps)
	}
	return &FASTKeypoints{kps, orientations}
}

// IsOriented reports whether orientations were computed for the keypoints.
func (kps *FASTKeypoints) IsOriented() bool {
	return kps.Orientations != nil
}
