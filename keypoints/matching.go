package keypoints

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// MatchingConfig contains the parameters for matching descriptors.
type MatchingConfig struct {
	DoCrossCheck bool `json:"do_cross_check"`
	// MaxDist is the maximum Hamming distance for a match to be accepted.
	MaxDist int `json:"max_dist"`
	// MaxRatio is the Lowe ratio bound: the best match must be at most
	// MaxRatio times the second best distance, otherwise the match is
	// considered ambiguous and rejected.
	MaxRatio float64 `json:"max_ratio"`
}

// DefaultMatchingConfig returns the matching parameters used when a caller
// does not provide any.
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		DoCrossCheck: true,
		MaxDist:      64,
		MaxRatio:     0.8,
	}
}

// DescriptorMatch contains the index of a match in the first and second set
// of descriptors, and their distance.
type DescriptorMatch struct {
	Idx1     int
	Idx2     int
	Distance int
}

// bestTwo returns the index of the closest descriptor in set and the
// distances of the closest and second closest.
func bestTwo(d Descriptor, set Descriptors) (int, int, int) {
	bestIdx, bestDist, secondDist := -1, 1<<30, 1<<30
	for j := range set {
		dist := HammingDistance(d, set[j])
		if dist < 0 {
			continue
		}
		switch {
		case dist < bestDist:
			secondDist = bestDist
			bestDist = dist
			bestIdx = j
		case dist < secondDist:
			secondDist = dist
		}
	}
	return bestIdx, bestDist, secondDist
}

// MatchDescriptors takes 2 sets of descriptors and performs nearest-neighbor
// matching with an absolute distance bound, an ambiguity ratio test and an
// optional cross check. Matches are returned sorted by ascending distance.
func MatchDescriptors(desc1, desc2 Descriptors, cfg *MatchingConfig) []DescriptorMatch {
	if len(desc1) == 0 || len(desc2) == 0 {
		return nil
	}
	matches := make([]DescriptorMatch, 0, len(desc1))
	for i := range desc1 {
		j, best, second := bestTwo(desc1[i], desc2)
		if j < 0 {
			continue
		}
		if cfg.MaxDist > 0 && best > cfg.MaxDist {
			continue
		}
		// ambiguous matches are rejected rather than guessed
		if cfg.MaxRatio > 0 && second < 1<<30 && float64(best) > cfg.MaxRatio*float64(second) {
			continue
		}
		if cfg.DoCrossCheck {
			back, _, _ := bestTwo(desc2[j], desc1)
			if back != i {
				continue
			}
		}
		matches = append(matches, DescriptorMatch{Idx1: i, Idx2: j, Distance: best})
	}
	// sort by distance so downstream consumers can truncate to the best
	dists := make([]float64, len(matches))
	for i, m := range matches {
		dists[i] = float64(m.Distance)
	}
	order := make([]int, len(matches))
	floats.Argsort(dists, order)
	sorted := make([]DescriptorMatch, len(matches))
	for i, idx := range order {
		sorted[i] = matches[idx]
	}
	return sorted
}

// GetMatchingKeyPoints takes the matches and the keypoints and returns the
// corresponding matched keypoint pairs.
func GetMatchingKeyPoints(matches []DescriptorMatch, kps1, kps2 KeyPoints) (KeyPoints, KeyPoints, error) {
	matched1 := make(KeyPoints, len(matches))
	matched2 := make(KeyPoints, len(matches))
	for i, match := range matches {
		if match.Idx1 >= len(kps1) || match.Idx2 >= len(kps2) {
			return nil, nil, errors.Errorf("match (%d,%d) out of keypoint range (%d,%d)",
				match.Idx1, match.Idx2, len(kps1), len(kps2))
		}
		matched1[i] = kps1[match.Idx1]
		matched2[i] = kps2[match.Idx2]
	}
	return matched1, matched2, nil
}
