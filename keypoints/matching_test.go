package keypoints

import (
	"image"
	"testing"

	"go.viam.com/test"
)

func TestHammingDistance(t *testing.T) {
	d1 := Descriptor{0b1010, 0}
	d2 := Descriptor{0b0110, 0}
	test.That(t, HammingDistance(d1, d1), test.ShouldEqual, 0)
	test.That(t, HammingDistance(d1, d2), test.ShouldEqual, 2)
	test.That(t, HammingDistance(d1, Descriptor{0}), test.ShouldEqual, -1)
}

func TestMatchDescriptorsExact(t *testing.T) {
	set := Descriptors{
		{0x0000000000000000},
		{0x00000000ffffffff},
		{0xffffffffffffffff},
	}
	matches := MatchDescriptors(set, set, DefaultMatchingConfig())
	test.That(t, matches, test.ShouldHaveLength, 3)
	for _, m := range matches {
		test.That(t, m.Idx1, test.ShouldEqual, m.Idx2)
		test.That(t, m.Distance, test.ShouldEqual, 0)
	}
}

func TestMatchDescriptorsMaxDist(t *testing.T) {
	desc1 := Descriptors{{0x0}}
	desc2 := Descriptors{{0xffffffffffffffff}}
	cfg := &MatchingConfig{DoCrossCheck: false, MaxDist: 32}
	matches := MatchDescriptors(desc1, desc2, cfg)
	test.That(t, matches, test.ShouldBeEmpty)

	cfg.MaxDist = 64
	matches = MatchDescriptors(desc1, desc2, cfg)
	test.That(t, matches, test.ShouldHaveLength, 1)
	test.That(t, matches[0].Distance, test.ShouldEqual, 64)
}

func TestMatchDescriptorsRatioTest(t *testing.T) {
	// both candidates are nearly equidistant from the query; the match is
	// ambiguous and must be rejected
	desc1 := Descriptors{{0b11}}
	desc2 := Descriptors{{0b111}, {0b010}}
	cfg := &MatchingConfig{DoCrossCheck: false, MaxDist: 64, MaxRatio: 0.8}
	matches := MatchDescriptors(desc1, desc2, cfg)
	test.That(t, matches, test.ShouldBeEmpty)

	// an unambiguous best passes
	desc2 = Descriptors{{0b11}, {0xffffffff}}
	matches = MatchDescriptors(desc1, desc2, cfg)
	test.That(t, matches, test.ShouldHaveLength, 1)
	test.That(t, matches[0].Idx2, test.ShouldEqual, 0)
}

func TestMatchDescriptorsCrossCheck(t *testing.T) {
	// desc2[0] prefers desc1[1]; cross check rejects the 0->0 pairing
	desc1 := Descriptors{{0b1111}, {0b0011}}
	desc2 := Descriptors{{0b0011}}
	cfg := &MatchingConfig{DoCrossCheck: true, MaxDist: 64}
	matches := MatchDescriptors(desc1, desc2, cfg)
	test.That(t, matches, test.ShouldHaveLength, 1)
	test.That(t, matches[0].Idx1, test.ShouldEqual, 1)
	test.That(t, matches[0].Idx2, test.ShouldEqual, 0)
}

func TestMatchDescriptorsSorted(t *testing.T) {
	desc1 := Descriptors{{0b1}, {0b1111111}}
	desc2 := Descriptors{{0b0}}
	cfg := &MatchingConfig{DoCrossCheck: false, MaxDist: 64}
	matches := MatchDescriptors(desc1, desc2, cfg)
	test.That(t, len(matches), test.ShouldBeGreaterThan, 0)
	for i := 1; i < len(matches); i++ {
		test.That(t, matches[i-1].Distance, test.ShouldBeLessThanOrEqualTo, matches[i].Distance)
	}
}

func TestMatchDescriptorsEmpty(t *testing.T) {
	test.That(t, MatchDescriptors(nil, Descriptors{{0}}, DefaultMatchingConfig()), test.ShouldBeEmpty)
	test.That(t, MatchDescriptors(Descriptors{{0}}, nil, DefaultMatchingConfig()), test.ShouldBeEmpty)
}

func TestGetMatchingKeyPoints(t *testing.T) {
	kps1 := KeyPoints{{1, 2}, {3, 4}}
	kps2 := KeyPoints{{5, 6}}
	matches := []DescriptorMatch{{Idx1: 1, Idx2: 0, Distance: 3}}
	m1, m2, err := GetMatchingKeyPoints(matches, kps1, kps2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m1, test.ShouldResemble, KeyPoints{{3, 4}})
	test.That(t, m2, test.ShouldResemble, KeyPoints{{5, 6}})

	bad := []DescriptorMatch{{Idx1: 5, Idx2: 0}}
	_, _, err = GetMatchingKeyPoints(bad, kps1, kps2)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRescaleKeypoints(t *testing.T) {
	kps := KeyPoints{{1, 2}, {3, 4}}
	rescaled := RescaleKeypoints(kps, 2)
	test.That(t, rescaled, test.ShouldResemble, KeyPoints{image.Point{2, 4}, image.Point{6, 8}})
}
