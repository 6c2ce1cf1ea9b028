package vocab

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/visense/vislam/keypoints"
)

// clusteredDescriptors draws descriptors around a few well-separated binary
// prototypes by flipping a couple of bits.
func clusteredDescriptors(perCluster int, seed int64) (keypoints.Descriptors, []keypoints.Descriptor) {
	prototypes := []keypoints.Descriptor{
		{0x0000000000000000, 0x0000000000000000},
		{0xffffffffffffffff, 0x0000000000000000},
		{0x0000000000000000, 0xffffffffffffffff},
		{0xffffffffffffffff, 0xffffffffffffffff},
	}
	rnd := rand.New(rand.NewSource(seed))
	descs := make(keypoints.Descriptors, 0, len(prototypes)*perCluster)
	for _, proto := range prototypes {
		for i := 0; i < perCluster; i++ {
			d := append(keypoints.Descriptor(nil), proto...)
			for f := 0; f < 2; f++ {
				bit := rnd.Intn(128)
				d[bit/64] ^= 1 << (bit % 64)
			}
			descs = append(descs, d)
		}
	}
	return descs, prototypes
}

func TestCheckValid(t *testing.T) {
	var voc *Vocabulary
	err := voc.CheckValid()
	test.That(t, errors.Is(err, ErrNoVocabulary), test.ShouldBeTrue)

	voc = &Vocabulary{}
	test.That(t, voc.CheckValid(), test.ShouldNotBeNil)

	voc = &Vocabulary{Words: []keypoints.Descriptor{{1, 2}, {3}}}
	test.That(t, voc.CheckValid(), test.ShouldNotBeNil)

	voc = &Vocabulary{Words: []keypoints.Descriptor{{1, 2}, {3, 4}}}
	test.That(t, voc.CheckValid(), test.ShouldBeNil)
	test.That(t, voc.Size(), test.ShouldEqual, 2)
}

func TestTrain(t *testing.T) {
	descs, _ := clusteredDescriptors(20, 7)
	voc, err := Train(descs, 4, 10, 11)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, voc.Size(), test.ShouldEqual, 4)
	test.That(t, voc.CheckValid(), test.ShouldBeNil)
	for _, w := range voc.Words {
		test.That(t, w, test.ShouldHaveLength, 2)
	}
}

func TestMajorityCentroids(t *testing.T) {
	descs := keypoints.Descriptors{
		{0b1110}, {0b1100}, {0b0110}, // cluster 0: bits 1, 2 and 3 in majority
		{0b0001}, {0b0001}, // cluster 1: exactly bit 0
	}
	assignment := []int{0, 0, 0, 1, 1}
	prev := []keypoints.Descriptor{{0}, {0}, {0xff}}
	words := majorityCentroids(descs, assignment, prev)
	test.That(t, words[0], test.ShouldResemble, keypoints.Descriptor{0b1110})
	test.That(t, words[1], test.ShouldResemble, keypoints.Descriptor{0b0001})
	// empty clusters keep their previous word
	test.That(t, words[2], test.ShouldResemble, keypoints.Descriptor{0xff})
}

func TestTrainDeterministic(t *testing.T) {
	descs, _ := clusteredDescriptors(10, 3)
	voc1, err := Train(descs, 4, 5, 11)
	test.That(t, err, test.ShouldBeNil)
	voc2, err := Train(descs, 4, 5, 11)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, voc1.Words, test.ShouldResemble, voc2.Words)
}

func TestTrainErrors(t *testing.T) {
	_, err := Train(nil, 4, 5, 1)
	test.That(t, errors.Is(err, ErrNoVocabulary), test.ShouldBeTrue)

	descs, _ := clusteredDescriptors(2, 1)
	_, err = Train(descs, 0, 5, 1)
	test.That(t, err, test.ShouldNotBeNil)

	// k larger than the corpus clamps rather than fails
	voc, err := Train(descs[:3], 10, 5, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, voc.Size(), test.ShouldEqual, 3)
}

func TestQuantize(t *testing.T) {
	voc := &Vocabulary{Words: []keypoints.Descriptor{
		{0x0, 0x0},
		{0xffffffffffffffff, 0xffffffffffffffff},
	}}
	test.That(t, voc.Quantize(keypoints.Descriptor{0x1, 0x0}), test.ShouldEqual, 0)
	test.That(t, voc.Quantize(keypoints.Descriptor{0xfffffffffffffff0, 0xffffffffffffffff}), test.ShouldEqual, 1)
}

func TestSignature(t *testing.T) {
	voc := &Vocabulary{Words: []keypoints.Descriptor{
		{0x0, 0x0},
		{0xffffffffffffffff, 0xffffffffffffffff},
	}}

	empty := voc.Signature(nil)
	test.That(t, empty, test.ShouldResemble, Signature{0, 0})

	sig := voc.Signature(keypoints.Descriptors{
		{0x0, 0x0},
		{0x1, 0x0},
		{0xffffffffffffffff, 0xffffffffffffffff},
	})
	// L2 normalized
	norm := sig[0]*sig[0] + sig[1]*sig[1]
	test.That(t, norm, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, sig[0], test.ShouldBeGreaterThan, sig[1])
}

func TestCosineSimilarity(t *testing.T) {
	a := Signature{1, 0}
	b := Signature{0, 1}
	test.That(t, CosineSimilarity(a, a), test.ShouldAlmostEqual, 1)
	test.That(t, CosineSimilarity(a, b), test.ShouldAlmostEqual, 0)
	test.That(t, CosineSimilarity(a, Signature{1}), test.ShouldEqual, 0.0)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	descs, _ := clusteredDescriptors(10, 5)
	voc, err := Train(descs, 4, 5, 11)
	test.That(t, err, test.ShouldBeNil)

	path := filepath.Join(t.TempDir(), "voc.json")
	test.That(t, voc.Save(path), test.ShouldBeNil)

	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Words, test.ShouldResemble, voc.Words)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, os.WriteFile(path, []byte("{"), 0o644), test.ShouldBeNil)
	_, err = Load(path)
	test.That(t, err, test.ShouldNotBeNil)
}
