package keypoints

import (
	"image"
	"testing"

	"go.viam.com/test"
)

func TestGenerateSamplePairsDeterministic(t *testing.T) {
	sp1 := GenerateSamplePairs(Uniform, 256, 48)
	sp2 := GenerateSamplePairs(Uniform, 256, 48)
	test.That(t, sp1.N, test.ShouldEqual, 256)
	test.That(t, sp1.P0, test.ShouldResemble, sp2.P0)
	test.That(t, sp1.P1, test.ShouldResemble, sp2.P1)
}

func TestGenerateSamplePairsInPatch(t *testing.T) {
	patchSize := 48
	for _, sampling := range []SamplingType{Uniform, Normal, Fixed} {
		sp := GenerateSamplePairs(sampling, 128, patchSize)
		test.That(t, len(sp.P0), test.ShouldEqual, 128)
		test.That(t, len(sp.P1), test.ShouldEqual, 128)
		for i := range sp.P0 {
			test.That(t, absInt(sp.P0[i].X), test.ShouldBeLessThanOrEqualTo, patchSize/2)
			test.That(t, absInt(sp.P0[i].Y), test.ShouldBeLessThanOrEqualTo, patchSize/2)
			test.That(t, absInt(sp.P1[i].X), test.ShouldBeLessThanOrEqualTo, patchSize/2)
			test.That(t, absInt(sp.P1[i].Y), test.ShouldBeLessThanOrEqualTo, patchSize/2)
		}
	}
}

func TestComputeBRIEFDescriptors(t *testing.T) {
	img := rectGrayImage(128, 128, image.Rect(40, 40, 90, 90))
	cfg := DefaultBRIEFConfig()
	sp := GenerateSamplePairs(cfg.Sampling, cfg.N, cfg.PatchSize)
	kps := &FASTKeypoints{
		Points: KeyPoints{{64, 64}, {40, 40}, {2, 2}},
	}
	descs := ComputeBRIEFDescriptors(img, sp, kps, cfg)
	test.That(t, len(descs), test.ShouldEqual, 3)
	for _, d := range descs {
		test.That(t, len(d), test.ShouldEqual, cfg.N/64)
	}

	// a patch overlapping the rectangle edge has contrast, hence set bits
	test.That(t, HammingDistance(descs[1], make(Descriptor, cfg.N/64)), test.ShouldBeGreaterThan, 0)
	// patches falling outside the image get a zero descriptor
	test.That(t, descs[2], test.ShouldResemble, make(Descriptor, cfg.N/64))

	again := ComputeBRIEFDescriptors(img, sp, kps, cfg)
	test.That(t, again, test.ShouldResemble, descs)
}

func TestComputeORBKeypoints(t *testing.T) {
	img := rectGrayImage(128, 128, image.Rect(30, 30, 80, 90))
	cfg := DefaultORBConfig()
	sp := GenerateSamplePairs(cfg.BRIEFConf.Sampling, cfg.BRIEFConf.N, cfg.BRIEFConf.PatchSize)

	descs, kps, err := ComputeORBKeypoints(img, sp, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(descs), test.ShouldEqual, len(kps))
	test.That(t, len(kps), test.ShouldBeGreaterThan, 0)
	for _, kp := range kps {
		test.That(t, kp.X, test.ShouldBeGreaterThanOrEqualTo, 0)
		test.That(t, kp.X, test.ShouldBeLessThan, 128)
		test.That(t, kp.Y, test.ShouldBeGreaterThanOrEqualTo, 0)
		test.That(t, kp.Y, test.ShouldBeLessThan, 128)
	}

	descs2, kps2, err := ComputeORBKeypoints(img, sp, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kps2, test.ShouldResemble, kps)
	test.That(t, descs2, test.ShouldResemble, descs)
}

func TestORBConfigValidate(t *testing.T) {
	cfg := DefaultORBConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	cfg.Layers = 0
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = DefaultORBConfig()
	cfg.BRIEFConf.N = 100
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = DefaultORBConfig()
	cfg.FastConf = nil
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestGetImagePyramid(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 128, 128))
	pyramid, err := GetImagePyramid(img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(pyramid.Images), test.ShouldEqual, 4)
	test.That(t, pyramid.Scales, test.ShouldResemble, []int{1, 2, 4, 8})
	test.That(t, pyramid.Images[3].Bounds().Dx(), test.ShouldEqual, 16)

	_, err = GetImagePyramid(nil)
	test.That(t, err, test.ShouldNotBeNil)
}
