package keypoints

import (
	"image"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
)

// ImagePyramid stores a set of downscaled images and the scale of each layer
// relative to the original.
type ImagePyramid struct {
	Images []*image.Gray
	Scales []int
}

// GetImagePyramid computes the pyramid of an image, halving the resolution
// until a dimension drops under 32 pixels.
func GetImagePyramid(img *image.Gray) (*ImagePyramid, error) {
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	images := []*image.Gray{img}
	scales := []int{1}
	current := img
	scale := 1
	for current.Bounds().Dx() >= 32 && current.Bounds().Dy() >= 32 {
		w := current.Bounds().Dx() / 2
		h := current.Bounds().Dy() / 2
		down := image.NewGray(image.Rect(0, 0, w, h))
		xdraw.ApproxBiLinear.Scale(down, down.Bounds(), current, current.Bounds(), xdraw.Src, nil)
		scale *= 2
		images = append(images, down)
		scales = append(scales, scale)
		current = down
	}
	return &ImagePyramid{Images: images, Scales: scales}, nil
}

// ORBConfig contains the parameters needed to compute ORB features.
type ORBConfig struct {
	Layers    int          `json:"n_layers"`
	FastConf  *FASTConfig  `json:"fast"`
	BRIEFConf *BRIEFConfig `json:"brief"`
}

// DefaultORBConfig returns the detection parameters used when a caller does
// not provide any.
func DefaultORBConfig() *ORBConfig {
	return &ORBConfig{
		Layers:    2,
		FastConf:  DefaultFASTConfig(),
		BRIEFConf: DefaultBRIEFConfig(),
	}
}

// Validate ensures all parts of the ORBConfig are valid.
func (cfg *ORBConfig) Validate() error {
	if cfg.Layers < 1 {
		return errors.New("n_layers should be >= 1")
	}
	if cfg.FastConf == nil {
		return errors.New("fast config is required")
	}
	if cfg.BRIEFConf == nil {
		return errors.New("brief config is required")
	}
	if cfg.BRIEFConf.N <= 0 || cfg.BRIEFConf.N%64 != 0 {
		return errors.Errorf("brief n must be a positive multiple of 64, got %d", cfg.BRIEFConf.N)
	}
	return nil
}

// ComputeORBKeypoints computes ORB keypoints on a gray image: FAST corners on
// every pyramid layer, descriptors from the layer the corner was found in,
// locations rescaled to the original resolution.
func ComputeORBKeypoints(im *image.Gray, sp *SamplePairs, cfg *ORBConfig) (Descriptors, KeyPoints, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	pyramid, err := GetImagePyramid(im)
	if err != nil {
		return nil, nil, err
	}
	layers := cfg.Layers
	if len(pyramid.Scales) < layers {
		layers = len(pyramid.Scales)
	}
	descs := make(Descriptors, 0)
	points := make(KeyPoints, 0)
	for i := 0; i < layers; i++ {
		currentImage := pyramid.Images[i]
		currentScale := pyramid.Scales[i]
		fastKps := NewFASTKeypointsFromImage(currentImage, cfg.FastConf)
		layerDescs := ComputeBRIEFDescriptors(currentImage, sp, fastKps, cfg.BRIEFConf)
		points = append(points, RescaleKeypoints(fastKps.Points, currentScale)...)
		descs = append(descs, layerDescs...)
	}
	return descs, points, nil
}
