package keypoints

import (
	"image"
)

// paddingGray pads a gray image with a constant (zero) border so patch and
// kernel accesses near edges stay in bounds. The anchor is where the original
// image's origin lands in the padded image.
func paddingGray(img *image.Gray, padSize, anchor image.Point) *image.Gray {
	bounds := img.Bounds()
	w := bounds.Dx() + 2*padSize.X
	h := bounds.Dy() + 2*padSize.Y
	padded := image.NewGray(image.Rect(0, 0, w, h))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			padded.SetGray(x+anchor.X, y+anchor.Y, img.GrayAt(x, y))
		}
	}
	return padded
}

// gaussian5 is the normalized 5x5 Gaussian kernel used to smooth patches
// before sampling BRIEF intensity pairs.
var gaussian5 = func() [][]float64 {
	raw := [][]float64{
		{1, 4, 7, 4, 1},
		{4, 16, 26, 16, 4},
		{7, 26, 41, 26, 7},
		{4, 16, 26, 16, 4},
		{1, 4, 7, 4, 1},
	}
	sum := 0.
	for _, row := range raw {
		for _, v := range row {
			sum += v
		}
	}
	for i := range raw {
		for j := range raw[i] {
			raw[i][j] /= sum
		}
	}
	return raw
}()

// convolveGray applies the 5x5 Gaussian to a grayscale image with constant
// border padding.
func convolveGray(img *image.Gray) *image.Gray {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	padded := paddingGray(img, image.Point{2, 2}, image.Point{2, 2})
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.
			for ky := 0; ky < 5; ky++ {
				for kx := 0; kx < 5; kx++ {
					sum += float64(padded.GrayAt(x+kx, y+ky).Y) * gaussian5[ky][kx]
				}
			}
			out.Pix[y*out.Stride+x] = uint8(sum + 0.5)
		}
	}
	return out
}
