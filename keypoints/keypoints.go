// Package keypoints implements the 2D feature primitives of the engine:
// FAST corner detection, BRIEF binary descriptors, an ORB-style pyramid
// combination of the two, and Hamming-distance descriptor matching.
package keypoints

import (
	"image"
	"image/color"
	"math"
	"math/bits"
)

type (
	// KeyPoint is an image.Point that contains coordinates of a kp.
	KeyPoint = image.Point
	// KeyPoints is a slice of image.Point that contains several kps.
	KeyPoints []image.Point
)

// Descriptor is a binary descriptor packed into 64-bit words.
type Descriptor []uint64

// Descriptors is a set of Descriptor.
type Descriptors []Descriptor

// HammingDistance counts the differing bits between two descriptors of equal
// length. Returns -1 if lengths differ.
func HammingDistance(d1, d2 Descriptor) int {
	if len(d1) != len(d2) {
		return -1
	}
	distance := 0
	for i := range d1 {
		distance += bits.OnesCount64(d1[i] ^ d2[i])
	}
	return distance
}

// RescaleKeypoints rescales the keypoints from an image pyramid layer back to
// the original image resolution.
func RescaleKeypoints(kps KeyPoints, scale int) KeyPoints {
	out := make(KeyPoints, len(kps))
	for i, kp := range kps {
		out[i] = image.Point{kp.X * scale, kp.Y * scale}
	}
	return out
}

// computeMaskOrientation creates the circular mask used to compute the
// intensity-centroid orientation of corners.
func computeMaskOrientation() *image.Gray {
	mask := image.NewGray(image.Rect(0, 0, 31, 31))
	indices := []int{15, 15, 15, 15, 14, 14, 14, 13, 13, 12, 11, 10, 9, 8, 6, 3}
	for i := -15; i < 16; i++ {
		for j := -indices[int(math.Abs(float64(i)))]; j < indices[int(math.Abs(float64(i)))]+1; j++ {
			mask.Set(j+15, i+15, color.Gray{1})
		}
	}
	return mask
}

// computeKeypointsOrientations computes the intensity centroid angle of each
// keypoint in a 31x31 circular patch.
func computeKeypointsOrientations(img *image.Gray, kps KeyPoints) []float64 {
	nRows, nCols := 31, 31
	nRows2 := (nRows - 1) / 2
	nCols2 := (nCols - 1) / 2
	mask := computeMaskOrientation()
	padded := paddingGray(img, image.Point{nCols2, nRows2}, image.Point{nCols2, nRows2})
	orientations := make([]float64, len(kps))
	for i, kp := range kps {
		m01, m10 := 0, 0
		for y := 0; y < nRows; y++ {
			m01Temp := 0
			for x := 0; x < nCols; x++ {
				if mask.GrayAt(x, y).Y > 0 {
					pixVal := int(padded.GrayAt(x+kp.X, y+kp.Y).Y)
					m10 += pixVal * (x - nCols2)
					m01Temp += pixVal
				}
			}
			m01 += m01Temp * (y - nRows2)
		}
		orientations[i] = math.Atan2(float64(m01), float64(m10))
	}
	return orientations
}
