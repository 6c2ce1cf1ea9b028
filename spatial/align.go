package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// AlignPoints computes the least-squares rigid transform bringing src points
// onto dst points (Horn's method via SVD). The returned pose satisfies
// dst_i ~= pose.TransformPoint(src_i). Needs at least 3 correspondences.
func AlignPoints(src, dst []r3.Vector) (Pose, error) {
	if len(src) != len(dst) {
		return NewPose(), errors.Errorf("point sets differ in length (%d vs %d)", len(src), len(dst))
	}
	if len(src) < 3 {
		return NewPose(), errors.Errorf("need at least 3 correspondences, got %d", len(src))
	}

	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	n := float64(len(src))
	cs = cs.Mul(1 / n)
	cd = cd.Mul(1 / n)

	// cross covariance of the centered sets
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		av := []float64{a.X, a.Y, a.Z}
		bv := []float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return NewPose(), errors.New("svd factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	// reflections are not rigid transforms
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	q := quatFromRotationMatrix(&r)
	t := cd.Sub(Rotate(q, cs))
	return Pose{R: q, T: t}, nil
}

// quatFromRotationMatrix converts a proper rotation matrix to a unit
// quaternion using Shepperd's method.
func quatFromRotationMatrix(m *mat.Dense) quat.Number {
	t := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	var q quat.Number
	switch {
	case t > 0:
		s := 0.5 / sqrt(t+1.0)
		q = quat.Number{
			Real: 0.25 / s,
			Imag: (m.At(2, 1) - m.At(1, 2)) * s,
			Jmag: (m.At(0, 2) - m.At(2, 0)) * s,
			Kmag: (m.At(1, 0) - m.At(0, 1)) * s,
		}
	case m.At(0, 0) > m.At(1, 1) && m.At(0, 0) > m.At(2, 2):
		s := 2.0 * sqrt(1.0+m.At(0, 0)-m.At(1, 1)-m.At(2, 2))
		q = quat.Number{
			Real: (m.At(2, 1) - m.At(1, 2)) / s,
			Imag: 0.25 * s,
			Jmag: (m.At(0, 1) + m.At(1, 0)) / s,
			Kmag: (m.At(0, 2) + m.At(2, 0)) / s,
		}
	case m.At(1, 1) > m.At(2, 2):
		s := 2.0 * sqrt(1.0+m.At(1, 1)-m.At(0, 0)-m.At(2, 2))
		q = quat.Number{
			Real: (m.At(0, 2) - m.At(2, 0)) / s,
			Imag: (m.At(0, 1) + m.At(1, 0)) / s,
			Jmag: 0.25 * s,
			Kmag: (m.At(1, 2) + m.At(2, 1)) / s,
		}
	default:
		s := 2.0 * sqrt(1.0+m.At(2, 2)-m.At(0, 0)-m.At(1, 1))
		q = quat.Number{
			Real: (m.At(1, 0) - m.At(0, 1)) / s,
			Imag: (m.At(0, 2) + m.At(2, 0)) / s,
			Jmag: (m.At(1, 2) + m.At(2, 1)) / s,
			Kmag: 0.25 * s,
		}
	}
	return Normalize(q)
}

func sqrt(x float64) float64 {
	if x < 0 {
		return 0
	}
	return math.Sqrt(x)
}
