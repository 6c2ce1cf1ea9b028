// Package spatial defines the rigid transforms and quaternion helpers the
// SLAM core uses. A Pose brings points from map coordinates to device
// coordinates; the map frame has its z axis aligned with gravity.
package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform mapping map coordinates to device coordinates.
type Pose struct {
	// R is the unit rotation quaternion.
	R quat.Number
	// T is the translation applied after rotation.
	T r3.Vector
}

// NewPose returns the identity pose.
func NewPose() Pose {
	return Pose{R: quat.Number{Real: 1}}
}

// NewPoseFromOrientationTranslation assembles a pose from a rotation
// quaternion and a translation.
func NewPoseFromOrientationTranslation(r quat.Number, t r3.Vector) Pose {
	return Pose{R: Normalize(r), T: t}
}

// TransformPoint applies the pose to a point.
func (p Pose) TransformPoint(pt r3.Vector) r3.Vector {
	return Rotate(p.R, pt).Add(p.T)
}

// Compose returns the pose equivalent to applying other first, then p.
func (p Pose) Compose(other Pose) Pose {
	return Pose{
		R: Normalize(quat.Mul(p.R, other.R)),
		T: Rotate(p.R, other.T).Add(p.T),
	}
}

// Invert returns the inverse transform.
func (p Pose) Invert() Pose {
	rInv := quat.Conj(p.R)
	return Pose{
		R: rInv,
		T: Rotate(rInv, p.T.Mul(-1)),
	}
}

// Rotate applies the rotation quaternion q to vector v.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	qr := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: qr.Imag, Y: qr.Jmag, Z: qr.Kmag}
}

// Normalize scales q to unit norm. The zero quaternion normalizes to identity.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// QuatFromAxisAngle builds the unit quaternion rotating by the magnitude of
// aa around its direction. Used to integrate gyroscope increments.
func QuatFromAxisAngle(aa r3.Vector) quat.Number {
	angle := aa.Norm()
	if angle < 1e-12 {
		// first order expansion keeps integration stable for tiny steps
		return Normalize(quat.Number{Real: 1, Imag: aa.X / 2, Jmag: aa.Y / 2, Kmag: aa.Z / 2})
	}
	axis := aa.Mul(1 / angle)
	s := math.Sin(angle / 2)
	return quat.Number{
		Real: math.Cos(angle / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}
}

// QuatBetweenVectors returns a quaternion rotating unit vector a onto unit
// vector b.
func QuatBetweenVectors(a, b r3.Vector) quat.Number {
	a = a.Normalize()
	b = b.Normalize()
	d := a.Dot(b)
	if d < -1+1e-9 {
		// opposite vectors, pick any orthogonal axis
		ortho := a.Cross(r3.Vector{X: 1})
		if ortho.Norm() < 1e-9 {
			ortho = a.Cross(r3.Vector{Y: 1})
		}
		return QuatFromAxisAngle(ortho.Normalize().Mul(math.Pi))
	}
	c := a.Cross(b)
	q := quat.Number{Real: 1 + d, Imag: c.X, Jmag: c.Y, Kmag: c.Z}
	return Normalize(q)
}
