package fusion

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// skew returns the cross-product matrix [v]x.
func skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// rotationMatrix converts a unit quaternion to its 3x3 rotation matrix.
func rotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// rotationMatrixTranspose returns R(q)^T.
func rotationMatrixTranspose(q quat.Number) *mat.Dense {
	return rotationMatrix(quat.Conj(q))
}

// addBlock adds scale * block into dst at (row, col).
func addBlock(dst *mat.Dense, row, col int, block *mat.Dense, scale float64) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dst.Set(row+i, col+j, dst.At(row+i, col+j)+scale*block.At(i, j))
		}
	}
}
