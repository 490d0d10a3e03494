// Package pose implements SE3 rigid-transform arithmetic for camera poses
// (world<->camera) on top of gonum's dense matrix type.
package pose

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SE3 is a 4x4 homogeneous rigid transform:
//
//	[ R  t ]
//	[ 0  1 ]
//
// where R is a 3x3 rotation and t a 3x1 translation.
type SE3 struct {
	m *mat.Dense
}

// Identity returns the identity transform.
func Identity() *SE3 {
	d := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		d.Set(i, i, 1)
	}
	return &SE3{m: d}
}

// NewFromRT builds an SE3 from a 3x3 rotation and 3x1 (or length-3) translation.
func NewFromRT(r, t *mat.Dense) (*SE3, error) {
	rr, rc := r.Dims()
	if rr != 3 || rc != 3 {
		return nil, errors.Errorf("rotation must be 3x3, got %dx%d", rr, rc)
	}
	tr, tc := t.Dims()
	if !((tr == 3 && tc == 1) || (tr == 1 && tc == 3)) {
		return nil, errors.Errorf("translation must be 3x1 or 1x3, got %dx%d", tr, tc)
	}
	d := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d.Set(i, j, r.At(i, j))
		}
	}
	for i := 0; i < 3; i++ {
		var v float64
		if tr == 3 {
			v = t.At(i, 0)
		} else {
			v = t.At(0, i)
		}
		d.Set(i, 3, v)
	}
	d.Set(3, 3, 1)
	return &SE3{m: d}, nil
}

// NewFromDense wraps a caller-owned 4x4 matrix, validating the bottom row.
func NewFromDense(m *mat.Dense) (*SE3, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return nil, errors.Errorf("pose matrix must be 4x4, got %dx%d", r, c)
	}
	if m.At(3, 0) != 0 || m.At(3, 1) != 0 || m.At(3, 2) != 0 || m.At(3, 3) != 1 {
		return nil, errors.New("pose matrix bottom row must be [0 0 0 1]")
	}
	return &SE3{m: mat.DenseCopyOf(m)}, nil
}

// Clone returns a deep copy.
func (p *SE3) Clone() *SE3 {
	if p == nil {
		return nil
	}
	return &SE3{m: mat.DenseCopyOf(p.m)}
}

// Dense exposes the underlying 4x4 matrix (a copy, so callers cannot mutate in place).
func (p *SE3) Dense() *mat.Dense {
	return mat.DenseCopyOf(p.m)
}

// Rotation returns the top-left 3x3 rotation block.
func (p *SE3) Rotation() *mat.Dense {
	r := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.Set(i, j, p.m.At(i, j))
		}
	}
	return r
}

// Translation returns the 3x1 translation block.
func (p *SE3) Translation() *mat.Dense {
	t := mat.NewDense(3, 1, nil)
	for i := 0; i < 3; i++ {
		t.Set(i, 0, p.m.At(i, 3))
	}
	return t
}

// Mul composes two transforms: (p.Mul(q)) applied to a point is p(q(x)).
func (p *SE3) Mul(q *SE3) *SE3 {
	var out mat.Dense
	out.Mul(p.m, q.m)
	return &SE3{m: &out}
}

// Inverse returns the rigid inverse (transpose of R, -R^T t), which is exact
// and avoids a general matrix inversion.
func (p *SE3) Inverse() *SE3 {
	r := p.Rotation()
	t := p.Translation()

	var rt mat.Dense
	rt.CloneFrom(r.T())

	var negRtT mat.Dense
	negRtT.Mul(&rt, t)
	negRtT.Scale(-1, &negRtT)

	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, rt.At(i, j))
		}
		out.Set(i, 3, negRtT.At(i, 0))
	}
	out.Set(3, 3, 1)
	return &SE3{m: out}
}

// TransformPoint applies the transform to a 3-vector, returning x,y,z.
func (p *SE3) TransformPoint(x, y, z float64) (float64, float64, float64) {
	v := mat.NewDense(4, 1, []float64{x, y, z, 1})
	var out mat.Dense
	out.Mul(p.m, v)
	return out.At(0, 0), out.At(1, 0), out.At(2, 0)
}

// CameraCenter returns Ow, the camera center in world coordinates, computed as
// -R^T t (equivalently, the translation block of the inverse transform).
func (p *SE3) CameraCenter() (float64, float64, float64) {
	inv := p.Inverse()
	tr := inv.Translation()
	return tr.At(0, 0), tr.At(1, 0), tr.At(2, 0)
}

// Equal reports approximate equality, useful in tests.
func (p *SE3) Equal(q *SE3, tol float64) bool {
	if p == nil || q == nil {
		return p == q
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if diff := p.m.At(i, j) - q.m.At(i, j); diff > tol || diff < -tol {
				return false
			}
		}
	}
	return true
}
