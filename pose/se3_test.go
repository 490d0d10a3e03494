package pose

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestIdentity(t *testing.T) {
	id := Identity()
	x, y, z := id.TransformPoint(1, 2, 3)
	test.That(t, x, test.ShouldEqual, 1.0)
	test.That(t, y, test.ShouldEqual, 2.0)
	test.That(t, z, test.ShouldEqual, 3.0)
}

func TestInverseRoundTrip(t *testing.T) {
	r := mat.NewDense(3, 3, []float64{
		0, -1, 0,
		1, 0, 0,
		0, 0, 1,
	})
	tr := mat.NewDense(3, 1, []float64{1, 2, 3})
	p, err := NewFromRT(r, tr)
	test.That(t, err, test.ShouldBeNil)

	roundTrip := p.Inverse().Mul(p)
	test.That(t, roundTrip.Equal(Identity(), 1e-9), test.ShouldBeTrue)
}

func TestCameraCenterMatchesTranslationOfInverse(t *testing.T) {
	r := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	tr := mat.NewDense(3, 1, []float64{5, -2, 0.5})
	p, err := NewFromRT(r, tr)
	test.That(t, err, test.ShouldBeNil)

	x, y, z := p.CameraCenter()
	test.That(t, math.Abs(x-(-5)), test.ShouldBeLessThan, 1e-9)
	test.That(t, math.Abs(y-2), test.ShouldBeLessThan, 1e-9)
	test.That(t, math.Abs(z-(-0.5)), test.ShouldBeLessThan, 1e-9)
}

func TestNewFromRTRejectsBadShapes(t *testing.T) {
	bad := mat.NewDense(2, 3, nil)
	_, err := NewFromRT(bad, mat.NewDense(3, 1, nil))
	test.That(t, err, test.ShouldNotBeNil)
}
