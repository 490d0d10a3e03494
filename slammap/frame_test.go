package slammap

import (
	"testing"

	"go.viam.com/test"

	"github.com/orbvision/slamtrack/pose"
)

func frameWithPoints(m *Map, n int) *Frame {
	kps := make([]KeyPoint, n)
	descs := make([]Descriptor, n)
	uRight := make([]float64, n)
	depth := make([]float64, n)
	for i := 0; i < n; i++ {
		kps[i] = KeyPoint{X: float64(i * 10), Y: float64(i * 10), Octave: 0}
		uRight[i] = -1
		depth[i] = -1
	}
	return NewFrame(m, 0, Monocular, Calibration{Fx: 100, Fy: 100, Cx: 50, Cy: 50},
		ScalePyramid{ScaleFactors: []float64{1, 1.2, 1.44}}, kps, descs, uRight, depth,
		0, float64(n*10)+10, 0, float64(n*10)+10)
}

func TestFrameMapPointAssociationAndOutlier(t *testing.T) {
	m := NewMap()
	f := frameWithPoints(m, 3)

	f.SetMapPoint(1, 42)
	id, ok := f.MapPointAt(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, id, test.ShouldEqual, uint64(42))
	test.That(t, f.NumAssociations(), test.ShouldEqual, 1)

	f.SetOutlier(1, true)
	test.That(t, f.IsOutlier(1), test.ShouldBeTrue)

	f.ClearMapPoint(1)
	_, ok = f.MapPointAt(1)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, f.NumAssociations(), test.ShouldEqual, 0)
}

func TestFramePoseLifecycle(t *testing.T) {
	m := NewMap()
	f := frameWithPoints(m, 1)
	_, ok := f.GetPose()
	test.That(t, ok, test.ShouldBeFalse)

	f.SetPose(pose.Identity())
	test.That(t, f.HasPose(), test.ShouldBeTrue)
	got, ok := f.GetPose()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.Equal(pose.Identity(), 1e-9), test.ShouldBeTrue)

	f.ClearPose()
	test.That(t, f.HasPose(), test.ShouldBeFalse)
}

func TestFrameFeaturesInArea(t *testing.T) {
	m := NewMap()
	f := frameWithPoints(m, 5)
	hits := f.FeaturesInArea(20, 20, 5)
	test.That(t, len(hits), test.ShouldEqual, 1)
	test.That(t, hits[0], test.ShouldEqual, 2)
}

func TestFrameIsInFrustumRejectsBehindCamera(t *testing.T) {
	m := NewMap()
	f := frameWithPoints(m, 1)
	f.SetPose(pose.Identity())

	mp := NewMapPoint(m, 0, 0, 0, -5) // behind the camera (negative z)
	test.That(t, f.IsInFrustum(mp, 0.5), test.ShouldBeFalse)
}

func TestFrameIsInFrustumNoPose(t *testing.T) {
	m := NewMap()
	f := frameWithPoints(m, 1)
	mp := NewMapPoint(m, 0, 0, 0, 5)
	test.That(t, f.IsInFrustum(mp, 0.5), test.ShouldBeFalse)
}

func TestFrameScaleFactorClamped(t *testing.T) {
	m := NewMap()
	f := frameWithPoints(m, 1)
	test.That(t, f.ScaleFactor(0), test.ShouldEqual, 1.0)
	test.That(t, f.ScaleFactor(1), test.ShouldEqual, 1.2)
	test.That(t, f.ScaleFactor(99), test.ShouldEqual, 1.44)
	test.That(t, f.ScaleFactor(-1), test.ShouldEqual, 1.0)
}
