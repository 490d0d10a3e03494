package slammap

import (
	"testing"

	"go.viam.com/test"

	"github.com/orbvision/slamtrack/pose"
)

func kfWithPoints(m *Map, n int) *KeyFrame {
	kps := make([]KeyPoint, n)
	descs := make([]Descriptor, n)
	uRight := make([]float64, n)
	depth := make([]float64, n)
	for i := 0; i < n; i++ {
		kps[i] = KeyPoint{X: float64(i), Y: float64(i), Octave: 0}
		uRight[i] = -1
		depth[i] = -1
	}
	return NewKeyFrame(m, 0, Monocular, Calibration{Fx: 1, Fy: 1}, ScalePyramid{ScaleFactors: []float64{1, 1.2}},
		kps, descs, uRight, depth, BowVector{}, FeatureVector{}, pose.Identity(), 0, float64(n)+1, 0, float64(n)+1)
}

func TestKeyFrameMapPointAssociation(t *testing.T) {
	m := NewMap()
	kf := kfWithPoints(m, 3)
	mp := NewMapPoint(m, kf.ID(), 0, 0, 1)
	m.AddMapPoint(mp)

	kf.AddMapPoint(mp.ID(), 1)
	got, ok := kf.MapPointAt(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldEqual, mp.ID())

	_, ok = kf.MapPointAt(0)
	test.That(t, ok, test.ShouldBeFalse)

	kf.EraseMapPointMatch(1)
	_, ok = kf.MapPointAt(1)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestKeyFrameCovisibilityOrdering(t *testing.T) {
	m := NewMap()
	kf := kfWithPoints(m, 1)
	m.AddKeyFrame(kf)

	other1 := kfWithPoints(m, 1)
	other2 := kfWithPoints(m, 1)
	m.AddKeyFrame(other1)
	m.AddKeyFrame(other2)

	kf.AddConnection(other1.ID(), 5)
	kf.AddConnection(other2.ID(), 20)

	ordered := kf.ConnectedKeyFrames()
	test.That(t, len(ordered), test.ShouldEqual, 2)
	test.That(t, ordered[0], test.ShouldEqual, other2.ID())

	best := kf.BestN(1)
	test.That(t, len(best), test.ShouldEqual, 1)
	test.That(t, best[0], test.ShouldEqual, other2.ID())

	// kf is keyframe 0, the spanning-tree root, so its connections never give it a
	// parent; other1 and other2 record no edge back to kf from these calls.
	test.That(t, kf.Weight(other2.ID()), test.ShouldEqual, 20)
	test.That(t, kf.Weight(other1.ID()), test.ShouldEqual, 5)
}

func TestKeyFrameUpdateConnectionsThreshold(t *testing.T) {
	m := NewMap()
	kfA := kfWithPoints(m, 20)
	kfB := kfWithPoints(m, 1)
	m.AddKeyFrame(kfA)
	m.AddKeyFrame(kfB)

	// 20 shared map points between kfA and kfB clears the minWeight=15 threshold.
	for i := 0; i < 20; i++ {
		mp := NewMapPoint(m, kfA.ID(), float64(i), 0, 1)
		m.AddMapPoint(mp)
		mp.AddObservation(kfA.ID(), i, 1)
		mp.AddObservation(kfB.ID(), 0, 1)
		kfA.AddMapPoint(mp.ID(), i)
	}

	kfA.UpdateConnections()
	test.That(t, kfA.Weight(kfB.ID()), test.ShouldEqual, 20)
	test.That(t, kfB.Weight(kfA.ID()), test.ShouldEqual, 20)
}

func TestKeyFrameSpanningTreeReparenting(t *testing.T) {
	m := NewMap()
	root := kfWithPoints(m, 1)
	m.AddKeyFrame(root)
	child := kfWithPoints(m, 1)
	m.AddKeyFrame(child)
	grandchild := kfWithPoints(m, 1)
	m.AddKeyFrame(grandchild)

	child.AddConnection(root.ID(), 30)
	grandchild.AddConnection(child.ID(), 30)
	grandchild.AddConnection(root.ID(), 10)

	parentID, ok := child.GetParent()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, parentID, test.ShouldEqual, root.ID())
	test.That(t, root.HasChild(child.ID()), test.ShouldBeTrue)

	child.SetBadFlag()
	test.That(t, child.IsBad(), test.ShouldBeTrue)

	newParent, ok := grandchild.GetParent()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, newParent, test.ShouldEqual, root.ID())
}

func TestKeyFrameBadFlagNotEraseDefersToPending(t *testing.T) {
	m := NewMap()
	kf2 := kfWithPoints(m, 1)
	m.AddKeyFrame(kf2)
	kf := kfWithPoints(m, 1)
	m.AddKeyFrame(kf)
	kf.ChangeParent(kf2.ID())

	kf.SetNotErase()
	kf.SetBadFlag()
	test.That(t, kf.IsBad(), test.ShouldBeFalse)

	kf.SetErase()
	test.That(t, kf.IsBad(), test.ShouldBeTrue)
}

func TestKeyFrameUnprojectStereo(t *testing.T) {
	m := NewMap()
	kps := []KeyPoint{{X: 10, Y: 10, Octave: 0}}
	descs := []Descriptor{{}}
	uRight := []float64{9}
	depth := []float64{2}
	calib := Calibration{Fx: 100, Fy: 100, Cx: 50, Cy: 50, InvFx: 0.01, InvFy: 0.01}
	kf := NewKeyFrame(m, 0, Stereo, calib, ScalePyramid{ScaleFactors: []float64{1}},
		kps, descs, uRight, depth, BowVector{}, FeatureVector{}, pose.Identity(), 0, 100, 0, 100)

	x, y, z, ok := kf.UnprojectStereo(0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, z, test.ShouldEqual, 2.0)
	test.That(t, x, test.ShouldEqual, (10.0-50)*2*0.01)
	test.That(t, y, test.ShouldEqual, (10.0-50)*2*0.01)

	_, _, _, ok = kf.UnprojectStereo(5)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestKeyFrameFeaturesInArea(t *testing.T) {
	m := NewMap()
	kf := kfWithPoints(m, 5)
	hits := kf.FeaturesInArea(2, 2, 1.5)
	test.That(t, len(hits), test.ShouldBeGreaterThan, 0)
	for _, idx := range hits {
		kp := kf.KeyPointAt(idx)
		test.That(t, kp.X, test.ShouldBeBetweenOrEqual, 0.5, 3.5)
	}
}
