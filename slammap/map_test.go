package slammap

import (
	"testing"

	"go.viam.com/test"

	"github.com/orbvision/slamtrack/pose"
)

func TestMapAddEraseKeyFrame(t *testing.T) {
	m := NewMap()
	kf := NewKeyFrame(m, 0, Monocular, Calibration{Fx: 1, Fy: 1}, ScalePyramid{}, nil, nil, nil, nil, nil, nil, pose.Identity(), 0, 1, 0, 1)
	m.AddKeyFrame(kf)

	got, ok := m.KeyFrame(kf.ID())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldEqual, kf)
	test.That(t, m.NumKeyFrames(), test.ShouldEqual, 1)

	m.EraseKeyFrame(kf.ID())
	_, ok = m.KeyFrame(kf.ID())
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, m.NumKeyFrames(), test.ShouldEqual, 0)
}

func TestMapAddEraseMapPoint(t *testing.T) {
	m := NewMap()
	mp := NewMapPoint(m, 0, 1, 2, 3)
	m.AddMapPoint(mp)

	got, ok := m.MapPoint(mp.ID())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldEqual, mp)
	test.That(t, m.NumMapPoints(), test.ShouldEqual, 1)

	m.EraseMapPoint(mp.ID())
	_, ok = m.MapPoint(mp.ID())
	test.That(t, ok, test.ShouldBeFalse)
}

func TestMapWeakReferenceInvisibility(t *testing.T) {
	// A MapPoint constructed but never registered via AddMapPoint must stay
	// invisible to lookups by id, matching the "temporary VO point" pattern.
	m := NewMap()
	temp := NewMapPoint(m, 0, 1, 1, 1)
	_, ok := m.MapPoint(temp.ID())
	test.That(t, ok, test.ShouldBeFalse)
}

func TestMapIDsAreMonotonic(t *testing.T) {
	m := NewMap()
	a := NewMapPoint(m, 0, 0, 0, 0)
	b := NewMapPoint(m, 0, 0, 0, 0)
	test.That(t, b.ID(), test.ShouldEqual, a.ID()+1)
}

func TestMapClearResetsEverything(t *testing.T) {
	m := NewMap()
	kf := NewKeyFrame(m, 0, Monocular, Calibration{Fx: 1, Fy: 1}, ScalePyramid{}, nil, nil, nil, nil, nil, nil, pose.Identity(), 0, 1, 0, 1)
	m.AddKeyFrame(kf)
	mp := NewMapPoint(m, kf.ID(), 1, 1, 1)
	m.AddMapPoint(mp)
	m.SetReferenceMapPoints([]uint64{mp.ID()})

	m.Clear()

	test.That(t, m.NumKeyFrames(), test.ShouldEqual, 0)
	test.That(t, m.NumMapPoints(), test.ShouldEqual, 0)
	test.That(t, len(m.ReferenceMapPoints()), test.ShouldEqual, 0)

	fresh := NewMapPoint(m, 0, 0, 0, 0)
	test.That(t, fresh.ID(), test.ShouldEqual, uint64(0))
}

func TestMapChangeIndexIncrements(t *testing.T) {
	m := NewMap()
	before := m.ChangeIndex()
	mp := NewMapPoint(m, 0, 0, 0, 0)
	m.AddMapPoint(mp)
	test.That(t, m.ChangeIndex(), test.ShouldBeGreaterThan, before)
}
