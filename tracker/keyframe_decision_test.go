package tracker

import (
	"testing"

	"go.viam.com/test"

	"github.com/orbvision/slamtrack/pose"
	"github.com/orbvision/slamtrack/slammap"
)

// freshMonocularTrackerWithRefKF builds a tracker whose reference keyframe already
// exists in the map, mimicking the post-initialization state needNewKeyFrame expects.
func freshMonocularTrackerWithRefKF(t *testing.T) (*Tracker, *slammap.KeyFrame) {
	trk := newTestTracker(t)
	kps, descs := gridKeypoints(20)
	uRight := make([]float64, 20)
	depth := make([]float64, 20)
	for i := range uRight {
		uRight[i] = -1
		depth[i] = -1
	}
	kf := slammap.NewKeyFrame(trk.world, 0, slammap.Monocular, slammap.Calibration{Fx: 100, Fy: 100, Cx: 50, Cy: 50},
		slammap.ScalePyramid{ScaleFactors: []float64{1, 1.2}}, kps, descs, uRight, depth,
		slammap.BowVector{}, slammap.FeatureVector{}, pose.Identity(), 0, 300, 0, 300)
	trk.world.AddKeyFrame(kf)
	trk.world.AddKeyFrame(slammap.NewKeyFrame(trk.world, 1, slammap.Monocular, slammap.Calibration{Fx: 100, Fy: 100, Cx: 50, Cy: 50},
		slammap.ScalePyramid{ScaleFactors: []float64{1, 1.2}}, nil, nil, nil, nil,
		slammap.BowVector{}, slammap.FeatureVector{}, pose.Identity(), 0, 1, 0, 1))
	trk.world.AddKeyFrame(slammap.NewKeyFrame(trk.world, 2, slammap.Monocular, slammap.Calibration{Fx: 100, Fy: 100, Cx: 50, Cy: 50},
		slammap.ScalePyramid{ScaleFactors: []float64{1, 1.2}}, nil, nil, nil, nil,
		slammap.BowVector{}, slammap.FeatureVector{}, pose.Identity(), 0, 1, 0, 1))
	trk.referenceKFID = kf.ID()
	trk.hasReferenceKF = true
	trk.lastKeyFrameID = kf.ID()
	trk.hasLastKeyFrame = true
	return trk, kf
}

func TestNeedNewKeyFrameFalseInLocalizationOnlyMode(t *testing.T) {
	trk, _ := freshMonocularTrackerWithRefKF(t)
	trk.localizationOnly = true
	f := frameWithSingleKeypointAt(50, 50)

	test.That(t, trk.needNewKeyFrame(f), test.ShouldBeFalse)
}

func TestNeedNewKeyFrameFalseWhenLocalMapperStopped(t *testing.T) {
	trk, _ := freshMonocularTrackerWithRefKF(t)
	trk.collab.LocalMapping = &fakeLocalMapping{accept: true, stopped: true}
	f := frameWithSingleKeypointAt(50, 50)

	test.That(t, trk.needNewKeyFrame(f), test.ShouldBeFalse)
}

func TestNeedNewKeyFrameTrueWhenTrackingThinsAgainstReference(t *testing.T) {
	trk, kf := freshMonocularTrackerWithRefKF(t)
	trk.collab.LocalMapping = &fakeLocalMapping{accept: true}
	f := frameWithSingleKeypointAt(50, 50)
	trk.currentFrame = f

	// 20 reference map points each observed by three distinct keyframes clear
	// TrackedMapPoints' minObs=3 floor, giving the reference keyframe a comfortably
	// high nRefMatches; localMapInliers sits well below thRefRatio*nRefMatches (0.9
	// for monocular with >=2 keyframes) while still clearing c2's >15 floor, and
	// c1b (minFrames=0, acceptKeyFrames=true) is trivially satisfied.
	other1 := slammap.NewKeyFrame(trk.world, 10, slammap.Monocular, slammap.Calibration{Fx: 100, Fy: 100},
		slammap.ScalePyramid{}, nil, nil, nil, nil, slammap.BowVector{}, slammap.FeatureVector{}, pose.Identity(), 0, 1, 0, 1)
	other2 := slammap.NewKeyFrame(trk.world, 11, slammap.Monocular, slammap.Calibration{Fx: 100, Fy: 100},
		slammap.ScalePyramid{}, nil, nil, nil, nil, slammap.BowVector{}, slammap.FeatureVector{}, pose.Identity(), 0, 1, 0, 1)
	trk.world.AddKeyFrame(other1)
	trk.world.AddKeyFrame(other2)

	for i := 0; i < 20; i++ {
		mp := slammap.NewMapPoint(trk.world, kf.ID(), 0, 0, float64(i+1))
		trk.world.AddMapPoint(mp)
		mp.AddObservation(kf.ID(), i, 1)
		mp.AddObservation(other1.ID(), 0, 1)
		mp.AddObservation(other2.ID(), 0, 1)
		kf.AddMapPoint(mp.ID(), i)
	}
	trk.localMapInliers = 16

	test.That(t, trk.needNewKeyFrame(f), test.ShouldBeTrue)
}

func TestNeedNewKeyFrameRespectsC2InlierFloor(t *testing.T) {
	trk, kf := freshMonocularTrackerWithRefKF(t)
	trk.collab.LocalMapping = &fakeLocalMapping{accept: true}
	f := frameWithSingleKeypointAt(50, 50)
	trk.currentFrame = f

	// Give the reference keyframe plenty of tracked points so thRefRatio*nRefMatches
	// comfortably exceeds localMapInliers, but keep localMapInliers at/under the
	// c2 floor of 15 so the decision must be false regardless of c1*.
	other1 := slammap.NewKeyFrame(trk.world, 10, slammap.Monocular, slammap.Calibration{Fx: 100, Fy: 100},
		slammap.ScalePyramid{}, nil, nil, nil, nil, slammap.BowVector{}, slammap.FeatureVector{}, pose.Identity(), 0, 1, 0, 1)
	other2 := slammap.NewKeyFrame(trk.world, 11, slammap.Monocular, slammap.Calibration{Fx: 100, Fy: 100},
		slammap.ScalePyramid{}, nil, nil, nil, nil, slammap.BowVector{}, slammap.FeatureVector{}, pose.Identity(), 0, 1, 0, 1)
	trk.world.AddKeyFrame(other1)
	trk.world.AddKeyFrame(other2)

	for i := 0; i < 20; i++ {
		mp := slammap.NewMapPoint(trk.world, kf.ID(), 0, 0, float64(i+1))
		trk.world.AddMapPoint(mp)
		mp.AddObservation(kf.ID(), i, 1)
		mp.AddObservation(other1.ID(), 0, 1)
		mp.AddObservation(other2.ID(), 0, 1)
		kf.AddMapPoint(mp.ID(), i)
	}
	trk.localMapInliers = 15

	test.That(t, trk.needNewKeyFrame(f), test.ShouldBeFalse)
}

func TestCountCloseMapPointsMonocularAlwaysZero(t *testing.T) {
	trk, _ := freshMonocularTrackerWithRefKF(t)
	f := frameWithSingleKeypointAt(50, 50)
	tracked, untracked := trk.countCloseMapPoints(f)
	test.That(t, tracked, test.ShouldEqual, 0)
	test.That(t, untracked, test.ShouldEqual, 0)
}

func TestCreateNewKeyFrameRegistersKeyFrameAndHandsOff(t *testing.T) {
	trk, _ := freshMonocularTrackerWithRefKF(t)
	lm := &fakeLocalMapping{accept: true}
	lc := &fakeLoopClosing{}
	trk.collab.LocalMapping = lm
	trk.collab.LoopClosing = lc

	before := trk.world.NumKeyFrames()
	f := frameWithSingleKeypointAt(50, 50)
	f.SetPose(pose.Identity())
	trk.createNewKeyFrame(f)

	test.That(t, trk.world.NumKeyFrames(), test.ShouldEqual, before+1)
	test.That(t, len(lm.inserted), test.ShouldEqual, 1)
	test.That(t, len(lc.inserted), test.ShouldEqual, 1)
	refID, ok := f.ReferenceKeyFrame()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, refID, test.ShouldEqual, trk.referenceKFID)
}
