package tracker

import (
	"context"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/orbvision/slamtrack/pose"
	"github.com/orbvision/slamtrack/slammap"
	"github.com/orbvision/slamtrack/utils"
)

const (
	minInitKeypointsStereoRGBD = 500
	minInitKeypointsMonocular  = 100
	minTrackedPointsAfterInit  = 100
)

// trackInitialization dispatches to the sensor-appropriate bootstrap and, on success,
// promotes the tracker into Ok with a fresh one-or-two-keyframe map.
func (t *Tracker) trackInitialization(ctx context.Context) {
	if t.sensor == slammap.Monocular {
		t.initializeMonocular(ctx)
		return
	}
	t.initializeStereoOrRGBD(ctx)
}

// initializeStereoOrRGBD implements single-frame bootstrap: a map point is created
// for every keypoint with valid depth, the frame becomes keyframe K0, and the map is
// immediately usable.
func (t *Tracker) initializeStereoOrRGBD(ctx context.Context) {
	f := t.currentFrame
	if f.NumKeyPoints() < minInitKeypointsStereoRGBD {
		return
	}

	f.SetPose(pose.Identity())

	bow, featVec := f.BoW()
	minX, minY, maxX, maxY := keypointBounds(keypointsOf(f))
	kf := slammap.NewKeyFrame(t.world, f.ID(), t.sensor, t.cfg.calibration(), t.scalePyramid(),
		keypointsOf(f), descriptorsOf(f), uRightOf(f), depthOf(f), bow, featVec, pose.Identity(),
		minX, maxX, minY, maxY)
	t.world.AddKeyFrame(kf)
	t.collab.Database.Add(kf)

	for i := 0; i < f.NumKeyPoints(); i++ {
		x, y, z, ok := kf.UnprojectStereo(i)
		if !ok {
			continue
		}
		mp := slammap.NewMapPoint(t.world, kf.ID(), x, y, z)
		t.world.AddMapPoint(mp)
		mp.AddObservation(kf.ID(), i, obsWeight(t.sensor))
		kf.AddMapPoint(mp.ID(), i)
		mp.ComputeDistinctiveDescriptor()
		mp.UpdateNormalAndDepth()
		f.SetMapPoint(i, mp.ID())
	}

	t.collab.LocalMapping.InsertKeyFrame(kf)

	t.finishInitialization(kf, f)
}

// initializeMonocular implements the two-phase bootstrap: phase A records a reference
// frame, phase B matches against it and triangulates via the Initializer collaborator,
// then performs a global bundle adjustment and scale-normalizes to a unit median scene
// depth.
func (t *Tracker) initializeMonocular(ctx context.Context) {
	f := t.currentFrame

	if t.initializationFrame == nil {
		if f.NumKeyPoints() <= minInitKeypointsMonocular {
			return
		}
		t.initializationFrame = f
		return
	}

	ref := t.initializationFrame
	if f.NumKeyPoints() <= minInitKeypointsMonocular {
		t.initializationFrame = nil
		return
	}

	matches := t.matchByBoW(ref, f, 100)
	numMatches := 0
	for _, m := range matches {
		if m >= 0 {
			numMatches++
		}
	}
	if numMatches < 100 {
		t.initializationFrame = nil
		return
	}

	result, err := t.collab.Initializer.Initialize(ref, f, matches)
	if err != nil || result == nil {
		t.initializationFrame = nil
		return
	}

	ref.SetPose(pose.Identity())
	f.SetPose(result.Pose)

	refMinX, refMinY, refMaxX, refMaxY := keypointBounds(keypointsOf(ref))
	refBow, refFeatVec := ref.BoW()
	kfRef := slammap.NewKeyFrame(t.world, ref.ID(), t.sensor, t.cfg.calibration(), t.scalePyramid(),
		keypointsOf(ref), descriptorsOf(ref), uRightOf(ref), depthOf(ref), refBow, refFeatVec, pose.Identity(),
		refMinX, refMaxX, refMinY, refMaxY)
	curMinX, curMinY, curMaxX, curMaxY := keypointBounds(keypointsOf(f))
	curBow, curFeatVec := f.BoW()
	kfCur := slammap.NewKeyFrame(t.world, f.ID(), t.sensor, t.cfg.calibration(), t.scalePyramid(),
		keypointsOf(f), descriptorsOf(f), uRightOf(f), depthOf(f), curBow, curFeatVec, result.Pose,
		curMinX, curMaxX, curMinY, curMaxY)
	// Everything from here on registers the candidate bootstrap keyframes into shared
	// state (the map, the keyframe database, the local mapper); a bad scale read at
	// the bottom of this function needs to unwind all of it, not just reset the local
	// phase-A/B bookkeeping.
	guard := utils.NewGuard(func() {
		t.collab.LocalMapping.RequestReset()
		t.collab.Database.Clear()
		t.world.Clear()
	})
	defer guard.OnFail()

	t.world.AddKeyFrame(kfRef)
	t.world.AddKeyFrame(kfCur)
	t.collab.Database.Add(kfRef)
	t.collab.Database.Add(kfCur)

	for i, curIdx := range matches {
		if curIdx < 0 || !result.Triangulated[i] {
			continue
		}
		p := result.Points3D[i]
		mp := slammap.NewMapPoint(t.world, kfRef.ID(), p[0], p[1], p[2])
		t.world.AddMapPoint(mp)
		mp.AddObservation(kfRef.ID(), i, 1)
		mp.AddObservation(kfCur.ID(), curIdx, 1)
		kfRef.AddMapPoint(mp.ID(), i)
		kfCur.AddMapPoint(mp.ID(), curIdx)
		mp.ComputeDistinctiveDescriptor()
		mp.UpdateNormalAndDepth()
		f.SetMapPoint(curIdx, mp.ID())
	}

	kfRef.UpdateConnections()
	kfCur.UpdateConnections()

	t.collab.LocalMapping.InsertKeyFrame(kfRef)
	t.collab.LocalMapping.InsertKeyFrame(kfCur)

	if t.collab.Optimizer != nil {
		_ = t.collab.Optimizer.GlobalBundleAdjustment(t.world, 20)
	}

	medianDepth := t.computeSceneMedianDepth(kfRef)
	if medianDepth <= 0 || kfCur.TrackedMapPoints(1) < minTrackedPointsAfterInit {
		t.initializationFrame = nil
		return
	}
	guard.Success()
	invMedianDepth := 1.0 / medianDepth
	rescalePose(kfCur, invMedianDepth)
	for _, mp := range t.world.MapPoints() {
		x, y, z := mp.Position()
		mp.SetPosition(x*invMedianDepth, y*invMedianDepth, z*invMedianDepth)
	}
	f.SetPose(kfCur.GetPose())

	t.initializationFrame = nil
	t.finishInitialization(kfCur, f)
}

// rescalePose rescales kf's translation in place by multiplying the translation of
// its world-to-camera pose (Tcw); the scaled pose is rebuilt with pose.NewFromRT
// rather than by touching kf's internal matrix directly.
func rescalePose(kf *slammap.KeyFrame, invMedianDepth float64) {
	tcw := kf.GetPose()
	r := tcw.Rotation()
	t := tcw.Translation()
	scaledT := mat.NewDense(3, 1, []float64{
		t.At(0, 0) * invMedianDepth,
		t.At(1, 0) * invMedianDepth,
		t.At(2, 0) * invMedianDepth,
	})
	scaled, err := pose.NewFromRT(r, scaledT)
	if err != nil {
		return
	}
	kf.SetPose(scaled)
}

// computeSceneMedianDepth computes the median z-depth (in the keyframe's camera
// frame) over kf's observed map points, grounding the scale-normalization step that
// keeps monocular maps from drifting to an arbitrary scale across re-initializations.
func (t *Tracker) computeSceneMedianDepth(kf *slammap.KeyFrame) float64 {
	var depths []float64
	for _, slot := range kf.MapPoints() {
		if !slot.Present {
			continue
		}
		mp, ok := t.world.MapPoint(slot.ID)
		if !ok || mp.IsBad() {
			continue
		}
		x, y, z := mp.Position()
		_, _, camZ := kf.GetPose().TransformPoint(x, y, z)
		depths = append(depths, camZ)
	}
	if len(depths) == 0 {
		return 0
	}
	sortFloats(depths)
	return stat.Quantile(0.5, stat.Empirical, depths, nil)
}

// finishInitialization seeds local-map bookkeeping and promotes the tracker to Ok.
func (t *Tracker) finishInitialization(kf *slammap.KeyFrame, f *slammap.Frame) {
	t.referenceKFID = kf.ID()
	t.hasReferenceKF = true
	f.SetReferenceKeyFrame(kf.ID())
	t.lastKeyFrameID = f.ID()
	t.hasLastKeyFrame = true

	t.localKeyFrames = []uint64{kf.ID()}
	t.localPoints = kf.MapPointsSet()
	t.world.SetReferenceMapPoints(t.localPoints)

	t.setState(Ok)
}

func keypointsOf(f *slammap.Frame) []slammap.KeyPoint {
	out := make([]slammap.KeyPoint, f.NumKeyPoints())
	for i := range out {
		out[i] = f.KeyPointAt(i)
	}
	return out
}

func descriptorsOf(f *slammap.Frame) []slammap.Descriptor {
	out := make([]slammap.Descriptor, f.NumKeyPoints())
	for i := range out {
		d, _ := f.DescriptorAt(i)
		out[i] = d
	}
	return out
}

func uRightOf(f *slammap.Frame) []float64 {
	out := make([]float64, f.NumKeyPoints())
	for i := range out {
		out[i] = -1
	}
	return out
}

func depthOf(f *slammap.Frame) []float64 {
	out := make([]float64, f.NumKeyPoints())
	for i := range out {
		out[i] = f.DepthAt(i)
	}
	return out
}

func obsWeight(sensor slammap.Sensor) int {
	if sensor.HasDepth() {
		return 2
	}
	return 1
}

func sortFloats(v []float64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}
