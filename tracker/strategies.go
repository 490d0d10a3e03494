package tracker

import (
	"context"

	"github.com/orbvision/slamtrack/pose"
	"github.com/orbvision/slamtrack/slammap"
	"github.com/orbvision/slamtrack/trackresult"
	"github.com/orbvision/slamtrack/utils"
)

const (
	minReferenceKeyFrameInliers = 10
	minReferenceKeyFrameMatches = 15
	projectionRadiusMonocular   = 7.0
	projectionRadiusStereo      = 15.0
)

// trackFrame runs the full steady-state per-frame procedure: pick a pose-estimation
// strategy, refine against the local map, and decide whether to insert a keyframe.
func (t *Tracker) trackFrame(ctx context.Context, f *slammap.Frame) {
	f.SetReferenceKeyFrame(t.referenceKFID)

	var outcome trackresult.Outcome
	if t.state == Ok {
		outcome = t.trackNormal(ctx, f)
	} else {
		outcome = t.relocalize(ctx, f)
	}

	if !outcome.IsOk() {
		t.setState(Lost)
		t.deleteTemporaryMapPoints(f)
		return
	}

	localOutcome := t.trackLocalMap(ctx, f)

	if localOutcome.IsOk() {
		curPose, okCur := f.GetPose()
		lastPose, okLast := t.lastFrame.GetPose()
		t.hasMotionModel = okCur && okLast
		if t.hasMotionModel {
			t.motionModel = curPose.Mul(lastPose.Inverse())
		}
		for i := 0; i < f.NumKeyPoints(); i++ {
			if id, ok := f.MapPointAt(i); ok {
				if mp, ok := t.resolveMapPoint(id); ok && mp.ObservationCount() < 1 {
					f.ClearMapPoint(i)
				}
			}
		}
	}

	if localOutcome.IsOk() {
		t.setState(Ok)
	} else {
		t.setState(Lost)
	}

	if localOutcome.IsOk() && t.needNewKeyFrame(f) {
		t.createNewKeyFrame(f)
	}

	t.stripOutliers(f)
	t.deleteTemporaryMapPoints(f)
}

// trackNormal runs the ok-state pose-estimation cascade: motion model first (falling
// back to reference-keyframe matching when it fails), then reference-keyframe
// matching alone when there is no model at all or f is one of the two frames that
// start at the last relocalization.
func (t *Tracker) trackNormal(ctx context.Context, f *slammap.Frame) trackresult.Outcome {
	t.mu.Lock()
	t.voMode = false
	t.mu.Unlock()

	var outcome trackresult.Outcome
	recentlyRelocalized := t.hasLastRelocID && f.ID() < t.lastRelocID+2
	if t.hasMotionModel && t.hasLastKeyFrame && !recentlyRelocalized {
		t.updateLastFrame()
		outcome = t.trackWithMotionModel(f)
	}
	if !outcome.IsOk() {
		outcome = t.trackReferenceKeyFrame(f)
	}
	return outcome
}

// trackReferenceKeyFrame matches f against its reference keyframe by BoW, seeds f's
// pose from the last frame, and refines via motion-only pose optimization.
func (t *Tracker) trackReferenceKeyFrame(f *slammap.Frame) trackresult.Outcome {
	refKF, ok := t.world.KeyFrame(t.referenceKFID)
	if !ok {
		return trackresult.Failed(utils.NewNotFoundError("reference keyframe", t.referenceKFID).Error())
	}

	kfMatches := t.matchByBoW(refKF, f, bowMatchDistanceThresh)
	numMatches := 0
	for i, curIdx := range kfMatches {
		if curIdx < 0 {
			continue
		}
		mpID, ok := refKF.MapPointAt(i)
		if !ok {
			continue
		}
		f.SetMapPoint(curIdx, mpID)
		numMatches++
	}
	if numMatches < minReferenceKeyFrameMatches {
		return trackresult.Failed("too few reference keyframe matches")
	}

	if p, ok := t.lastFrame.GetPose(); ok {
		f.SetPose(p.Clone())
	} else {
		f.SetPose(pose.Identity())
	}

	inliers, err := t.collab.Optimizer.PoseOptimization(f)
	if err != nil {
		return trackresult.Failed("pose optimization error: " + err.Error())
	}

	good := t.stripBadOutlierAssociations(f)
	if good < minReferenceKeyFrameInliers {
		return trackresult.Failed("too few inliers after pose optimization")
	}
	return trackresult.Ok(inliers)
}

// updateLastFrame re-anchors lastFrame's pose via its reference keyframe's current
// pose (accounting for any pose updates loop closure may have applied since lastFrame
// was tracked) and, for stereo/RGBD in localization-only mode, creates temporary
// close map points sorted by ascending depth to aid motion-model matching.
func (t *Tracker) updateLastFrame() {
	lf := t.lastFrame
	if lf == nil {
		return
	}
	refID, ok := lf.ReferenceKeyFrame()
	if !ok {
		return
	}
	refKF, ok := t.world.KeyFrame(refID)
	if !ok {
		return
	}

	if tcr, ok := lastTrajectoryTcr(t); ok {
		lf.SetPose(tcr.Mul(refKF.GetPose()))
	}

	if !(t.localizationOnly && lf.Sensor().HasDepth()) {
		return
	}

	var close []struct {
		idx   int
		depth float64
	}
	for i := 0; i < lf.NumKeyPoints(); i++ {
		d := lf.DepthAt(i)
		if d > 0 {
			close = append(close, struct {
				idx   int
				depth float64
			}{i, d})
		}
	}
	sortByDepth(close)

	created := 0
	for _, c := range close {
		if created >= 100 && c.depth > lf.Calibration().CloseDepthThreshold() {
			break
		}
		if _, has := lf.MapPointAt(c.idx); has {
			created++
			continue
		}
		curPose, ok := lf.GetPose()
		if !ok {
			break
		}
		x, y, z, valid := unprojectFrameStereo(lf, c.idx, curPose)
		if !valid {
			continue
		}
		mp := slammap.NewMapPoint(t.world, refID, x, y, z)
		lf.SetMapPoint(c.idx, mp.ID())
		t.tempMapPoints[mp.ID()] = mp
		created++
	}
}

func unprojectFrameStereo(f *slammap.Frame, idx int, tcw *pose.SE3) (x, y, z float64, ok bool) {
	d := f.DepthAt(idx)
	if d <= 0 {
		return 0, 0, 0, false
	}
	kp := f.KeyPointAt(idx)
	calib := f.Calibration()
	cx := (kp.X - calib.Cx) * d * calib.InvFx
	cy := (kp.Y - calib.Cy) * d * calib.InvFy
	wx, wy, wz := tcw.Inverse().TransformPoint(cx, cy, d)
	return wx, wy, wz, true
}

func sortByDepth(v []struct {
	idx   int
	depth float64
}) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1].depth > v[j].depth; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

// lastTrajectoryTcr returns the most recent trajectory entry's relative pose, which
// (since it was logged for what is now t.lastFrame) is exactly lastFrame's pose
// relative to its own reference keyframe.
func lastTrajectoryTcr(t *Tracker) (*pose.SE3, bool) {
	if len(t.trajectory) == 0 {
		return nil, false
	}
	last := t.trajectory[len(t.trajectory)-1]
	if last.Tcr == nil {
		return nil, false
	}
	return last.Tcr, true
}

// trackWithMotionModel seeds f's pose via the constant-velocity motion model applied
// to lastFrame's pose, matches by projection with an escalating radius, and refines
// by motion-only pose optimization.
func (t *Tracker) trackWithMotionModel(f *slammap.Frame) trackresult.Outcome {
	lastPose, ok := t.lastFrame.GetPose()
	if !ok {
		return trackresult.Failed("last frame has no pose")
	}
	f.SetPose(t.motionModel.Mul(lastPose))

	radius := projectionRadiusMonocular
	if f.Sensor() != slammap.Monocular {
		radius = projectionRadiusStereo
	}

	candidates := t.lastFrameMapPoints()
	matched := t.matchByProjection(f, candidates, radius, 100)
	if matched < 20 {
		matched += t.matchByProjection(f, candidates, radius*2, 100)
	}
	if matched < 20 {
		return trackresult.Failed("too few motion-model matches")
	}

	inliers, err := t.collab.Optimizer.PoseOptimization(f)
	if err != nil {
		return trackresult.Failed("pose optimization error: " + err.Error())
	}

	good := t.stripBadOutlierAssociations(f)
	if t.localizationOnly {
		t.mu.Lock()
		t.voMode = good < 10
		t.mu.Unlock()
		if f.NumAssociations() <= 20 {
			return trackresult.Failed("too few motion-model matches after pose optimization")
		}
		return trackresult.Ok(inliers)
	}
	if good < 10 {
		return trackresult.Failed("too few inliers after pose optimization")
	}
	return trackresult.Ok(inliers)
}

func (t *Tracker) lastFrameMapPoints() []uint64 {
	var out []uint64
	for i := 0; i < t.lastFrame.NumKeyPoints(); i++ {
		if id, ok := t.lastFrame.MapPointAt(i); ok {
			out = append(out, id)
		}
	}
	return out
}

// stripBadOutlierAssociations clears map-point associations the optimizer flagged as
// outliers, then counts the survivors that actually resolve to a live, observed map
// point (ObservationCount() > 0 and not bad) — matching every "nmatchesMap" inlier
// count in the original tracker, which excludes associations to map points nobody has
// observed yet from the inlier tally even though they remain attached to the frame.
func (t *Tracker) stripBadOutlierAssociations(f *slammap.Frame) int {
	good := 0
	for i := 0; i < f.NumKeyPoints(); i++ {
		id, ok := f.MapPointAt(i)
		if !ok {
			continue
		}
		if f.IsOutlier(i) {
			f.ClearMapPoint(i)
			f.SetOutlier(i, false)
			continue
		}
		mp, ok := t.resolveMapPoint(id)
		if ok && !mp.IsBad() && mp.ObservationCount() > 0 {
			good++
		}
	}
	return good
}

func (t *Tracker) stripOutliers(f *slammap.Frame) {
	for i := 0; i < f.NumKeyPoints(); i++ {
		if f.IsOutlier(i) {
			f.ClearMapPoint(i)
			f.SetOutlier(i, false)
		}
	}
}
