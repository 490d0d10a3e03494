package tracker

import (
	"context"

	"github.com/orbvision/slamtrack/slammap"
	"github.com/orbvision/slamtrack/trackresult"
)

const (
	maxLocalKeyFrames        = 80
	localMapInlierThreshRecentReloc = 50
	localMapInlierThresh            = 30
)

// trackLocalMap expands the local map around the current pose, searches it for
// additional associations, refines the pose once more, and judges whether enough
// inliers survived to call this frame tracked.
func (t *Tracker) trackLocalMap(ctx context.Context, f *slammap.Frame) trackresult.Outcome {
	t.updateLocalKeyFrames(f)
	t.updateLocalPoints()
	t.searchLocalPoints(ctx, f)

	inliers, err := t.collab.Optimizer.PoseOptimization(f)
	if err != nil {
		return trackresult.Failed("local map pose optimization error: " + err.Error())
	}
	good := t.stripBadOutlierAssociations(f)
	t.localMapInliers = good
	t.inlierAverage.Add(good)

	for i := 0; i < f.NumKeyPoints(); i++ {
		id, ok := f.MapPointAt(i)
		if !ok || f.IsOutlier(i) {
			continue
		}
		if mp, ok := t.resolveMapPoint(id); ok {
			mp.IncreaseFound(1)
		}
	}

	recentlyRelocalized := t.hasLastRelocID && t.currentFrame.ID()-t.lastRelocID < uint64(t.cfg.maxFrames())
	thresh := localMapInlierThresh
	if recentlyRelocalized {
		thresh = localMapInlierThreshRecentReloc
	}
	if good < thresh {
		return trackresult.Failed("too few inliers after local map refinement")
	}
	return trackresult.Ok(inliers)
}

// updateLocalKeyFrames rebuilds the local keyframe set: keyframes sharing map points
// with f get one vote each, then each voter adds at most one keyframe from each of
// its best-10 covisible neighbors, its children, and its parent, capped at
// maxLocalKeyFrames.
func (t *Tracker) updateLocalKeyFrames(f *slammap.Frame) {
	votes := make(map[uint64]int)
	bestKF, bestVotes := uint64(0), 0
	hasBest := false

	for i := 0; i < f.NumKeyPoints(); i++ {
		mpID, ok := f.MapPointAt(i)
		if !ok {
			continue
		}
		mp, ok := t.resolveMapPoint(mpID)
		if !ok || mp.IsBad() {
			continue
		}
		for kfID := range mp.Observations() {
			votes[kfID]++
			if votes[kfID] > bestVotes {
				bestVotes = votes[kfID]
				bestKF = kfID
				hasBest = true
			}
		}
	}

	if len(votes) == 0 {
		return
	}

	local := make(map[uint64]bool, len(votes))
	order := make([]uint64, 0, len(votes))
	for kfID := range votes {
		local[kfID] = true
		order = append(order, kfID)
	}

	for _, kfID := range order {
		if len(local) >= maxLocalKeyFrames {
			break
		}
		kf, ok := t.world.KeyFrame(kfID)
		if !ok {
			continue
		}
		for _, n := range kf.BestN(10) {
			if !local[n] {
				local[n] = true
				break
			}
		}
		for _, c := range kf.GetChildren() {
			if !local[c] {
				local[c] = true
				break
			}
		}
		if p, ok := kf.GetParent(); ok && !local[p] {
			local[p] = true
		}
	}

	t.localKeyFrames = t.localKeyFrames[:0]
	for kfID := range local {
		t.localKeyFrames = append(t.localKeyFrames, kfID)
	}

	if hasBest {
		t.referenceKFID = bestKF
		t.hasReferenceKF = true
		f.SetReferenceKeyFrame(bestKF)
	}
}

// updateLocalPoints collects every non-bad map point observed by any local keyframe.
func (t *Tracker) updateLocalPoints() {
	seen := make(map[uint64]bool)
	var pts []uint64
	for _, kfID := range t.localKeyFrames {
		kf, ok := t.world.KeyFrame(kfID)
		if !ok {
			continue
		}
		for _, id := range kf.MapPointsSet() {
			if seen[id] {
				continue
			}
			seen[id] = true
			mp, ok := t.resolveMapPoint(id)
			if !ok || mp.IsBad() {
				continue
			}
			pts = append(pts, id)
		}
	}
	t.localPoints = pts
	t.world.SetReferenceMapPoints(pts)
}

// searchLocalPoints marks every local point visible-but-unassociated in f, then
// matches them by projection. Frustum tests run sequentially against f: Frame
// deliberately carries no internal locking since it is only ever touched from the
// tracker's own goroutine, and IsInFrustum caches its result into f, so fanning this
// out would race; the errgroup-based fan-out lives in relocalization instead, where
// each candidate owns an independent solver and match set.
func (t *Tracker) searchLocalPoints(ctx context.Context, f *slammap.Frame) {
	alreadyIn := make(map[uint64]bool, f.NumKeyPoints())
	for i := 0; i < f.NumKeyPoints(); i++ {
		if id, ok := f.MapPointAt(i); ok {
			alreadyIn[id] = true
			if mp, ok := t.resolveMapPoint(id); ok {
				mp.IncreaseVisible(1)
			}
		}
	}

	var candidates []uint64
	for _, id := range t.localPoints {
		if alreadyIn[id] {
			continue
		}
		mp, ok := t.resolveMapPoint(id)
		if !ok || mp.IsBad() {
			continue
		}
		if !f.IsInFrustum(mp, 0.5) {
			continue
		}
		mp.IncreaseVisible(1)
		candidates = append(candidates, id)
	}

	radius := 1.0
	if f.Sensor() == slammap.RGBD {
		radius = 3.0
	}
	if t.hasLastRelocID && t.currentFrame.ID()-t.lastRelocID < 2 {
		radius = 5.0
	}
	t.matchByProjection(f, candidates, radius, 100)
}
