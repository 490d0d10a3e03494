package tracker

import "github.com/orbvision/slamtrack/slammap"

const (
	thRefRatioMonocular = 0.9
	thRefRatioRGBD      = 0.75
	thRefRatioStereo    = 0.75
	minCloseTracked     = 100
	minCloseUntracked   = 70
)

// needNewKeyFrame implements the c1a/c1b/c1c/c2 keyframe-insertion conditions: the
// local mapper must be idle or interruptible, and the frame must be either far enough
// past the last keyframe (c1a), at least minFrames past it with an idle local mapper (c1b), or
// stereo/RGBD-only thin close-range coverage (c1c) — all gated by c2, f's tracked
// inlier ratio against its reference keyframe dropping enough to be worth a refresh.
func (t *Tracker) needNewKeyFrame(f *slammap.Frame) bool {
	if t.localizationOnly {
		return false
	}
	if t.collab.LocalMapping.IsStopped() || t.collab.LocalMapping.StopRequested() {
		return false
	}

	nKFs := t.world.NumKeyFrames()
	if t.hasLastRelocID && t.currentFrame.ID()-t.lastRelocID < uint64(t.cfg.maxFrames()) && nKFs > int(t.cfg.maxFrames()) {
		return false
	}

	refKF, ok := t.world.KeyFrame(t.referenceKFID)
	if !ok {
		return false
	}
	minObs := 3
	if nKFs <= 2 {
		minObs = 2
	}
	nRefMatches := refKF.TrackedMapPoints(minObs)

	acceptKeyFrames := t.collab.LocalMapping.AcceptKeyFrames()

	nTrackedClose, nNonTrackedClose := t.countCloseMapPoints(f)
	needToInsertClose := nTrackedClose < minCloseTracked && nNonTrackedClose > minCloseUntracked

	thRefRatio := thRefRatioMonocular
	if f.Sensor() == slammap.RGBD {
		thRefRatio = thRefRatioRGBD
	} else if f.Sensor() == slammap.Stereo {
		thRefRatio = thRefRatioStereo
	}
	if nKFs < 2 {
		thRefRatio = 0.4
	}

	framesSinceLastKF := t.currentFrame.ID() - t.lastKeyFrameID

	c1a := framesSinceLastKF >= uint64(t.cfg.maxFrames())
	c1b := framesSinceLastKF >= uint64(minFrames) && acceptKeyFrames
	c1c := f.Sensor() != slammap.Monocular && (float64(t.localMapInliers) < float64(nRefMatches)*0.25 || needToInsertClose)
	c2 := (float64(t.localMapInliers) < float64(nRefMatches)*thRefRatio || needToInsertClose) && t.localMapInliers > 15

	if !((c1a || c1b || c1c) && c2) {
		return false
	}

	if acceptKeyFrames {
		return true
	}
	t.collab.LocalMapping.InterruptBA()
	if f.Sensor() != slammap.Monocular {
		return t.collab.LocalMapping.KeyFramesInQueue() < 3
	}
	return false
}

// countCloseMapPoints counts f's stereo/RGBD keypoints with a depth inside the
// close-range threshold, split by whether they already have a (non-bad) map-point
// association.
func (t *Tracker) countCloseMapPoints(f *slammap.Frame) (tracked, untracked int) {
	if f.Sensor() == slammap.Monocular {
		return 0, 0
	}
	thresh := f.Calibration().CloseDepthThreshold()
	for i := 0; i < f.NumKeyPoints(); i++ {
		d := f.DepthAt(i)
		if d <= 0 || d >= thresh {
			continue
		}
		if id, ok := f.MapPointAt(i); ok {
			if mp, ok := t.resolveMapPoint(id); ok && !mp.IsBad() {
				tracked++
				continue
			}
		}
		untracked++
	}
	return tracked, untracked
}

// createNewKeyFrame promotes f into a permanent keyframe: for stereo/RGBD sensors it
// creates permanent map points for close, still-unassociated keypoints (mirroring
// updateLastFrame's temporary-point creation, but registered in the map), then hands
// the keyframe to local mapping and loop closing. Local mapping is held against
// stopping for the whole call; if it refuses, no keyframe is created.
func (t *Tracker) createNewKeyFrame(f *slammap.Frame) {
	if !t.collab.LocalMapping.SetNotStop(true) {
		return
	}
	defer t.collab.LocalMapping.SetNotStop(false)

	bow, featVec := f.BoW()
	curPose, _ := f.GetPose()
	minX, minY, maxX, maxY := keypointBounds(keypointsOf(f))
	kf := slammap.NewKeyFrame(t.world, f.ID(), f.Sensor(), f.Calibration(), t.scalePyramid(),
		keypointsOf(f), descriptorsOf(f), uRightOf(f), depthOf(f), bow, featVec, curPose,
		minX, maxX, minY, maxY)
	t.world.AddKeyFrame(kf)
	t.collab.Database.Add(kf)

	if f.Sensor() != slammap.Monocular {
		var close []struct {
			idx   int
			depth float64
		}
		for i := 0; i < f.NumKeyPoints(); i++ {
			d := f.DepthAt(i)
			if d > 0 {
				close = append(close, struct {
					idx   int
					depth float64
				}{i, d})
			}
		}
		sortCreateByDepth(close)

		created := 0
		for _, c := range close {
			needsNew := true
			if id, ok := f.MapPointAt(c.idx); ok {
				if mp, ok := t.resolveMapPoint(id); ok && mp.ObservationCount() > 0 {
					needsNew = false
				}
			}
			if needsNew {
				x, y, z, ok := kf.UnprojectStereo(c.idx)
				if ok {
					mp := slammap.NewMapPoint(t.world, kf.ID(), x, y, z)
					t.world.AddMapPoint(mp)
					mp.AddObservation(kf.ID(), c.idx, obsWeight(f.Sensor()))
					kf.AddMapPoint(mp.ID(), c.idx)
					mp.ComputeDistinctiveDescriptor()
					mp.UpdateNormalAndDepth()
					f.SetMapPoint(c.idx, mp.ID())
				}
			}
			created++
			if created >= minCloseTracked && c.depth > f.Calibration().CloseDepthThreshold() {
				break
			}
		}
	}

	t.collab.LocalMapping.InsertKeyFrame(kf)
	t.collab.LoopClosing.InsertKeyFrame(kf)

	t.lastKeyFrameID = f.ID()
	t.hasLastKeyFrame = true
	t.referenceKFID = kf.ID()
	t.hasReferenceKF = true
	f.SetReferenceKeyFrame(kf.ID())
}

func sortCreateByDepth(v []struct {
	idx   int
	depth float64
}) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1].depth > v[j].depth; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}
