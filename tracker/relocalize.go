package tracker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/orbvision/slamtrack/collab"
	"github.com/orbvision/slamtrack/slammap"
	"github.com/orbvision/slamtrack/trackresult"
)

var relocRansacParams = collab.RansacParams{
	Confidence:  0.99,
	MinInliers:  10,
	MaxIter:     300,
	MinSet:      4,
	InlierRatio: 0.5,
	Sigma2:      5.991,
}

const (
	relocMaxIterationsPerRound = 5
	relocMinFinalInliers       = 50
	relocMinBoWMatches         = 15
)

type candidateAttempt struct {
	kf *slammap.KeyFrame
	// solverIDs/solverCurIdx/result.InlierMask are parallel, aligned to the
	// correspondence order the solver was seeded with (NOT f's keypoint index
	// space); solverCurIdx maps each entry back to the keypoint index in f it came
	// from.
	solverIDs    []uint64
	solverCurIdx []int
	result       collab.PnPResult
	ok           bool
}

// relocalize queries the keyframe database for BoW candidates, runs RANSAC PnP
// against each independently (fanned out, since every candidate owns its own solver
// and read-only match set against f), then sequentially verifies and refines the
// first candidate whose pose survives projection-based re-matching and pose
// optimization.
func (t *Tracker) relocalize(ctx context.Context, f *slammap.Frame) trackresult.Outcome {
	candidates, err := t.collab.Database.DetectRelocalizationCandidates(f)
	if err != nil {
		return trackresult.Failed("relocalization candidate lookup error: " + err.Error())
	}
	if len(candidates) == 0 {
		return trackresult.Failed("no relocalization candidates")
	}

	attempts := make([]candidateAttempt, len(candidates))
	g, _ := errgroup.WithContext(ctx)
	for i, kf := range candidates {
		i, kf := i, kf
		g.Go(func() error {
			attempts[i] = t.solveCandidate(f, kf)
			return nil
		})
	}
	_ = g.Wait()

	for _, a := range attempts {
		if !a.ok {
			continue
		}
		if outcome, ok := t.verifyCandidate(f, a); ok {
			t.lastRelocID = t.currentFrame.ID()
			t.hasLastRelocID = true
			return outcome
		}
	}
	return trackresult.Failed("no relocalization candidate survived verification")
}

// solveCandidate runs the BoW match + RANSAC PnP loop for one candidate keyframe. It
// only reads f (descriptors, keypoints, BoW), so it is safe to call concurrently with
// other candidates' attempts.
func (t *Tracker) solveCandidate(f *slammap.Frame, kf *slammap.KeyFrame) candidateAttempt {
	kfMatches := t.matchByBoW(kf, f, bowMatchDistanceThresh)

	var solverIDs []uint64
	var solverCurIdx []int
	for kfIdx, curIdx := range kfMatches {
		if curIdx < 0 {
			continue
		}
		mpID, ok := kf.MapPointAt(kfIdx)
		if !ok {
			continue
		}
		solverIDs = append(solverIDs, mpID)
		solverCurIdx = append(solverCurIdx, curIdx)
	}
	if len(solverIDs) < relocMinBoWMatches {
		return candidateAttempt{kf: kf}
	}

	solver := t.collab.PnPFactory.NewSolver(f, solverIDs)
	solver.SetRansacParameters(relocRansacParams)

	for {
		result := solver.Iterate(relocMaxIterationsPerRound)
		if result.HasPose {
			return candidateAttempt{kf: kf, solverIDs: solverIDs, solverCurIdx: solverCurIdx, result: result, ok: true}
		}
		if result.NoMore {
			return candidateAttempt{kf: kf}
		}
	}
}

// verifyCandidate applies a's pose to f, seeds the matched map-point associations the
// solver's inlier mask confirms, then runs one or two rounds of projection-based
// re-matching (radius 10 first, radius 3 with a tighter descriptor threshold if still
// thin) interleaved with pose optimization, accepting once the inlier count clears
// relocMinFinalInliers. A candidate with fewer than 10 inliers after the first
// optimization is rejected without re-matching.
func (t *Tracker) verifyCandidate(f *slammap.Frame, a candidateAttempt) (trackresult.Outcome, bool) {
	f.SetPose(a.result.Pose)

	for i := 0; i < f.NumKeyPoints(); i++ {
		f.ClearMapPoint(i)
	}
	for i, curIdx := range a.solverCurIdx {
		if i < len(a.result.InlierMask) && !a.result.InlierMask[i] {
			continue
		}
		f.SetMapPoint(curIdx, a.solverIDs[i])
	}

	inliers, err := t.collab.Optimizer.PoseOptimization(f)
	if err != nil {
		return trackresult.Outcome{}, false
	}
	good := t.stripBadOutlierAssociations(f)
	if good < 10 {
		return trackresult.Outcome{}, false
	}

	if good < relocMinFinalInliers {
		candidates := a.kf.MapPointsSet()
		added := t.matchByProjection(f, candidates, 10, 100)
		if good+added >= relocMinFinalInliers {
			inliers, err = t.collab.Optimizer.PoseOptimization(f)
			if err != nil {
				return trackresult.Outcome{}, false
			}
			good = t.stripBadOutlierAssociations(f)
		}
		if good < relocMinFinalInliers && good >= 30 {
			added = t.matchByProjection(f, candidates, 3, 64)
			if good+added >= relocMinFinalInliers {
				inliers, err = t.collab.Optimizer.PoseOptimization(f)
				if err != nil {
					return trackresult.Outcome{}, false
				}
				good = t.stripBadOutlierAssociations(f)
			}
		}
	}

	if good < relocMinFinalInliers {
		return trackresult.Outcome{}, false
	}
	return trackresult.Ok(inliers), true
}
