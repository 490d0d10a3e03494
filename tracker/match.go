package tracker

import "github.com/orbvision/slamtrack/slammap"

// No Matcher collaborator is defined: feature matching is pure data-structure lookup
// (shared bag-of-words tree nodes, or a grid radius query) followed by a nearest-
// neighbor scan by Hamming distance, so it is implemented directly here rather than
// delegated to an external contract.

const (
	bowMatchDistanceThresh = 50
	bowRatioThresh         = 0.75
)

// descriptorSet is satisfied by both *slammap.Frame and *slammap.KeyFrame.
type descriptorSet interface {
	NumKeyPoints() int
	DescriptorAt(idx int) (slammap.Descriptor, bool)
	BoW() (slammap.BowVector, slammap.FeatureVector)
}

// matchByBoW matches ref's keypoints against cur's by restricting comparison to
// keypoints assigned to the same vocabulary-tree node, then picking cur's nearest
// descriptor by Hamming distance subject to a ratio test against the second-best.
// Returns a slice indexed by ref's keypoint index, holding the matched index into
// cur or -1.
func (t *Tracker) matchByBoW(ref, cur descriptorSet, distanceThresh int) []int {
	matches := make([]int, ref.NumKeyPoints())
	for i := range matches {
		matches[i] = -1
	}

	_, refFeatVec := ref.BoW()
	_, curFeatVec := cur.BoW()

	curTaken := make(map[int]bool)

	for node, refIdxs := range refFeatVec {
		curIdxs, ok := curFeatVec[node]
		if !ok {
			continue
		}
		for _, ri := range refIdxs {
			rd, ok := ref.DescriptorAt(ri)
			if !ok {
				continue
			}
			best, second := distanceThresh+1, distanceThresh+1
			bestIdx := -1
			for _, ci := range curIdxs {
				if curTaken[ci] {
					continue
				}
				cd, ok := cur.DescriptorAt(ci)
				if !ok {
					continue
				}
				d := rd.HammingDistance(cd)
				if d < best {
					second = best
					best = d
					bestIdx = ci
				} else if d < second {
					second = d
				}
			}
			if bestIdx < 0 || best > distanceThresh {
				continue
			}
			if second > 0 && float64(best) > bowRatioThresh*float64(second) {
				continue
			}
			matches[ri] = bestIdx
			curTaken[bestIdx] = true
		}
	}
	return matches
}

// matchByProjection matches f's unassociated keypoints within radius (scaled by the
// keypoint's predicted octave) of each candidate map point's projected location,
// picking the nearest descriptor by Hamming distance. Returns the number of new
// associations made on f.
func (t *Tracker) matchByProjection(f *slammap.Frame, candidates []uint64, radius float64, distanceThresh int) int {
	matched := 0
	for _, mpID := range candidates {
		mp, ok := t.resolveMapPoint(mpID)
		if !ok || mp.IsBad() {
			continue
		}
		if alreadyAssociated(f, mpID) {
			continue
		}
		if !f.IsInFrustum(mp, 0.5) {
			continue
		}
		pred, ok := f.PredictionFor(mpID)
		if !ok {
			continue
		}

		r := radius * scaleAt(f, pred.PredictedOctave)
		cands := f.FeaturesInArea(pred.U, pred.V, r)
		if len(cands) == 0 {
			continue
		}

		mpDesc := mp.Descriptor()
		best := distanceThresh + 1
		bestIdx := -1
		for _, idx := range cands {
			if _, has := f.MapPointAt(idx); has {
				continue
			}
			fd, ok := f.DescriptorAt(idx)
			if !ok {
				continue
			}
			d := mpDesc.HammingDistance(fd)
			if d < best {
				best = d
				bestIdx = idx
			}
		}
		if bestIdx < 0 || best > distanceThresh {
			continue
		}
		f.SetMapPoint(bestIdx, mpID)
		mp.IncreaseFound(1)
		matched++
	}
	return matched
}

func alreadyAssociated(f *slammap.Frame, mpID uint64) bool {
	for i := 0; i < f.NumKeyPoints(); i++ {
		if id, ok := f.MapPointAt(i); ok && id == mpID {
			return true
		}
	}
	return false
}

func scaleAt(f *slammap.Frame, octave int) float64 {
	return f.ScaleFactor(octave)
}
