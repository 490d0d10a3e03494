package slammap

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/atomic"
	"gonum.org/v1/gonum/stat"

	"github.com/orbvision/slamtrack/utils"
)

// Observation is one (keyframe id, keypoint index) pair recording that a map point
// was seen at that location in that keyframe.
type Observation struct {
	KeyFrameID uint64
	Index      int
}

// MapPoint is a 3-D landmark: position, descriptor, observation set, and the
// visibility statistics consumed by the tracker's projection-matching thresholds.
type MapPoint struct {
	id uint64

	owner           *Map
	referenceKFID   uint64

	mu           sync.Mutex // guards position, bad, replacement
	x, y, z      float64
	bad          bool
	replacement  uint64
	hasReplace   bool

	featuresMu   sync.Mutex // guards observations, descriptor, normal/depth
	observations map[uint64]int // keyframe id -> keypoint index
	obsWeight    int            // stereo=2, mono=1 per observation, summed
	descriptor   Descriptor
	minDistance  float64
	maxDistance  float64
	normalX      float64
	normalY      float64
	normalZ      float64

	visible atomic.Int64
	found   atomic.Int64
}

// NewMapPoint creates a map point at the given world position, owned by m and first
// observed via referenceKF.
func NewMapPoint(m *Map, referenceKFID uint64, x, y, z float64) *MapPoint {
	mp := &MapPoint{
		id:            m.NextMapPointID(),
		owner:         m,
		referenceKFID: referenceKFID,
		x:             x,
		y:             y,
		z:             z,
		observations:  make(map[uint64]int),
	}
	mp.visible.Store(1)
	mp.found.Store(1)
	return mp
}

// ID returns the map point's stable handle.
func (mp *MapPoint) ID() uint64 { return mp.id }

// Position returns the world-frame coordinates under the position lock.
func (mp *MapPoint) Position() (x, y, z float64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.x, mp.y, mp.z
}

// SetPosition updates the world-frame coordinates (e.g. after bundle adjustment).
func (mp *MapPoint) SetPosition(x, y, z float64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.x, mp.y, mp.z = x, y, z
}

// IsBad reports the tombstone flag.
func (mp *MapPoint) IsBad() bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.bad
}

// Replacement returns the id this point was fused into, if any.
func (mp *MapPoint) Replacement() (uint64, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.replacement, mp.hasReplace
}

// ReferenceKeyFrameID returns the id of the keyframe that created this point.
func (mp *MapPoint) ReferenceKeyFrameID() uint64 {
	mp.featuresMu.Lock()
	defer mp.featuresMu.Unlock()
	return mp.referenceKFID
}

// Descriptor returns the representative descriptor chosen by
// ComputeDistinctiveDescriptor.
func (mp *MapPoint) Descriptor() Descriptor {
	mp.featuresMu.Lock()
	defer mp.featuresMu.Unlock()
	return mp.descriptor
}

// Normal returns the mean viewing direction (unit-ish vector; not renormalized here).
func (mp *MapPoint) Normal() (x, y, z float64) {
	mp.featuresMu.Lock()
	defer mp.featuresMu.Unlock()
	return mp.normalX, mp.normalY, mp.normalZ
}

// DistanceRange returns the observation-distance bounds used to reject out-of-scale
// projection candidates.
func (mp *MapPoint) DistanceRange() (min, max float64) {
	mp.featuresMu.Lock()
	defer mp.featuresMu.Unlock()
	return mp.minDistance, mp.maxDistance
}

// AddObservation records that keyframe kfID observed this point at keypoint idx.
// weight is 2 for a stereo/RGBD keypoint (it carries depth) and 1 for monocular, per
// the spec's "observations" counter used by tracking thresholds.
func (mp *MapPoint) AddObservation(kfID uint64, idx int, weight int) {
	mp.featuresMu.Lock()
	defer mp.featuresMu.Unlock()
	if _, exists := mp.observations[kfID]; exists {
		return
	}
	mp.observations[kfID] = idx
	mp.obsWeight += weight
}

// Observations returns a snapshot of the observation set.
func (mp *MapPoint) Observations() map[uint64]int {
	mp.featuresMu.Lock()
	defer mp.featuresMu.Unlock()
	out := make(map[uint64]int, len(mp.observations))
	for k, v := range mp.observations {
		out[k] = v
	}
	return out
}

// ObservationCount returns the weighted observation count used by tracking
// thresholds (e.g. TrackedMapPoints' minObs).
func (mp *MapPoint) ObservationCount() int {
	mp.featuresMu.Lock()
	defer mp.featuresMu.Unlock()
	return mp.obsWeight
}

// EraseObservation removes kfID's observation. If the weighted observation count
// drops below 3, the point is marked bad. If kfID was the reference keyframe, the
// first remaining observer (by ascending keyframe id) is promoted.
func (mp *MapPoint) EraseObservation(kfID uint64, weight int) {
	mp.featuresMu.Lock()
	_, existed := mp.observations[kfID]
	if existed {
		delete(mp.observations, kfID)
		mp.obsWeight -= weight
	}
	goneBad := mp.obsWeight < 3
	wasReference := mp.referenceKFID == kfID
	if wasReference && !goneBad {
		ids := make([]uint64, 0, len(mp.observations))
		for k := range mp.observations {
			ids = append(ids, k)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if len(ids) > 0 {
			mp.referenceKFID = ids[0]
		}
	}
	mp.featuresMu.Unlock()

	if goneBad {
		mp.SetBad()
	}
}

// SetBad empties the observation set, unlinks from every observing keyframe, and
// detaches the point from the map. Idempotent.
func (mp *MapPoint) SetBad() {
	mp.featuresMu.Lock()
	obs := mp.observations
	mp.observations = make(map[uint64]int)
	mp.obsWeight = 0
	mp.featuresMu.Unlock()

	mp.mu.Lock()
	mp.bad = true
	mp.mu.Unlock()

	for kfID, idx := range obs {
		if kf, ok := mp.owner.KeyFrame(kfID); ok {
			kf.eraseMapPointMatchIfSame(idx, mp.id)
		}
	}
	mp.owner.EraseMapPoint(mp.id)
}

// Replace fuses this map point into other: every observation is moved to other
// (skipping keyframes that already observe other), other's visible/found counters
// are bumped by this point's totals, this point is deleted from the map, and
// replacement is recorded.
func (mp *MapPoint) Replace(other *MapPoint) {
	if other == nil || other.id == mp.id {
		return
	}

	mp.featuresMu.Lock()
	obs := mp.observations
	mp.observations = make(map[uint64]int)
	mp.obsWeight = 0
	mp.featuresMu.Unlock()

	for kfID, idx := range obs {
		kf, ok := mp.owner.KeyFrame(kfID)
		if !ok {
			continue
		}
		if kf.hasMapPointAssoc(other.id) {
			kf.eraseMapPointMatchIfSame(idx, mp.id)
			continue
		}
		kf.ReplaceMapPointMatch(idx, other)
		weight := 1
		if kf.Sensor().HasDepth() {
			weight = 2
		}
		other.AddObservation(kfID, idx, weight)
	}

	other.visible.Add(mp.visible.Load())
	other.found.Add(mp.found.Load())

	mp.mu.Lock()
	mp.bad = true
	mp.replacement = other.id
	mp.hasReplace = true
	mp.mu.Unlock()

	mp.owner.EraseMapPoint(mp.id)
}

// IncreaseVisible bumps the "predicted to project into a frame" counter. Commutative
// across goroutines via an atomic counter.
func (mp *MapPoint) IncreaseVisible(n int64) {
	mp.visible.Add(n)
}

// IncreaseFound bumps the "matched in a frame" counter.
func (mp *MapPoint) IncreaseFound(n int64) {
	mp.found.Add(n)
}

// FoundRatio returns found/visible.
func (mp *MapPoint) FoundRatio() float64 {
	v := mp.visible.Load()
	if v == 0 {
		return 0
	}
	return float64(mp.found.Load()) / float64(v)
}

// descriptorSource is the minimal keyframe surface ComputeDistinctiveDescriptor needs;
// satisfied by *KeyFrame.
type descriptorSource interface {
	DescriptorAt(idx int) (Descriptor, bool)
}

// ComputeDistinctiveDescriptor chooses, among every observer's descriptor for this
// point, the one minimizing the median Hamming distance to all the others.
func (mp *MapPoint) ComputeDistinctiveDescriptor() {
	obs := mp.Observations()
	if len(obs) == 0 {
		return
	}

	descriptors := make([]Descriptor, 0, len(obs))
	for kfID, idx := range obs {
		kf, ok := mp.owner.KeyFrame(kfID)
		if !ok || kf.IsBad() {
			continue
		}
		d, ok := descriptorSource(kf).DescriptorAt(idx)
		if !ok {
			continue
		}
		descriptors = append(descriptors, d)
	}
	if len(descriptors) == 0 {
		return
	}
	if len(descriptors) == 1 {
		mp.featuresMu.Lock()
		mp.descriptor = descriptors[0]
		mp.featuresMu.Unlock()
		return
	}

	best := 0
	bestMedian := -1.0
	for i, di := range descriptors {
		dists := make([]float64, 0, len(descriptors)-1)
		for j, dj := range descriptors {
			if i == j {
				continue
			}
			dists = append(dists, float64(di.HammingDistance(dj)))
		}
		sort.Float64s(dists)
		median := stat.Quantile(0.5, stat.Empirical, dists, nil)
		if bestMedian < 0 || median < bestMedian {
			bestMedian = median
			best = i
		}
	}

	mp.featuresMu.Lock()
	mp.descriptor = descriptors[best]
	mp.featuresMu.Unlock()
}

// normalSource is the minimal keyframe surface UpdateNormalAndDepth needs.
type normalSource interface {
	CameraCenter() (float64, float64, float64)
	ScaleFactor(octave int) float64
	OctaveAt(idx int) (int, bool)
	NumScaleLevels() int
}

// UpdateNormalAndDepth recomputes the mean viewing direction (average, over all
// observers, of the unit vector from camera center to this point) and the
// min/max observation-distance bounds derived from the reference keyframe's scale
// pyramid, per the reference octave of the point in that keyframe.
func (mp *MapPoint) UpdateNormalAndDepth() {
	obs := mp.Observations()
	if len(obs) == 0 {
		return
	}
	px, py, pz := mp.Position()

	var sumX, sumY, sumZ float64
	count := 0
	for kfID := range obs {
		kf, ok := mp.owner.KeyFrame(kfID)
		if !ok || kf.IsBad() {
			continue
		}
		cx, cy, cz := normalSource(kf).CameraCenter()
		dx, dy, dz := px-cx, py-cy, pz-cz
		n := norm3(dx, dy, dz)
		if n == 0 {
			continue
		}
		sumX += dx / n
		sumY += dy / n
		sumZ += dz / n
		count++
	}
	if count == 0 {
		return
	}

	refKF, ok := mp.owner.KeyFrame(mp.ReferenceKeyFrameID())
	if !ok {
		return
	}
	idx, ok := obs[refKF.ID()]
	if !ok {
		return
	}
	octave, ok := refKF.OctaveAt(idx)
	if !ok {
		return
	}
	cx, cy, cz := normalSource(refKF).CameraCenter()
	dist := norm3(px-cx, py-cy, pz-cz)
	levelScale := refKF.ScaleFactor(octave)
	levels := refKF.NumScaleLevels()

	mp.featuresMu.Lock()
	mp.maxDistance = dist * levelScale
	if levels > 0 {
		mp.minDistance = mp.maxDistance / levelFactorAtTop(refKF, levels)
	} else {
		mp.minDistance = mp.maxDistance
	}
	mp.normalX = sumX / float64(count)
	mp.normalY = sumY / float64(count)
	mp.normalZ = sumZ / float64(count)
	mp.featuresMu.Unlock()
}

func levelFactorAtTop(kf normalSource, levels int) float64 {
	return kf.ScaleFactor(levels - 1)
}

func norm3(x, y, z float64) float64 {
	return math.Sqrt(utils.Square(x) + utils.Square(y) + utils.Square(z))
}
