package slammap

import (
	"sort"
	"sync"

	"github.com/orbvision/slamtrack/pose"
)

// eraseState is the bad-flag state machine: alive -> notErase -> pendingErase -> bad.
type eraseState int

const (
	stateAlive eraseState = iota
	stateNotErase
	statePendingErase
	stateBad
)

// KeyFrame is a frame promoted into the map: immutable features copied from the
// source frame, plus mutable pose, covisibility, and spanning-tree links. All
// cross-references to other keyframes or map points are ids resolved through the
// owning Map, never pointers, so that the bad flag acts as a tombstone visible to
// every holder of a handle.
type KeyFrame struct {
	id      uint64
	frameID uint64
	owner   *Map
	sensor  Sensor
	calib   Calibration
	scale   ScalePyramid

	// immutable, copied from the source frame at construction
	keypoints   []KeyPoint
	descriptors []Descriptor
	uRight      []float64
	depth       []float64
	grid        *grid

	poseMu sync.Mutex
	tcw    *pose.SE3
	twc    *pose.SE3

	bowMu   sync.Mutex
	bow     BowVector
	featVec FeatureVector

	featuresMu   sync.Mutex
	mapPointIDs  []int64 // parallel to keypoints; -1 = unassociated
	hasMapPoint  []bool

	connMu         sync.Mutex
	weights        map[uint64]int
	ordered        []uint64 // sorted by (weight desc, id asc)
	firstConn      bool
	parentID       uint64
	hasParent      bool
	children       map[uint64]bool
	loopEdges      map[uint64]bool
	erase          eraseState
	tcp            *pose.SE3
}

// NewKeyFrame promotes a frame's feature data into a new keyframe owned by m.
func NewKeyFrame(
	m *Map,
	frameID uint64,
	sensor Sensor,
	calib Calibration,
	scale ScalePyramid,
	keypoints []KeyPoint,
	descriptors []Descriptor,
	uRight []float64,
	depth []float64,
	bow BowVector,
	featVec FeatureVector,
	initialPose *pose.SE3,
	minX, maxX, minY, maxY float64,
) *KeyFrame {
	n := len(keypoints)
	mapPointIDs := make([]int64, n)
	hasMP := make([]bool, n)
	for i := range mapPointIDs {
		mapPointIDs[i] = -1
	}

	g := newGrid(minX, maxX, minY, maxY)
	for i, kp := range keypoints {
		g.insert(i, kp.X, kp.Y)
	}

	kf := &KeyFrame{
		id:          m.NextKeyFrameID(),
		frameID:     frameID,
		owner:       m,
		sensor:      sensor,
		calib:       calib,
		scale:       scale,
		keypoints:   keypoints,
		descriptors: descriptors,
		uRight:      uRight,
		depth:       depth,
		grid:        g,
		bow:         bow,
		featVec:     featVec,
		mapPointIDs: mapPointIDs,
		hasMapPoint: hasMP,
		weights:     make(map[uint64]int),
		children:    make(map[uint64]bool),
		loopEdges:   make(map[uint64]bool),
		erase:       stateAlive,
	}
	kf.setPoseLocked(initialPose)
	return kf
}

// ID returns the keyframe's stable handle.
func (kf *KeyFrame) ID() uint64 { return kf.id }

// FrameID returns the id of the Frame this keyframe was created from.
func (kf *KeyFrame) FrameID() uint64 { return kf.frameID }

// Sensor returns the camera modality.
func (kf *KeyFrame) Sensor() Sensor { return kf.sensor }

// Calibration returns the intrinsics/baseline.
func (kf *KeyFrame) Calibration() Calibration { return kf.calib }

// NumKeyPoints returns the number of keypoints (and the parallel-array length
// invariant all other arrays must satisfy).
func (kf *KeyFrame) NumKeyPoints() int { return len(kf.keypoints) }

// KeyPointAt returns keypoint i.
func (kf *KeyFrame) KeyPointAt(i int) KeyPoint { return kf.keypoints[i] }

// DescriptorAt returns the descriptor at index idx.
func (kf *KeyFrame) DescriptorAt(idx int) (Descriptor, bool) {
	if idx < 0 || idx >= len(kf.descriptors) {
		return Descriptor{}, false
	}
	return kf.descriptors[idx], true
}

// OctaveAt returns the scale-pyramid octave of keypoint idx.
func (kf *KeyFrame) OctaveAt(idx int) (int, bool) {
	if idx < 0 || idx >= len(kf.keypoints) {
		return 0, false
	}
	return kf.keypoints[idx].Octave, true
}

// ScaleFactor returns the scale factor for the given octave.
func (kf *KeyFrame) ScaleFactor(octave int) float64 { return kf.scale.At(octave) }

// NumScaleLevels returns the scale-pyramid depth.
func (kf *KeyFrame) NumScaleLevels() int { return kf.scale.NumLevels() }

// BoW returns the bag-of-words vector and feature vector.
func (kf *KeyFrame) BoW() (BowVector, FeatureVector) {
	kf.bowMu.Lock()
	defer kf.bowMu.Unlock()
	return kf.bow, kf.featVec
}

// ---- Pose ----

func (kf *KeyFrame) setPoseLocked(t *pose.SE3) {
	kf.tcw = t.Clone()
	kf.twc = t.Inverse()
}

// SetPose stores Tcw and derives Twc under the pose lock.
func (kf *KeyFrame) SetPose(t *pose.SE3) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	kf.setPoseLocked(t)
}

// GetPose returns a copy of Tcw.
func (kf *KeyFrame) GetPose() *pose.SE3 {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.tcw.Clone()
}

// GetPoseInverse returns a copy of Twc.
func (kf *KeyFrame) GetPoseInverse() *pose.SE3 {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.twc.Clone()
}

// CameraCenter returns Ow, the camera center in world coordinates.
func (kf *KeyFrame) CameraCenter() (float64, float64, float64) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	return kf.twc.TransformPoint(0, 0, 0)
}

// GetStereoCenter returns Cw, the stereo baseline midpoint, for visualization.
func (kf *KeyFrame) GetStereoCenter() (float64, float64, float64) {
	kf.poseMu.Lock()
	defer kf.poseMu.Unlock()
	halfBaseline := kf.calib.Baseline / 2
	return kf.twc.TransformPoint(halfBaseline, 0, 0)
}

// ---- Covisibility ----

// AddConnection upserts the weight to neighbor kfID and rebuilds the ordered view.
// On the first call for a freshly created keyframe, the heaviest neighbor becomes
// the spanning-tree parent.
func (kf *KeyFrame) AddConnection(kfID uint64, weight int) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.addConnectionLocked(kfID, weight)
}

func (kf *KeyFrame) addConnectionLocked(kfID uint64, weight int) {
	if w, ok := kf.weights[kfID]; ok && w == weight {
		return
	}
	kf.weights[kfID] = weight
	kf.rebuildOrderedLocked()
	kf.maybeAdoptParentLocked()
}

// EraseConnection removes any edge to kfID.
func (kf *KeyFrame) EraseConnection(kfID uint64) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	if _, ok := kf.weights[kfID]; ok {
		delete(kf.weights, kfID)
		kf.rebuildOrderedLocked()
	}
}

func (kf *KeyFrame) rebuildOrderedLocked() {
	ordered := make([]uint64, 0, len(kf.weights))
	for id := range kf.weights {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		wi, wj := kf.weights[ordered[i]], kf.weights[ordered[j]]
		if wi != wj {
			return wi > wj
		}
		return ordered[i] < ordered[j]
	})
	kf.ordered = ordered
}

func (kf *KeyFrame) maybeAdoptParentLocked() {
	if kf.firstConn || kf.id == 0 || len(kf.ordered) == 0 {
		return
	}
	kf.firstConn = true
	parentID := kf.ordered[0]
	kf.parentID = parentID
	kf.hasParent = true
	if parent, ok := kf.owner.KeyFrame(parentID); ok {
		parent.AddChild(kf.id)
	}
}

// UpdateConnections recomputes every covisibility edge from scratch by counting, for
// each map point this keyframe observes, every other non-bad keyframe that also
// observes it. Edges with weight >= 15 are kept; if none reach 15, the single
// heaviest edge is kept regardless.
func (kf *KeyFrame) UpdateConnections() {
	counts := make(map[uint64]int)
	for _, mpID := range kf.mapPointSnapshot() {
		mp, ok := kf.owner.MapPoint(mpID)
		if !ok || mp.IsBad() {
			continue
		}
		for otherID := range mp.Observations() {
			if otherID == kf.id {
				continue
			}
			other, ok := kf.owner.KeyFrame(otherID)
			if !ok || other.IsBad() {
				continue
			}
			counts[otherID]++
		}
	}

	const minWeight = 15
	kept := make(map[uint64]int)
	bestID := uint64(0)
	bestWeight := -1
	haveBest := false
	for id, w := range counts {
		if w >= minWeight {
			kept[id] = w
		}
		if !haveBest || w > bestWeight || (w == bestWeight && id < bestID) {
			bestID, bestWeight, haveBest = id, w, true
		}
	}
	if len(kept) == 0 && haveBest {
		kept[bestID] = bestWeight
	}

	kf.connMu.Lock()
	kf.weights = kept
	kf.rebuildOrderedLocked()
	kf.maybeAdoptParentLocked()
	kf.connMu.Unlock()
	for id := range kept {
		if other, ok := kf.owner.KeyFrame(id); ok {
			other.AddConnection(kf.id, kept[id])
		}
	}
}

// ConnectedKeyFrames returns the set of covisible neighbor ids.
func (kf *KeyFrame) ConnectedKeyFrames() []uint64 {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	out := make([]uint64, len(kf.ordered))
	copy(out, kf.ordered)
	return out
}

// CovisiblesByWeight returns the ordered view truncated at the first edge with
// weight < w.
func (kf *KeyFrame) CovisiblesByWeight(w int) []uint64 {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	var out []uint64
	for _, id := range kf.ordered {
		if kf.weights[id] < w {
			break
		}
		out = append(out, id)
	}
	return out
}

// BestN returns the first N of the ordered covisibility view.
func (kf *KeyFrame) BestN(n int) []uint64 {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	if n > len(kf.ordered) {
		n = len(kf.ordered)
	}
	out := make([]uint64, n)
	copy(out, kf.ordered[:n])
	return out
}

// Weight returns the covisibility weight to kfID, 0 if absent.
func (kf *KeyFrame) Weight(kfID uint64) int {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	return kf.weights[kfID]
}

// ---- Spanning tree ----

// AddChild adds childID to this keyframe's child set.
func (kf *KeyFrame) AddChild(childID uint64) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.children[childID] = true
}

// EraseChild removes childID from the child set.
func (kf *KeyFrame) EraseChild(childID uint64) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	delete(kf.children, childID)
}

// ChangeParent sets a new spanning-tree parent, updating both endpoints.
func (kf *KeyFrame) ChangeParent(parentID uint64) {
	kf.connMu.Lock()
	oldParent, hadParent := kf.parentID, kf.hasParent
	kf.parentID = parentID
	kf.hasParent = true
	kf.connMu.Unlock()

	if hadParent && oldParent != parentID {
		if old, ok := kf.owner.KeyFrame(oldParent); ok {
			old.EraseChild(kf.id)
		}
	}
	if parent, ok := kf.owner.KeyFrame(parentID); ok {
		parent.AddChild(kf.id)
	}
}

// GetParent returns the spanning-tree parent id, and false once this is the root.
func (kf *KeyFrame) GetParent() (uint64, bool) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	return kf.parentID, kf.hasParent
}

// GetChildren returns the spanning-tree child set.
func (kf *KeyFrame) GetChildren() []uint64 {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	out := make([]uint64, 0, len(kf.children))
	for id := range kf.children {
		out = append(out, id)
	}
	return out
}

// HasChild reports whether id is a spanning-tree child of this keyframe.
func (kf *KeyFrame) HasChild(id uint64) bool {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	return kf.children[id]
}

// ---- Loop edges ----

// AddLoopEdge marks this keyframe non-erasable and records a loop edge to kfID.
func (kf *KeyFrame) AddLoopEdge(kfID uint64) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	kf.erase = stateNotErase
	kf.loopEdges[kfID] = true
}

// GetLoopEdges returns the loop-edge set.
func (kf *KeyFrame) GetLoopEdges() []uint64 {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	out := make([]uint64, 0, len(kf.loopEdges))
	for id := range kf.loopEdges {
		out = append(out, id)
	}
	return out
}

// ---- Map-point association ----

// AddMapPoint associates mpID with keypoint idx.
func (kf *KeyFrame) AddMapPoint(mpID uint64, idx int) {
	kf.featuresMu.Lock()
	defer kf.featuresMu.Unlock()
	kf.mapPointIDs[idx] = int64(mpID)
	kf.hasMapPoint[idx] = true
}

// EraseMapPointMatch removes the association at idx, if any.
func (kf *KeyFrame) EraseMapPointMatch(idx int) {
	kf.featuresMu.Lock()
	defer kf.featuresMu.Unlock()
	kf.hasMapPoint[idx] = false
	kf.mapPointIDs[idx] = -1
}

// eraseMapPointMatchIfSame removes the association at idx only if it still points to
// mpID, avoiding clobbering a match that was replaced concurrently.
func (kf *KeyFrame) eraseMapPointMatchIfSame(idx int, mpID uint64) {
	kf.featuresMu.Lock()
	defer kf.featuresMu.Unlock()
	if idx < 0 || idx >= len(kf.mapPointIDs) {
		return
	}
	if kf.hasMapPoint[idx] && uint64(kf.mapPointIDs[idx]) == mpID {
		kf.hasMapPoint[idx] = false
		kf.mapPointIDs[idx] = -1
	}
}

// ReplaceMapPointMatch overwrites the association at idx with mp's id.
func (kf *KeyFrame) ReplaceMapPointMatch(idx int, mp *MapPoint) {
	kf.featuresMu.Lock()
	defer kf.featuresMu.Unlock()
	kf.mapPointIDs[idx] = int64(mp.ID())
	kf.hasMapPoint[idx] = true
}

// hasMapPointAssoc reports whether mpID is currently associated with any keypoint.
func (kf *KeyFrame) hasMapPointAssoc(mpID uint64) bool {
	kf.featuresMu.Lock()
	defer kf.featuresMu.Unlock()
	for i, has := range kf.hasMapPoint {
		if has && uint64(kf.mapPointIDs[i]) == mpID {
			return true
		}
	}
	return false
}

func (kf *KeyFrame) mapPointSnapshot() []uint64 {
	kf.featuresMu.Lock()
	defer kf.featuresMu.Unlock()
	out := make([]uint64, 0, len(kf.mapPointIDs))
	for i, has := range kf.hasMapPoint {
		if has {
			out = append(out, uint64(kf.mapPointIDs[i]))
		}
	}
	return out
}

// MapPointAt returns the map point id associated with keypoint idx.
func (kf *KeyFrame) MapPointAt(idx int) (uint64, bool) {
	kf.featuresMu.Lock()
	defer kf.featuresMu.Unlock()
	if idx < 0 || idx >= len(kf.mapPointIDs) || !kf.hasMapPoint[idx] {
		return 0, false
	}
	return uint64(kf.mapPointIDs[idx]), true
}

// MapPointSlot is one entry of a keyframe's parallel map-point association array.
type MapPointSlot struct {
	ID      uint64
	Present bool
}

// MapPoints returns the full parallel array of (present, id) pairs.
func (kf *KeyFrame) MapPoints() []MapPointSlot {
	kf.featuresMu.Lock()
	defer kf.featuresMu.Unlock()
	out := make([]MapPointSlot, len(kf.mapPointIDs))
	for i := range kf.mapPointIDs {
		out[i].Present = kf.hasMapPoint[i]
		if out[i].Present {
			out[i].ID = uint64(kf.mapPointIDs[i])
		}
	}
	return out
}

// MapPointsSet returns the deduplicated set of associated map-point ids.
func (kf *KeyFrame) MapPointsSet() []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	for _, id := range kf.mapPointSnapshot() {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// TrackedMapPoints counts associated, non-bad map points whose observation count is
// >= minObs.
func (kf *KeyFrame) TrackedMapPoints(minObs int) int {
	n := 0
	for _, mpID := range kf.mapPointSnapshot() {
		mp, ok := kf.owner.MapPoint(mpID)
		if !ok || mp.IsBad() {
			continue
		}
		if minObs <= 0 || mp.ObservationCount() >= minObs {
			n++
		}
	}
	return n
}

// ---- Grid / stereo ----

// FeaturesInArea returns indices of undistorted keypoints within the square of side
// 2r centered at (x, y).
func (kf *KeyFrame) FeaturesInArea(x, y, r float64) []int {
	candidates := kf.grid.query(x, y, r)
	out := make([]int, 0, len(candidates))
	for _, idx := range candidates {
		kp := kf.keypoints[idx]
		if kp.X >= x-r && kp.X <= x+r && kp.Y >= y-r && kp.Y <= y+r {
			out = append(out, idx)
		}
	}
	return out
}

// UnprojectStereo returns the 3-D world point for keypoint i when depth[i] > 0.
func (kf *KeyFrame) UnprojectStereo(i int) (x, y, z float64, ok bool) {
	if i < 0 || i >= len(kf.depth) || kf.depth[i] <= 0 {
		return 0, 0, 0, false
	}
	d := kf.depth[i]
	kp := kf.keypoints[i]
	camX := (kp.X - kf.calib.Cx) * d * kf.calib.InvFx
	camY := (kp.Y - kf.calib.Cy) * d * kf.calib.InvFy
	camZ := d

	kf.poseMu.Lock()
	twc := kf.twc
	kf.poseMu.Unlock()
	wx, wy, wz := twc.TransformPoint(camX, camY, camZ)
	return wx, wy, wz, true
}

// DepthAt returns the depth/stereo value at index i (negative if absent).
func (kf *KeyFrame) DepthAt(i int) float64 {
	if i < 0 || i >= len(kf.depth) {
		return -1
	}
	return kf.depth[i]
}

// ---- Bad-flag state machine ----

// SetNotErase transitions alive -> notErase.
func (kf *KeyFrame) SetNotErase() {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	if kf.erase == stateAlive {
		kf.erase = stateNotErase
	}
}

// SetErase transitions notErase -> alive when there are no loop edges, proceeding to
// SetBadFlag if a pending-erase was recorded while not_erase. Loop-edged keyframes
// remain not_erase.
func (kf *KeyFrame) SetErase() {
	kf.connMu.Lock()
	if len(kf.loopEdges) > 0 {
		kf.connMu.Unlock()
		return
	}
	wasPending := kf.erase == statePendingErase
	kf.erase = stateAlive
	kf.connMu.Unlock()

	if wasPending {
		kf.SetBadFlag()
	}
}

// IsBad reports whether this keyframe has been marked bad.
func (kf *KeyFrame) IsBad() bool {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	return kf.erase == stateBad
}

// SetBadFlag is a no-op on keyframe id 0 (the map's first, immune keyframe). If
// currently not_erase, records pending_erase and returns. Otherwise it splices this
// keyframe out of the covisibility graph and every map point's observation set,
// snapshots Tcp, re-parents children, and marks bad.
func (kf *KeyFrame) SetBadFlag() {
	if kf.id == 0 {
		return
	}

	kf.connMu.Lock()
	if kf.erase == stateNotErase {
		kf.erase = statePendingErase
		kf.connMu.Unlock()
		return
	}
	if kf.erase == stateBad {
		kf.connMu.Unlock()
		return
	}
	neighbors := append([]uint64(nil), kf.ordered...)
	parentID, hasParent := kf.parentID, kf.hasParent
	children := make(map[uint64]bool, len(kf.children))
	for id := range kf.children {
		children[id] = true
	}
	kf.connMu.Unlock()

	for _, nID := range neighbors {
		if n, ok := kf.owner.KeyFrame(nID); ok {
			n.EraseConnection(kf.id)
		}
	}

	obsWeight := 1
	if kf.sensor.HasDepth() {
		obsWeight = 2
	}
	for _, mpID := range kf.mapPointSnapshot() {
		if mp, ok := kf.owner.MapPoint(mpID); ok {
			mp.EraseObservation(kf.id, obsWeight)
		}
	}

	if hasParent {
		if parent, ok := kf.owner.KeyFrame(parentID); ok {
			kf.poseMu.Lock()
			tcw := kf.tcw
			kf.poseMu.Unlock()
			parentTwc := parent.GetPoseInverse()
			kf.connMu.Lock()
			kf.tcp = tcw.Mul(parentTwc)
			kf.connMu.Unlock()
		}
	}

	reparentChildren(kf.owner, children, parentID, hasParent)

	kf.connMu.Lock()
	kf.erase = stateBad
	kf.connMu.Unlock()

	kf.owner.EraseKeyFrame(kf.id)
}

// reparentChildren implements the re-parenting algorithm: repeatedly pick, among
// candidates = (remaining children) union {original parent, if any}, the
// (child, candidate) pair with the highest covisibility weight; make candidate the
// child's new parent and add it to the candidate pool. Any children left over once no
// further pair exists adopt the original parent directly.
func reparentChildren(m *Map, children map[uint64]bool, origParentID uint64, hasOrigParent bool) {
	remaining := make(map[uint64]bool, len(children))
	for id := range children {
		remaining[id] = true
	}
	candidates := make(map[uint64]bool)
	if hasOrigParent {
		candidates[origParentID] = true
	}

	for len(remaining) > 0 {
		bestChild, bestCandidate := uint64(0), uint64(0)
		bestWeight := -1
		found := false

		childIDs := sortedKeys(remaining)
		for _, childID := range childIDs {
			child, ok := m.KeyFrame(childID)
			if !ok {
				continue
			}
			candIDs := sortedKeys(candidates)
			for _, candID := range candIDs {
				w := child.Weight(candID)
				if w == 0 {
					continue
				}
				if !found || w > bestWeight ||
					(w == bestWeight && (childID < bestChild || (childID == bestChild && candID < bestCandidate))) {
					bestChild, bestCandidate, bestWeight, found = childID, candID, w, true
				}
			}
		}

		if !found {
			break
		}
		if child, ok := m.KeyFrame(bestChild); ok {
			child.ChangeParent(bestCandidate)
		}
		candidates[bestChild] = true
		delete(remaining, bestChild)
	}

	for childID := range remaining {
		if !hasOrigParent {
			continue
		}
		if child, ok := m.KeyFrame(childID); ok {
			child.ChangeParent(origParentID)
		}
	}
}

func sortedKeys(m map[uint64]bool) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TcpSnapshot returns the pose-relative-to-parent captured at the moment this
// keyframe was marked bad, if any.
func (kf *KeyFrame) TcpSnapshot() (*pose.SE3, bool) {
	kf.connMu.Lock()
	defer kf.connMu.Unlock()
	if kf.tcp == nil {
		return nil, false
	}
	return kf.tcp.Clone(), true
}
