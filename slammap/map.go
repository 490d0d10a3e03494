package slammap

import (
	"sync"

	"go.uber.org/atomic"
)

// Map owns the set of keyframes and map points belonging to one SLAM session. It
// serializes structural mutation behind a single coarse mutex (mapUpdate); callers
// that need a coherent snapshot of the graph take it too. Cross-references between
// keyframes and map points are ids resolved back through this Map (see KeyFrame/
// MapPoint handle semantics), not raw pointers captured outside of it.
type Map struct {
	mapUpdate sync.Mutex

	nextKeyFrameID atomic.Uint64
	nextMapPointID atomic.Uint64
	nextFrameID    atomic.Uint64

	keyFrames map[uint64]*KeyFrame
	mapPoints map[uint64]*MapPoint

	referenceMapPoints []uint64
	keyFrameOrigins    []uint64

	changeIndex atomic.Uint64
}

// NewMap constructs an empty map.
func NewMap() *Map {
	return &Map{
		keyFrames: make(map[uint64]*KeyFrame),
		mapPoints: make(map[uint64]*MapPoint),
	}
}

// Lock acquires the coarse map_update mutex. The tracker holds this for an entire
// Track iteration; background workers hold it while mutating keyframes/map points.
func (m *Map) Lock() {
	m.mapUpdate.Lock()
}

// Unlock releases the coarse map_update mutex.
func (m *Map) Unlock() {
	m.mapUpdate.Unlock()
}

// NextFrameID returns the next monotonic frame id.
func (m *Map) NextFrameID() uint64 {
	return m.nextFrameID.Inc() - 1
}

// NextKeyFrameID returns the next monotonic keyframe id.
func (m *Map) NextKeyFrameID() uint64 {
	return m.nextKeyFrameID.Inc() - 1
}

// NextMapPointID returns the next monotonic map-point id.
func (m *Map) NextMapPointID() uint64 {
	return m.nextMapPointID.Inc() - 1
}

// AddKeyFrame inserts a keyframe into the map. Callers must hold Lock.
func (m *Map) AddKeyFrame(kf *KeyFrame) {
	m.keyFrames[kf.ID()] = kf
	if len(m.keyFrameOrigins) == 0 {
		m.keyFrameOrigins = append(m.keyFrameOrigins, kf.ID())
	}
	m.changeIndex.Inc()
}

// EraseKeyFrame removes a keyframe from the map's ownership. Callers must hold Lock.
func (m *Map) EraseKeyFrame(id uint64) {
	delete(m.keyFrames, id)
	m.changeIndex.Inc()
}

// KeyFrame resolves a handle to a live keyframe. The bool is false if the id was
// never known or has since been erased from the map (the "handle + validity check"
// weak-reference pattern).
func (m *Map) KeyFrame(id uint64) (*KeyFrame, bool) {
	kf, ok := m.keyFrames[id]
	return kf, ok
}

// KeyFrames returns a snapshot slice of every keyframe currently owned by the map.
// Callers must hold Lock (or accept a torn read, which no exported caller does).
func (m *Map) KeyFrames() []*KeyFrame {
	out := make([]*KeyFrame, 0, len(m.keyFrames))
	for _, kf := range m.keyFrames {
		out = append(out, kf)
	}
	return out
}

// NumKeyFrames returns the count of owned keyframes.
func (m *Map) NumKeyFrames() int {
	return len(m.keyFrames)
}

// AddMapPoint inserts a map point into the map. Callers must hold Lock.
func (m *Map) AddMapPoint(mp *MapPoint) {
	m.mapPoints[mp.ID()] = mp
	m.changeIndex.Inc()
}

// EraseMapPoint removes a map point from the map's ownership. Callers must hold Lock.
func (m *Map) EraseMapPoint(id uint64) {
	delete(m.mapPoints, id)
	m.changeIndex.Inc()
}

// MapPoint resolves a handle to a live map point.
func (m *Map) MapPoint(id uint64) (*MapPoint, bool) {
	mp, ok := m.mapPoints[id]
	return mp, ok
}

// MapPoints returns a snapshot slice of every map point currently owned by the map.
func (m *Map) MapPoints() []*MapPoint {
	out := make([]*MapPoint, 0, len(m.mapPoints))
	for _, mp := range m.mapPoints {
		out = append(out, mp)
	}
	return out
}

// NumMapPoints returns the count of owned map points.
func (m *Map) NumMapPoints() int {
	return len(m.mapPoints)
}

// SetReferenceMapPoints records the purely-informational "reference" subset used for
// rendering; it has no effect on tracking.
func (m *Map) SetReferenceMapPoints(ids []uint64) {
	m.referenceMapPoints = append([]uint64(nil), ids...)
}

// ReferenceMapPoints returns the last-set reference subset.
func (m *Map) ReferenceMapPoints() []uint64 {
	return append([]uint64(nil), m.referenceMapPoints...)
}

// ChangeIndex returns a counter that increments on every structural mutation; callers
// can use it to detect whether a cached local-map snapshot is stale.
func (m *Map) ChangeIndex() uint64 {
	return m.changeIndex.Load()
}

// Clear deletes every owned keyframe and map point and resets the keyframe, map-point
// and frame id generators, as happens on a full system reset.
func (m *Map) Clear() {
	m.keyFrames = make(map[uint64]*KeyFrame)
	m.mapPoints = make(map[uint64]*MapPoint)
	m.referenceMapPoints = nil
	m.keyFrameOrigins = nil
	m.nextKeyFrameID.Store(0)
	m.nextMapPointID.Store(0)
	m.nextFrameID.Store(0)
	m.changeIndex.Inc()
}
