package slammap

import (
	"math"

	"github.com/orbvision/slamtrack/pose"
)

// FrustumPrediction is filled in by IsInFrustum on success and consumed by
// projection-based matchers.
type FrustumPrediction struct {
	U, V          float64
	PredictedOctave int
	ViewCos       float64
}

// Frame is a transient per-image record: it lives for one tracker iteration plus one
// more (retained as "last frame"). Unlike KeyFrame/MapPoint it is only ever touched
// from the tracker's own goroutine, so it carries no internal locking.
type Frame struct {
	id        uint64
	timestamp float64
	sensor    Sensor
	calib     Calibration
	scale     ScalePyramid

	keypoints   []KeyPoint
	descriptors []Descriptor
	uRight      []float64
	depth       []float64
	grid        *grid

	bow     BowVector
	featVec FeatureVector

	tcw      *pose.SE3
	hasPose  bool

	mapPointIDs []int64
	hasMapPoint []bool
	outlier     []bool

	referenceKFID uint64
	hasReference  bool

	predictions map[uint64]FrustumPrediction
}

// NewFrame constructs a transient frame from already-extracted feature data.
func NewFrame(
	m *Map,
	timestamp float64,
	sensor Sensor,
	calib Calibration,
	scale ScalePyramid,
	keypoints []KeyPoint,
	descriptors []Descriptor,
	uRight []float64,
	depth []float64,
	minX, maxX, minY, maxY float64,
) *Frame {
	n := len(keypoints)
	mapPointIDs := make([]int64, n)
	hasMP := make([]bool, n)
	outlier := make([]bool, n)
	for i := range mapPointIDs {
		mapPointIDs[i] = -1
	}

	g := newGrid(minX, maxX, minY, maxY)
	for i, kp := range keypoints {
		g.insert(i, kp.X, kp.Y)
	}

	return &Frame{
		id:          m.NextFrameID(),
		timestamp:   timestamp,
		sensor:      sensor,
		calib:       calib,
		scale:       scale,
		keypoints:   keypoints,
		descriptors: descriptors,
		uRight:      uRight,
		depth:       depth,
		grid:        g,
		mapPointIDs: mapPointIDs,
		hasMapPoint: hasMP,
		outlier:     outlier,
		predictions: make(map[uint64]FrustumPrediction),
	}
}

// ID returns the frame's monotonic id.
func (f *Frame) ID() uint64 { return f.id }

// Timestamp returns the capture timestamp.
func (f *Frame) Timestamp() float64 { return f.timestamp }

// Sensor returns the camera modality.
func (f *Frame) Sensor() Sensor { return f.sensor }

// Calibration returns the intrinsics/baseline.
func (f *Frame) Calibration() Calibration { return f.calib }

// ScaleFactor returns the pyramid scale factor at octave, clamped to valid levels.
func (f *Frame) ScaleFactor(octave int) float64 { return f.scale.At(octave) }

// NumKeyPoints returns the number of keypoints.
func (f *Frame) NumKeyPoints() int { return len(f.keypoints) }

// KeyPointAt returns keypoint i.
func (f *Frame) KeyPointAt(i int) KeyPoint { return f.keypoints[i] }

// DescriptorAt returns the descriptor at index idx.
func (f *Frame) DescriptorAt(idx int) (Descriptor, bool) {
	if idx < 0 || idx >= len(f.descriptors) {
		return Descriptor{}, false
	}
	return f.descriptors[idx], true
}

// DepthAt returns the depth/stereo value at index i (negative if absent).
func (f *Frame) DepthAt(i int) float64 {
	if i < 0 || i >= len(f.depth) {
		return -1
	}
	return f.depth[i]
}

// SetPose stores Tcw.
func (f *Frame) SetPose(t *pose.SE3) {
	f.tcw = t.Clone()
	f.hasPose = true
}

// GetPose returns Tcw, and false if never set.
func (f *Frame) GetPose() (*pose.SE3, bool) {
	if !f.hasPose {
		return nil, false
	}
	return f.tcw.Clone(), true
}

// ClearPose marks the pose empty (tracking failed this frame).
func (f *Frame) ClearPose() {
	f.tcw = nil
	f.hasPose = false
}

// HasPose reports whether a pose has been set.
func (f *Frame) HasPose() bool { return f.hasPose }

// SetBoW stores the bag-of-words vector and feature vector, computed lazily by the
// Vocabulary collaborator.
func (f *Frame) SetBoW(bow BowVector, featVec FeatureVector) {
	f.bow = bow
	f.featVec = featVec
}

// BoW returns the bag-of-words vector and feature vector.
func (f *Frame) BoW() (BowVector, FeatureVector) {
	return f.bow, f.featVec
}

// ReferenceKeyFrame returns the keyframe this frame is tracked against.
func (f *Frame) ReferenceKeyFrame() (uint64, bool) {
	return f.referenceKFID, f.hasReference
}

// SetReferenceKeyFrame records the keyframe this frame is tracked against.
func (f *Frame) SetReferenceKeyFrame(kfID uint64) {
	f.referenceKFID = kfID
	f.hasReference = true
}

// MapPointAt returns the map-point id associated with keypoint idx.
func (f *Frame) MapPointAt(idx int) (uint64, bool) {
	if idx < 0 || idx >= len(f.mapPointIDs) || !f.hasMapPoint[idx] {
		return 0, false
	}
	return uint64(f.mapPointIDs[idx]), true
}

// SetMapPoint associates mpID with keypoint idx.
func (f *Frame) SetMapPoint(idx int, mpID uint64) {
	f.mapPointIDs[idx] = int64(mpID)
	f.hasMapPoint[idx] = true
	f.outlier[idx] = false
}

// ClearMapPoint removes the association at idx.
func (f *Frame) ClearMapPoint(idx int) {
	f.mapPointIDs[idx] = -1
	f.hasMapPoint[idx] = false
	f.outlier[idx] = false
}

// IsOutlier reports the outlier flag at idx.
func (f *Frame) IsOutlier(idx int) bool {
	if idx < 0 || idx >= len(f.outlier) {
		return false
	}
	return f.outlier[idx]
}

// SetOutlier sets the outlier flag at idx.
func (f *Frame) SetOutlier(idx int, v bool) {
	f.outlier[idx] = v
}

// NumAssociations returns the count of keypoints currently associated with a map
// point.
func (f *Frame) NumAssociations() int {
	n := 0
	for _, has := range f.hasMapPoint {
		if has {
			n++
		}
	}
	return n
}

// FeaturesInArea returns indices of undistorted keypoints within the square of side
// 2r centered at (x, y), mirroring KeyFrame's grid query.
func (f *Frame) FeaturesInArea(x, y, r float64) []int {
	candidates := f.grid.query(x, y, r)
	out := make([]int, 0, len(candidates))
	for _, idx := range candidates {
		kp := f.keypoints[idx]
		if kp.X >= x-r && kp.X <= x+r && kp.Y >= y-r && kp.Y <= y+r {
			out = append(out, idx)
		}
	}
	return out
}

// IsInFrustum predicts whether mp projects inside the image, lies within its valid
// observation-distance range, and has a viewing angle whose cosine with the stored
// mean direction exceeds cosLimit. On success it records the projection in the
// frame's per-point prediction cache for later retrieval by PredictionFor.
func (f *Frame) IsInFrustum(mp *MapPoint, cosLimit float64) bool {
	if !f.hasPose || mp.IsBad() {
		return false
	}
	px, py, pz := mp.Position()
	camX, camY, camZ := f.tcw.TransformPoint(px, py, pz)
	if camZ <= 0 {
		return false
	}

	u := f.calib.Fx*camX/camZ + f.calib.Cx
	v := f.calib.Fy*camY/camZ + f.calib.Cy
	if u < 0 || u > boundOr(f.imageWidth(), u) || v < 0 || v > boundOr(f.imageHeight(), v) {
		return false
	}

	minDist, maxDist := mp.DistanceRange()
	cx, cy, cz := f.tcw.CameraCenter()
	distFromCam := math.Sqrt(sq(px-cx) + sq(py-cy) + sq(pz-cz))
	if minDist > 0 && (distFromCam < minDist || distFromCam > maxDist) {
		return false
	}

	nx, ny, nz := mp.Normal()
	normLen := math.Sqrt(sq(nx) + sq(ny) + sq(nz))
	if normLen == 0 {
		return false
	}
	viewCos := (((px - cx) * nx) + ((py - cy) * ny) + ((pz - cz) * nz)) / (distFromCam * normLen)
	if viewCos < cosLimit {
		return false
	}

	octave := predictOctave(mp, distFromCam, f.scale)

	f.predictions[mp.ID()] = FrustumPrediction{U: u, V: v, PredictedOctave: octave, ViewCos: viewCos}
	return true
}

// PredictionFor returns the cached frustum prediction for mp, if IsInFrustum last
// succeeded for it.
func (f *Frame) PredictionFor(mpID uint64) (FrustumPrediction, bool) {
	p, ok := f.predictions[mpID]
	return p, ok
}

// imageWidth/imageHeight report the grid's native bounds; frustum checks treat these
// as "unbounded" when zero (i.e. no image-extent validation configured).
func (f *Frame) imageWidth() float64 {
	if f.grid == nil {
		return 0
	}
	return float64(f.grid.cols) / f.grid.invCellWidth
}

func (f *Frame) imageHeight() float64 {
	if f.grid == nil {
		return 0
	}
	return float64(f.grid.rows) / f.grid.invCellHeight
}

func boundOr(bound, fallback float64) float64 {
	if bound <= 0 {
		return fallback
	}
	return bound
}

func predictOctave(mp *MapPoint, dist float64, scale ScalePyramid) int {
	_, maxDist := mp.DistanceRange()
	if maxDist <= 0 || scale.NumLevels() == 0 {
		return 0
	}
	ratio := maxDist / dist
	octave := 0
	for octave < scale.NumLevels()-1 && scale.At(octave+1) <= ratio {
		octave++
	}
	return octave
}

func sq(x float64) float64 { return x * x }
