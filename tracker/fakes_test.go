package tracker

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/orbvision/slamtrack/collab"
	"github.com/orbvision/slamtrack/pose"
	"github.com/orbvision/slamtrack/slammap"
)

// fakeExtractor returns the same fixed keypoint/descriptor set on every call,
// regardless of input image.
type fakeExtractor struct {
	keypoints   []slammap.KeyPoint
	descriptors []slammap.Descriptor
	err         error
}

func (e *fakeExtractor) Extract(ctx context.Context, image interface{}) ([]slammap.KeyPoint, []slammap.Descriptor, error) {
	if e.err != nil {
		return nil, nil, e.err
	}
	return append([]slammap.KeyPoint(nil), e.keypoints...), append([]slammap.Descriptor(nil), e.descriptors...), nil
}

// fakeVocabulary assigns every descriptor to a single vocabulary-tree node, which is
// sufficient to exercise matchByBoW's shared-node restriction in tests that don't care
// about vocabulary clustering itself.
type fakeVocabulary struct{}

func (fakeVocabulary) Transform(descriptors []slammap.Descriptor) (slammap.BowVector, slammap.FeatureVector, error) {
	featVec := slammap.FeatureVector{}
	idxs := make([]int, len(descriptors))
	for i := range descriptors {
		idxs[i] = i
	}
	featVec[0] = idxs
	return slammap.BowVector{0: float64(len(descriptors))}, featVec, nil
}

// fakeDatabase records inserted keyframes and returns a pre-configured candidate list
// for relocalization queries.
type fakeDatabase struct {
	added      []*slammap.KeyFrame
	relocCands []*slammap.KeyFrame
	relocErr   error
}

func (d *fakeDatabase) Add(kf *slammap.KeyFrame)    { d.added = append(d.added, kf) }
func (d *fakeDatabase) Erase(kf *slammap.KeyFrame)  {}
func (d *fakeDatabase) Clear()                      { d.added = nil }
func (d *fakeDatabase) DetectRelocalizationCandidates(f *slammap.Frame) ([]*slammap.KeyFrame, error) {
	if d.relocErr != nil {
		return nil, d.relocErr
	}
	return d.relocCands, nil
}
func (d *fakeDatabase) DetectLoopCandidates(kf *slammap.KeyFrame, minScore float64) ([]*slammap.KeyFrame, error) {
	return nil, nil
}

// fakeInitializer returns a pre-configured two-view result.
type fakeInitializer struct {
	result *collab.InitializationResult
	err    error
}

func (i *fakeInitializer) Initialize(ref, cur *slammap.Frame, matches []int) (*collab.InitializationResult, error) {
	return i.result, i.err
}

// fakeOptimizer's PoseOptimization marks the associated keypoint indices listed in
// outliers as outliers and reports the count of the remaining associations.
type fakeOptimizer struct {
	poseErr  error
	gbaErr   error
	outliers map[int]bool // keypoint indices to mark as outliers on the next PoseOptimization call
}

func (o *fakeOptimizer) PoseOptimization(f *slammap.Frame) (int, error) {
	if o.poseErr != nil {
		return 0, o.poseErr
	}
	n := 0
	for i := 0; i < f.NumKeyPoints(); i++ {
		if _, ok := f.MapPointAt(i); !ok {
			continue
		}
		if o.outliers[i] {
			f.SetOutlier(i, true)
			continue
		}
		n++
	}
	return n, nil
}

func (o *fakeOptimizer) GlobalBundleAdjustment(m *slammap.Map, iterations int) error {
	return o.gbaErr
}

// fakeLocalMapping is a no-op background worker stand-in; AcceptKeyFrames defaults to
// true so needNewKeyFrame's c1a/c1b tail logic can be exercised directly.
type fakeLocalMapping struct {
	accept       bool
	stopped      bool
	stopReq      bool
	queueLen     int
	inserted     []*slammap.KeyFrame
	resetCalls   int
	interruptCnt int
}

func (l *fakeLocalMapping) InsertKeyFrame(kf *slammap.KeyFrame) { l.inserted = append(l.inserted, kf) }
func (l *fakeLocalMapping) IsStopped() bool                     { return l.stopped }
func (l *fakeLocalMapping) StopRequested() bool                 { return l.stopReq }
func (l *fakeLocalMapping) AcceptKeyFrames() bool                { return l.accept }
func (l *fakeLocalMapping) KeyFramesInQueue() int                { return l.queueLen }
func (l *fakeLocalMapping) SetNotStop(v bool) bool               { return true }
func (l *fakeLocalMapping) InterruptBA()                         { l.interruptCnt++ }
func (l *fakeLocalMapping) RequestReset()                        { l.resetCalls++ }

type fakeLoopClosing struct {
	inserted   []*slammap.KeyFrame
	resetCalls int
}

func (l *fakeLoopClosing) InsertKeyFrame(kf *slammap.KeyFrame) { l.inserted = append(l.inserted, kf) }
func (l *fakeLoopClosing) RequestReset()                       { l.resetCalls++ }

// fakePnPSolver returns a pre-configured result on its first Iterate call.
type fakePnPSolver struct {
	result collab.PnPResult
}

func (s *fakePnPSolver) SetRansacParameters(p collab.RansacParams) {}
func (s *fakePnPSolver) Iterate(n int) collab.PnPResult            { return s.result }

type fakePnPFactory struct {
	solver *fakePnPSolver
}

func (f *fakePnPFactory) NewSolver(fr *slammap.Frame, matchedMapPointIDs []uint64) collab.PnPSolver {
	return f.solver
}

// fakeStereoMatcher reports a fixed disparity for every keypoint, regardless of
// descriptor, so UnprojectStereo always triangulates to a finite positive depth.
type fakeStereoMatcher struct {
	disparity float64
}

func (m fakeStereoMatcher) MatchRight(kp slammap.KeyPoint, desc slammap.Descriptor) (float64, bool) {
	return kp.X - m.disparity, true
}

func baseCollaborators() Collaborators {
	return Collaborators{
		Extractor:    &fakeExtractor{},
		Vocabulary:   fakeVocabulary{},
		Database:     &fakeDatabase{},
		Initializer:  &fakeInitializer{},
		PnPFactory:   &fakePnPFactory{solver: &fakePnPSolver{}},
		Optimizer:    &fakeOptimizer{},
		LocalMapping: &fakeLocalMapping{accept: true},
		LoopClosing:  &fakeLoopClosing{},
	}
}

func baseConfig(sensor slammap.Sensor) Config {
	return Config{
		Sensor: sensor,
		Camera: CameraConfig{
			Fx: 100, Fy: 100, Cx: 50, Cy: 50,
			Bf:  20,
			FPS: 30,
		},
		ThDepth: 40,
		ORBExtractor: ORBExtractorConfig{
			NFeatures: 500, ScaleFactor: 1.2, NLevels: 8,
		},
	}
}

// gridKeypoints generates n keypoints spread over a grid so they land in distinct
// spatial-grid cells (needed for FeaturesInArea-based matching to find them) and n
// distinct descriptors, each differing from its neighbor by one bit so Hamming-distance
// matching has a clear nearest neighbor.
func gridKeypoints(n int) ([]slammap.KeyPoint, []slammap.Descriptor) {
	kps := make([]slammap.KeyPoint, n)
	descs := make([]slammap.Descriptor, n)
	for i := 0; i < n; i++ {
		kps[i] = slammap.KeyPoint{X: float64(10 + (i%20)*30), Y: float64(10 + (i/20)*30), Octave: 0}
		var d slammap.Descriptor
		d[0] = byte(i)
		d[1] = byte(i >> 8)
		descs[i] = d
	}
	return kps, descs
}

// poseAt returns an identity-rotation pose translated to (x, y, z).
func poseAt(x, y, z float64) *pose.SE3 {
	r := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	t := mat.NewDense(3, 1, []float64{x, y, z})
	out, _ := pose.NewFromRT(r, t)
	return out
}
