// Package collab defines the contracts the tracker calls into for everything this
// module treats as an external collaborator: feature extraction, vocabulary lookup,
// keyframe-database queries, two-view initialization, PnP solving, bundle
// adjustment, and the local-mapping/loop-closing background workers. None of these
// are implemented here — the tracker only depends on the interfaces, and tests
// supply injectable fakes (see the tracker package's _test.go files).
package collab

import (
	"context"

	"github.com/orbvision/slamtrack/pose"
	"github.com/orbvision/slamtrack/slammap"
)

// ORBExtractor extracts ORB keypoints and descriptors honoring a scale pyramid.
type ORBExtractor interface {
	Extract(ctx context.Context, image interface{}) ([]slammap.KeyPoint, []slammap.Descriptor, error)
}

// Vocabulary transforms a descriptor set into a bag-of-words vector and a feature
// vector (tree-node id -> descriptor indices assigned there).
type Vocabulary interface {
	Transform(descriptors []slammap.Descriptor) (slammap.BowVector, slammap.FeatureVector, error)
}

// KeyFrameDatabase indexes keyframes by their BoW vector for relocalization and loop
// detection queries.
type KeyFrameDatabase interface {
	Add(kf *slammap.KeyFrame)
	Erase(kf *slammap.KeyFrame)
	Clear()
	DetectRelocalizationCandidates(f *slammap.Frame) ([]*slammap.KeyFrame, error)
	DetectLoopCandidates(kf *slammap.KeyFrame, minScore float64) ([]*slammap.KeyFrame, error)
}

// InitializationResult is the outcome of a successful two-view initialization.
type InitializationResult struct {
	Pose         *pose.SE3
	Points3D     [][3]float64
	Triangulated []bool
}

// Initializer recovers relative pose and a set of triangulated 3-D points from two
// monocular frames and a set of putative 2D matches (index into ref's keypoints ->
// index into cur's keypoints, -1 if unmatched). Used only for monocular bootstrap.
type Initializer interface {
	Initialize(ref, cur *slammap.Frame, matches []int) (*InitializationResult, error)
}

// PnPResult is one RANSAC round's outcome. InlierMask is aligned with the
// matchedMapPointIDs slice passed to PnPSolverFactory.NewSolver, not with the
// frame's own keypoint indices.
type PnPResult struct {
	Pose       *pose.SE3
	HasPose    bool
	NoMore     bool
	InlierMask []bool
	NumInliers int
}

// RansacParams configures a PnPSolver instance.
type RansacParams struct {
	Confidence  float64
	MinInliers  int
	MaxIter     int
	MinSet      int
	InlierRatio float64
	Sigma2      float64
}

// PnPSolver runs RANSAC EPnP against a set of 2D-3D correspondences gathered from one
// relocalization candidate.
type PnPSolver interface {
	SetRansacParameters(p RansacParams)
	Iterate(n int) PnPResult
}

// PnPSolverFactory constructs a PnPSolver seeded with a frame's BoW-matched map
// points.
type PnPSolverFactory interface {
	NewSolver(f *slammap.Frame, matchedMapPointIDs []uint64) PnPSolver
}

// Optimizer runs motion-only and global bundle adjustment.
type Optimizer interface {
	// PoseOptimization refines f's pose against its currently associated map points,
	// marking outliers on f as it goes, and returns the surviving inlier count.
	PoseOptimization(f *slammap.Frame) (nGoodInliers int, err error)
	// GlobalBundleAdjustment refines every non-bad keyframe pose and map-point
	// position in m.
	GlobalBundleAdjustment(m *slammap.Map, iterations int) error
}

// LocalMapping is the contract for the background keyframe-refinement worker.
type LocalMapping interface {
	InsertKeyFrame(kf *slammap.KeyFrame)
	IsStopped() bool
	StopRequested() bool
	AcceptKeyFrames() bool
	KeyFramesInQueue() int
	SetNotStop(v bool) bool
	InterruptBA()
	RequestReset()
}

// LoopClosing is the contract for the background loop-detection worker.
type LoopClosing interface {
	InsertKeyFrame(kf *slammap.KeyFrame)
	RequestReset()
}
