// Package tracker implements the per-frame pose-estimation state machine: it owns a
// slammap.Map, drives initialization, the three pose-estimation strategies (motion
// model, reference keyframe, relocalization), local-map refinement, and keyframe
// insertion, and hands new keyframes off to the LocalMapping/LoopClosing
// collaborators.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/orbvision/slamtrack/collab"
	"github.com/orbvision/slamtrack/logging"
	"github.com/orbvision/slamtrack/pose"
	"github.com/orbvision/slamtrack/slammap"
	"github.com/orbvision/slamtrack/utils"
)

// inlierAverageWindow sets how many local-map refinements TrackingQuality smooths
// over.
const inlierAverageWindow = 20

// Collaborators bundles every external contract the tracker calls into.
type Collaborators struct {
	Extractor    collab.ORBExtractor
	Vocabulary   collab.Vocabulary
	Database     collab.KeyFrameDatabase
	Initializer  collab.Initializer
	PnPFactory   collab.PnPSolverFactory
	Optimizer    collab.Optimizer
	LocalMapping collab.LocalMapping
	LoopClosing  collab.LoopClosing
}

// Tracker is the per-frame state machine described by the package doc.
type Tracker struct {
	mu sync.Mutex // guards state/voMode for concurrent State()/VOMode() readers

	cfg    Config
	collab Collaborators
	logger logging.Logger

	world *slammap.Map

	state  State
	sensor slammap.Sensor

	localizationOnly bool
	voMode           bool

	hasLastKeyFrame bool
	lastKeyFrameID  uint64

	hasLastRelocID bool
	lastRelocID    uint64

	motionModel    *pose.SE3
	hasMotionModel bool

	currentFrame *slammap.Frame
	lastFrame    *slammap.Frame

	hasReferenceKF bool
	referenceKFID  uint64

	localKeyFrames []uint64
	localPoints    []uint64

	localMapInliers int
	inlierAverage   *utils.RollingAverage

	trajectory []TrajectoryEntry

	// Temporary, per-sensor map points created by UpdateLastFrame: never registered
	// in world (Map.AddMapPoint is never called for them), so world.MapPoint(id)
	// cannot see them; deleted directly at the end of the tracking iteration that
	// created them, bypassing the bad-flag path entirely (see SPEC_FULL.md Design
	// Notes, open question ii).
	tempMapPoints map[uint64]*slammap.MapPoint

	// initializationFrame is the monocular phase-A reference frame, retained across
	// calls until phase B succeeds or is discarded.
	initializationFrame *slammap.Frame
}

// New constructs a Tracker. Configuration or collaborator wiring errors are returned
// here; once construction succeeds, Track returns an error only when building the
// frame fails (feature extraction or vocabulary transform).
func New(cfg Config, collaborators Collaborators, logger logging.Logger) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tracker configuration")
	}
	if collaborators.Extractor == nil || collaborators.Vocabulary == nil ||
		collaborators.Database == nil || collaborators.Optimizer == nil ||
		collaborators.LocalMapping == nil || collaborators.LoopClosing == nil {
		return nil, errors.New("tracker requires extractor, vocabulary, database, optimizer, local mapping, and loop closing collaborators")
	}
	if cfg.Sensor == slammap.Monocular && collaborators.Initializer == nil {
		return nil, errors.New("monocular tracker requires an Initializer collaborator")
	}
	if collaborators.PnPFactory == nil {
		return nil, errors.New("tracker requires a PnPSolverFactory collaborator for relocalization")
	}
	if logger == nil {
		logger = logging.NewBlankLogger("tracker")
	}

	return &Tracker{
		cfg:           cfg,
		collab:        collaborators,
		logger:        logger,
		world:         slammap.NewMap(),
		state:         NoImagesYet,
		sensor:        cfg.Sensor,
		localizationOnly: cfg.LocalizationOnly,
		tempMapPoints: make(map[uint64]*slammap.MapPoint),
		inlierAverage: utils.NewRollingAverage(inlierAverageWindow),
	}, nil
}

// TrackingQuality returns the rolling average of local-map inlier counts over the
// last inlierAverageWindow refinements, a coarse signal for how well tracking is
// currently holding up. Window slots not yet filled count as zero, so the value is
// 0 before the first local-map refinement and is pulled down until the window fills.
func (t *Tracker) TrackingQuality() int {
	return t.inlierAverage.Average()
}

// State returns the current top-level state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Map exposes the owned map, primarily for tests and for wiring LocalMapping/
// LoopClosing implementations that need to mutate it directly.
func (t *Tracker) Map() *slammap.Map { return t.world }

// setState updates the top-level state under the tracker's own mutex (distinct from
// the map's mapUpdate lock: State() is meant to be pollable from another goroutine
// without contending with an in-flight Track call).
func (t *Tracker) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// resolveMapPoint resolves a handle against the temporary registry first, then the
// map, implementing the weak-reference "handle + validity check" pattern for the one
// place temporary, unregistered map points are visible.
func (t *Tracker) resolveMapPoint(id uint64) (*slammap.MapPoint, bool) {
	if mp, ok := t.tempMapPoints[id]; ok {
		return mp, true
	}
	return t.world.MapPoint(id)
}

// deleteTemporaryMapPoints drops every temporary VO map point created this
// iteration and removes their associations from f, bypassing Map/SetBad entirely.
func (t *Tracker) deleteTemporaryMapPoints(f *slammap.Frame) {
	if len(t.tempMapPoints) == 0 {
		return
	}
	for i := 0; i < f.NumKeyPoints(); i++ {
		id, ok := f.MapPointAt(i)
		if !ok {
			continue
		}
		if _, isTemp := t.tempMapPoints[id]; isTemp {
			f.ClearMapPoint(i)
		}
	}
	t.tempMapPoints = make(map[uint64]*slammap.MapPoint)
}

// Track processes one image and returns the estimated Tcw (nil if tracking failed
// and is unrecoverable this frame). It acquires the map's coarse mapUpdate lock for
// its entire duration, per the concurrency model.
func (t *Tracker) Track(ctx context.Context, in Input) (*pose.SE3, error) {
	t.world.Lock()
	defer t.world.Unlock()

	stopSlowLogger := utils.SlowLogger(ctx, "tracking a frame is taking longer than expected",
		"frame_timestamp", fmt.Sprintf("%v", in.Timestamp), t.logger)
	defer stopSlowLogger()

	if t.state == NoImagesYet {
		t.setState(NotInitialized)
	}

	frame, err := t.buildFrame(ctx, in)
	if err != nil {
		return nil, errors.Wrap(err, "building frame")
	}
	t.currentFrame = frame

	if t.state == NotInitialized {
		t.trackInitialization(ctx)
		t.postFrame(frame)
		return t.frameResult(frame)
	}

	t.trackFrame(ctx, frame)
	t.postFrame(frame)
	return t.frameResult(frame)
}

// frameResult returns frame's pose, or nil if tracking failed this frame.
func (t *Tracker) frameResult(f *slammap.Frame) (*pose.SE3, error) {
	if p, ok := f.GetPose(); ok {
		return p, nil
	}
	return nil, nil
}

// postFrame runs the bookkeeping common to every call: trajectory logging, lost/
// reset handling, and promoting currentFrame to lastFrame.
func (t *Tracker) postFrame(f *slammap.Frame) {
	lost := t.state == Lost
	if lost && t.world.NumKeyFrames() <= 5 {
		t.requestSystemReset()
	}

	var tcr *pose.SE3
	var refID uint64
	if p, ok := f.GetPose(); ok {
		if refKFID, hasRef := f.ReferenceKeyFrame(); hasRef {
			if refKF, ok := t.world.KeyFrame(refKFID); ok {
				tcr = p.Mul(refKF.GetPoseInverse())
				refID = refKFID
			}
		}
	}
	t.appendTrajectory(TrajectoryEntry{Tcr: tcr, ReferenceKFID: refID, Timestamp: f.Timestamp(), Lost: lost})

	t.lastFrame = f
}

// requestSystemReset tears down loop closer, local mapper, then clears the map and
// returns the tracker to NoImagesYet, per the cancellation protocol in SPEC_FULL.md.
func (t *Tracker) requestSystemReset() {
	t.collab.LoopClosing.RequestReset()
	t.collab.LocalMapping.RequestReset()
	t.world.Clear()
	t.hasLastKeyFrame = false
	t.hasLastRelocID = false
	t.hasMotionModel = false
	t.hasReferenceKF = false
	t.localKeyFrames = nil
	t.localPoints = nil
	t.initializationFrame = nil
	t.tempMapPoints = make(map[uint64]*slammap.MapPoint)
	t.setState(NoImagesYet)
}

// VOMode reports the localization-only visual-odometry fallback flag.
func (t *Tracker) VOMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.voMode
}
