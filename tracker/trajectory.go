package tracker

import "github.com/orbvision/slamtrack/pose"

// TrajectoryEntry is one per-frame trajectory-log record. Absolute poses are
// reconstructed by composing Tcr with ReferenceKeyFrame's *current* Twc, so the log
// stays consistent across loop closures that rewrite keyframe poses.
type TrajectoryEntry struct {
	Tcr           *pose.SE3
	ReferenceKFID uint64
	Timestamp     float64
	Lost          bool
}

func (t *Tracker) appendTrajectory(entry TrajectoryEntry) {
	if entry.Tcr == nil && len(t.trajectory) > 0 {
		last := t.trajectory[len(t.trajectory)-1]
		entry.Tcr = last.Tcr
		entry.ReferenceKFID = last.ReferenceKFID
	}
	t.trajectory = append(t.trajectory, entry)
}

// Trajectory returns a snapshot of the accumulated trajectory log.
func (t *Tracker) Trajectory() []TrajectoryEntry {
	out := make([]TrajectoryEntry, len(t.trajectory))
	copy(out, t.trajectory)
	return out
}
