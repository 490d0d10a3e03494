// Package trackresult defines the sum-type result returned by every pose-estimation
// strategy in the tracker: a strategy either succeeds with an inlier count, or fails
// with a reason. Callers branch on Outcome.IsOk, never on a bare boolean.
package trackresult

// Outcome is the result of one pose-estimation strategy attempt.
type Outcome struct {
	ok      bool
	inliers int
	reason  string
}

// Ok builds a successful outcome carrying the number of inlier map-point matches with
// at least one observation.
func Ok(inliers int) Outcome {
	return Outcome{ok: true, inliers: inliers}
}

// Failed builds a failed outcome carrying a human-readable reason, used for logging.
func Failed(reason string) Outcome {
	return Outcome{ok: false, reason: reason}
}

// IsOk reports whether the strategy succeeded.
func (o Outcome) IsOk() bool {
	return o.ok
}

// Inliers returns the inlier count; only meaningful when IsOk.
func (o Outcome) Inliers() int {
	return o.inliers
}

// Reason returns the failure reason; only meaningful when !IsOk.
func (o Outcome) Reason() string {
	return o.reason
}
