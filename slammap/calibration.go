package slammap

// Calibration holds the pinhole intrinsics and stereo baseline shared by a Frame and
// the KeyFrame created from it.
type Calibration struct {
	Fx, Fy     float64
	Cx, Cy     float64
	InvFx      float64
	InvFy      float64
	Bf         float64 // baseline * fx
	Baseline   float64 // bf / fx
	ThDepth    float64 // close-point depth cutoff = baseline * ThDepth
}

// CloseDepthThreshold returns the depth below which a stereo/RGBD keypoint is
// considered "close" (used by NeedNewKeyFrame and the temporary/permanent map-point
// augmentation passes).
func (c Calibration) CloseDepthThreshold() float64 {
	return c.Baseline * c.ThDepth
}

// ScalePyramid holds the per-octave scale factors used to convert a descriptor's
// octave into geometric distance thresholds.
type ScalePyramid struct {
	ScaleFactors    []float64
	LevelSigma2     []float64
	InvLevelSigma2  []float64
}

// NumLevels returns the pyramid depth.
func (s ScalePyramid) NumLevels() int {
	return len(s.ScaleFactors)
}

// At returns the scale factor for octave, clamped to the valid range.
func (s ScalePyramid) At(octave int) float64 {
	if len(s.ScaleFactors) == 0 {
		return 1
	}
	if octave < 0 {
		octave = 0
	}
	if octave >= len(s.ScaleFactors) {
		octave = len(s.ScaleFactors) - 1
	}
	return s.ScaleFactors[octave]
}
