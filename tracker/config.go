package tracker

import (
	"github.com/pkg/errors"

	"github.com/orbvision/slamtrack/slammap"
)

// CameraConfig carries the pinhole intrinsics, distortion, and stereo/RGBD specific
// settings read once at tracker construction.
type CameraConfig struct {
	Fx, Fy, Cx, Cy float64
	K1, K2, P1, P2, K3 float64
	Bf  float64 // stereo baseline * fx; 0 for monocular
	FPS int     // target frame rate, default 30; used as maxFrames
	RGB bool    // true = RGB source order, false = BGR
}

// ORBExtractorConfig carries the feature-extractor parameters. The tracker itself
// reads NLevels and ScaleFactor to build the scale pyramid; the rest is for the
// collab.ORBExtractor implementation. It is validated here since it is part of the
// configuration surface.
type ORBExtractorConfig struct {
	NFeatures   int
	ScaleFactor float64
	NLevels     int
	IniThFAST   int
	MinThFAST   int
}

// Config is the tracker's configuration surface.
type Config struct {
	Sensor           slammap.Sensor
	Camera           CameraConfig
	ThDepth          float64 // multiplier on baseline
	DepthMapFactor   float64 // RGBD depth-map -> meters scale; 0 ⇒ 1
	ORBExtractor     ORBExtractorConfig
	LocalizationOnly bool
}

// maxFrames returns the keyframe-insertion cadence derived from the configured FPS.
func (c Config) maxFrames() int {
	if c.Camera.FPS <= 0 {
		return 30
	}
	return c.Camera.FPS
}

// minFrames is fixed at 0, matching the reference tracker's c1b condition which only
// requires "at least minFrames since the last keyframe" with minFrames effectively
// unthrottled; kept as a named constant so NeedNewKeyFrame reads naturally.
const minFrames = 0

// calibration derives the slammap.Calibration shared by Frame/KeyFrame construction.
func (c Config) calibration() slammap.Calibration {
	baseline := 0.0
	if c.Camera.Fx != 0 {
		baseline = c.Camera.Bf / c.Camera.Fx
	}
	return slammap.Calibration{
		Fx:       c.Camera.Fx,
		Fy:       c.Camera.Fy,
		Cx:       c.Camera.Cx,
		Cy:       c.Camera.Cy,
		InvFx:    invOrZero(c.Camera.Fx),
		InvFy:    invOrZero(c.Camera.Fy),
		Bf:       c.Camera.Bf,
		Baseline: baseline,
		ThDepth:  c.ThDepth,
	}
}

func invOrZero(v float64) float64 {
	if v == 0 {
		return 0
	}
	return 1 / v
}

// Validate checks the configuration surface for obviously broken values; a
// configuration error is a constructor-time failure, never a per-frame one.
func (c Config) Validate() error {
	if c.Camera.Fx <= 0 || c.Camera.Fy <= 0 {
		return errors.New("camera intrinsics fx/fy must be positive")
	}
	if c.Sensor != slammap.Monocular && c.Camera.Bf <= 0 {
		return errors.New("stereo/rgbd sensor requires a positive baseline*fx (Camera.Bf)")
	}
	if c.ThDepth <= 0 {
		return errors.New("ThDepth must be positive")
	}
	if c.ORBExtractor.NFeatures <= 0 {
		return errors.New("ORBExtractor.NFeatures must be positive")
	}
	return nil
}
