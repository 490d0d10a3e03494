package tracker

import (
	"context"

	"github.com/orbvision/slamtrack/slammap"
)

// Input is one frame's raw sensor payload. ImageRightOrDepth is the right-stereo
// image for Stereo, a depth map for RGBD, and unused for Monocular.
type Input struct {
	ImageLeft         interface{}
	ImageRightOrDepth interface{}
	Timestamp         float64
}

// buildFrame runs feature extraction and BoW transform and assembles a slammap.Frame,
// grounding the image-bounds-dependent grid construction on the extracted keypoints.
func (t *Tracker) buildFrame(ctx context.Context, in Input) (*slammap.Frame, error) {
	keypoints, descriptors, err := t.collab.Extractor.Extract(ctx, in.ImageLeft)
	if err != nil {
		return nil, err
	}

	var uRight, depth []float64
	switch t.sensor {
	case slammap.Stereo:
		uRight, depth = t.stereoMatch(keypoints, descriptors, in.ImageRightOrDepth)
	case slammap.RGBD:
		uRight, depth = t.rgbdDepth(keypoints, in.ImageRightOrDepth)
	}

	minX, minY, maxX, maxY := keypointBounds(keypoints)
	f := slammap.NewFrame(t.world, in.Timestamp, t.sensor, t.cfg.calibration(), t.scalePyramid(),
		keypoints, descriptors, uRight, depth, minX, maxX, minY, maxY)

	bow, featVec, err := t.collab.Vocabulary.Transform(descriptors)
	if err != nil {
		return nil, err
	}
	f.SetBoW(bow, featVec)

	return f, nil
}

func keypointBounds(keypoints []slammap.KeyPoint) (minX, minY, maxX, maxY float64) {
	if len(keypoints) == 0 {
		return 0, 0, 1, 1
	}
	minX, minY = keypoints[0].X, keypoints[0].Y
	maxX, maxY = keypoints[0].X, keypoints[0].Y
	for _, kp := range keypoints[1:] {
		if kp.X < minX {
			minX = kp.X
		}
		if kp.X > maxX {
			maxX = kp.X
		}
		if kp.Y < minY {
			minY = kp.Y
		}
		if kp.Y > maxY {
			maxY = kp.Y
		}
	}
	return minX, minY, maxX, maxY
}

func (t *Tracker) scalePyramid() slammap.ScalePyramid {
	n := t.cfg.ORBExtractor.NLevels
	if n <= 0 {
		n = 8
	}
	factor := t.cfg.ORBExtractor.ScaleFactor
	if factor <= 1 {
		factor = 1.2
	}
	scaleFactors := make([]float64, n)
	levelSigma2 := make([]float64, n)
	invLevelSigma2 := make([]float64, n)
	scaleFactors[0] = 1
	levelSigma2[0] = 1
	for i := 1; i < n; i++ {
		scaleFactors[i] = scaleFactors[i-1] * factor
		levelSigma2[i] = scaleFactors[i] * scaleFactors[i]
	}
	for i := 0; i < n; i++ {
		invLevelSigma2[i] = 1 / levelSigma2[i]
	}
	return slammap.ScalePyramid{ScaleFactors: scaleFactors, LevelSigma2: levelSigma2, InvLevelSigma2: invLevelSigma2}
}

// stereoMatch resolves each left-image keypoint's right-image match via
// stereoMatcher, then triangulates depth from the resulting disparity and the
// calibrated baseline-times-focal-length term (Bf), the same right-image-matching
// seam rgbdDepth below uses for depth images: the caller supplies an
// ImageRightOrDepth satisfying stereoMatcher, and anything else yields all-invalid
// matches rather than panicking, since image decoding is entirely the caller's
// concern.
func (t *Tracker) stereoMatch(keypoints []slammap.KeyPoint, descriptors []slammap.Descriptor, imageRight interface{}) ([]float64, []float64) {
	uRight := make([]float64, len(keypoints))
	depth := make([]float64, len(keypoints))
	matcher, _ := imageRight.(stereoMatcher)
	bf := t.cfg.Camera.Bf
	for i := range uRight {
		uRight[i] = -1
		depth[i] = -1
		if matcher == nil {
			continue
		}
		ur, ok := matcher.MatchRight(keypoints[i], descriptors[i])
		if !ok {
			continue
		}
		disparity := keypoints[i].X - ur
		if disparity <= 0 {
			continue
		}
		uRight[i] = ur
		depth[i] = bf / disparity
	}
	return uRight, depth
}

// rgbdDepth samples a depth provider for each keypoint. depthImage is expected to
// satisfy depthSampler; anything else yields all-invalid depths rather than panicking,
// since image decoding is entirely the caller's concern.
func (t *Tracker) rgbdDepth(keypoints []slammap.KeyPoint, depthImage interface{}) ([]float64, []float64) {
	uRight := make([]float64, len(keypoints))
	depth := make([]float64, len(keypoints))
	sampler, _ := depthImage.(depthSampler)
	factor := t.cfg.DepthMapFactor
	if factor == 0 {
		factor = 1
	}
	for i, kp := range keypoints {
		uRight[i] = -1
		depth[i] = -1
		if sampler == nil {
			continue
		}
		raw, ok := sampler.DepthAt(kp.X, kp.Y)
		if !ok || raw <= 0 {
			continue
		}
		d := raw / factor
		depth[i] = d
		uRight[i] = kp.X - t.cfg.Camera.Bf/d
	}
	return uRight, depth
}

// depthSampler is satisfied by a caller-supplied RGBD depth map.
type depthSampler interface {
	DepthAt(x, y float64) (float64, bool)
}

// stereoMatcher is satisfied by a caller-supplied right-image matcher: given a
// left-image keypoint and its descriptor, it returns the matching right-image x
// coordinate, or ok=false if no confident match was found along the epipolar line.
type stereoMatcher interface {
	MatchRight(kp slammap.KeyPoint, desc slammap.Descriptor) (uRight float64, ok bool)
}
