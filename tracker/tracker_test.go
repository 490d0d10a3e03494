package tracker

import (
	"context"
	"testing"

	"go.viam.com/test"

	"github.com/orbvision/slamtrack/slammap"
)

type fakeDepthImage struct {
	depth float64
}

func (d fakeDepthImage) DepthAt(x, y float64) (float64, bool) { return d.depth, true }

func TestNewValidatesConfig(t *testing.T) {
	cfg := baseConfig(slammap.RGBD)
	cfg.Camera.Fx = 0
	_, err := New(cfg, baseCollaborators(), nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewRequiresCoreCollaborators(t *testing.T) {
	collabs := baseCollaborators()
	collabs.Extractor = nil
	_, err := New(baseConfig(slammap.RGBD), collabs, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewRequiresInitializerForMonocular(t *testing.T) {
	collabs := baseCollaborators()
	collabs.Initializer = nil
	_, err := New(baseConfig(slammap.Monocular), collabs, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewRequiresPnPFactory(t *testing.T) {
	collabs := baseCollaborators()
	collabs.PnPFactory = nil
	_, err := New(baseConfig(slammap.RGBD), collabs, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewSucceedsWithFullCollaborators(t *testing.T) {
	trk, err := New(baseConfig(slammap.RGBD), baseCollaborators(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, trk.State(), test.ShouldEqual, NoImagesYet)
	test.That(t, trk.VOMode(), test.ShouldBeFalse)
}

func TestTrackRGBDSingleFrameInitialization(t *testing.T) {
	kps, descs := gridKeypoints(500)
	collabs := baseCollaborators()
	collabs.Extractor = &fakeExtractor{keypoints: kps, descriptors: descs}

	trk, err := New(baseConfig(slammap.RGBD), collabs, nil)
	test.That(t, err, test.ShouldBeNil)

	pose, err := trk.Track(context.Background(), Input{ImageRightOrDepth: fakeDepthImage{depth: 2}, Timestamp: 0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose, test.ShouldNotBeNil)
	test.That(t, trk.State(), test.ShouldEqual, Ok)
	test.That(t, trk.Map().NumKeyFrames(), test.ShouldEqual, 1)
	test.That(t, trk.Map().NumMapPoints(), test.ShouldEqual, 500)
}

func TestTrackStereoSingleFrameInitialization(t *testing.T) {
	kps, descs := gridKeypoints(500)
	collabs := baseCollaborators()
	collabs.Extractor = &fakeExtractor{keypoints: kps, descriptors: descs}

	trk, err := New(baseConfig(slammap.Stereo), collabs, nil)
	test.That(t, err, test.ShouldBeNil)

	pose, err := trk.Track(context.Background(), Input{ImageRightOrDepth: fakeStereoMatcher{disparity: 2}, Timestamp: 0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose, test.ShouldNotBeNil)
	test.That(t, trk.State(), test.ShouldEqual, Ok)
	test.That(t, trk.Map().NumKeyFrames(), test.ShouldEqual, 1)
	test.That(t, trk.Map().NumMapPoints(), test.ShouldEqual, 500)
}

func TestTrackStereoUnmatchedImageRightYieldsNoDepth(t *testing.T) {
	kps, descs := gridKeypoints(500)
	collabs := baseCollaborators()
	collabs.Extractor = &fakeExtractor{keypoints: kps, descriptors: descs}

	trk, err := New(baseConfig(slammap.Stereo), collabs, nil)
	test.That(t, err, test.ShouldBeNil)

	// ImageRightOrDepth doesn't satisfy stereoMatcher, so every keypoint gets an
	// invalid depth and no map points can be created; initialization still creates the
	// first keyframe and returns a pose, since the keypoint count clears
	// minInitKeypointsStereoRGBD, but the map holds no points.
	p, err := trk.Track(context.Background(), Input{ImageRightOrDepth: "not a matcher", Timestamp: 0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldNotBeNil)
	test.That(t, trk.Map().NumMapPoints(), test.ShouldEqual, 0)
}

func TestTrackRGBDSecondFrameTracksByReferenceKeyFrame(t *testing.T) {
	kps, descs := gridKeypoints(500)
	collabs := baseCollaborators()
	collabs.Extractor = &fakeExtractor{keypoints: kps, descriptors: descs}

	trk, err := New(baseConfig(slammap.RGBD), collabs, nil)
	test.That(t, err, test.ShouldBeNil)

	_, err = trk.Track(context.Background(), Input{ImageRightOrDepth: fakeDepthImage{depth: 2}, Timestamp: 0})
	test.That(t, err, test.ShouldBeNil)

	p, err := trk.Track(context.Background(), Input{ImageRightOrDepth: fakeDepthImage{depth: 2}, Timestamp: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldNotBeNil)
	test.That(t, trk.State(), test.ShouldNotEqual, Lost)
}

func TestTrackTooFewInitKeypointsStaysNotInitialized(t *testing.T) {
	kps, descs := gridKeypoints(10)
	collabs := baseCollaborators()
	collabs.Extractor = &fakeExtractor{keypoints: kps, descriptors: descs}

	trk, err := New(baseConfig(slammap.RGBD), collabs, nil)
	test.That(t, err, test.ShouldBeNil)

	p, err := trk.Track(context.Background(), Input{ImageRightOrDepth: fakeDepthImage{depth: 2}, Timestamp: 0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldBeNil)
	test.That(t, trk.State(), test.ShouldEqual, NotInitialized)
	test.That(t, trk.Map().NumKeyFrames(), test.ShouldEqual, 0)
}

func TestRequestSystemResetClearsMapAndState(t *testing.T) {
	kps, descs := gridKeypoints(500)
	collabs := baseCollaborators()
	collabs.Extractor = &fakeExtractor{keypoints: kps, descriptors: descs}
	lm := &fakeLocalMapping{accept: true}
	lc := &fakeLoopClosing{}
	collabs.LocalMapping = lm
	collabs.LoopClosing = lc

	trk, err := New(baseConfig(slammap.RGBD), collabs, nil)
	test.That(t, err, test.ShouldBeNil)

	_, err = trk.Track(context.Background(), Input{ImageRightOrDepth: fakeDepthImage{depth: 2}, Timestamp: 0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, trk.Map().NumKeyFrames(), test.ShouldEqual, 1)

	trk.requestSystemReset()

	test.That(t, trk.State(), test.ShouldEqual, NoImagesYet)
	test.That(t, trk.Map().NumKeyFrames(), test.ShouldEqual, 0)
	test.That(t, lm.resetCalls, test.ShouldEqual, 1)
	test.That(t, lc.resetCalls, test.ShouldEqual, 1)
}
