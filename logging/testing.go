package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

type testAppender struct {
	tb testing.TB
}

// NewTestAppender returns a logger appender that routes log lines through the given
// `testing.TB`'s `Log` method instead of stdout, so a tracker test's frame-by-frame
// output is attributed to the right `Test*` function rather than dumped anonymously.
// Two things follow from using `tb.Log`:
//   - Go prepends the filename/line of whatever called `tb.Log`, which we don't want to
//     be this appender's own `Write` method — see the `tb.Helper()` note below.
//   - Go's test runner correctly attributes the line to the running "Test*" function,
//     which stdout writes cannot do reliably once tests run in parallel.
//
// This appender also logs in the local machine timezone rather than UTC, since that's
// what a developer staring at test output while debugging a failing tracking run wants.
//
// Sequential tests (no `t.Parallel()`) get this attribution for free even writing to
// stdout: Go's best-effort scanner can follow a single interleaved stream. Parallel
// tests can't rely on that scanner, which is most visible with `-json` test output: each
// line already carries its test name, and a misattributed one is easy to spot, e.g. a
// line from a stereo-initialization test showing up tagged with a relocalization test:
//
// {"Time":"2024-01-23T09:26:57.843619918-05:00","Action":"output","Package":"github.com/orbvision/slamtrack/tracker","Test":"TestTrackStereoSingleFrameInitialization","Output":"tracker.go:210: 2024-01-23T09:26:57.843-0500\tDEBUG\t\ttracker.go:210\tinserted keyframe..."}
//
// On the caller/line Go prepends: it's found by walking a few stack frames up from the
// `t.Log` call site, and we don't want that walk to stop at this appender's own
// `Write` method. `tb.Helper()` exists for exactly this — every function that calls it
// gets excluded from that walk, so Go reports the first non-excluded frame instead.
//
// zap's own testing logger misses this: it forgets to call `tb.Helper()`, so every log
// line through it is stamped with zap's internal `logger.go:130` rather than the real
// caller.
//
//nolint:lll
func NewTestAppender(tb testing.TB) Appender {
	return &testAppender{tb}
}

// Write formats entry and fields as a single tab-separated line and hands it to the
// underlying test object's `Log` method.
func (tapp *testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	tapp.tb.Helper()
	const maxLength = 10
	toPrint := make([]string, 0, maxLength)
	toPrint = append(toPrint, entry.Time.Format(DefaultTimeFormatStr))

	toPrint = append(toPrint, strings.ToUpper(entry.Level.String()))
	toPrint = append(toPrint, entry.LoggerName)
	if entry.Caller.Defined {
		toPrint = append(toPrint, callerToString(&entry.Caller))
	}
	toPrint = append(toPrint, entry.Message)
	if len(fields) == 0 {
		tapp.tb.Log(strings.Join(toPrint, "\t"))
		return nil
	}

	// zap's json encoder preserves field order, e.g. "frame_id" before "inlier_count",
	// unlike ranging over a map. Pass an empty Entry so only the fields get serialized.
	jsonEncoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{SkipLineEnding: true})
	buf, err := jsonEncoder.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		tapp.tb.Log(strings.Join(toPrint, "\t"))
		return err
	}
	toPrint = append(toPrint, string(buf.Bytes()))
	tapp.tb.Log(strings.Join(toPrint, "\t"))
	return nil
}

// Sync is a no-op.
func (tapp *testAppender) Sync() error {
	return nil
}
