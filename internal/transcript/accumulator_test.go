package transcript_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicesync/internal/observe"
	"github.com/MrWong99/voicesync/internal/transcript"
	"github.com/MrWong99/voicesync/pkg/convert"
	"github.com/MrWong99/voicesync/pkg/provider/stt"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				return 0
			}
			return sum.DataPoints[0].Value
		}
	}
	return 0
}

// newAcc builds an accumulator with auto-pause disabled unless opts say
// otherwise.
func newAcc(t *testing.T, opts ...transcript.Option) *transcript.Accumulator {
	t.Helper()
	m, _ := testMetrics(t)
	base := []transcript.Option{transcript.WithAutoPause(0), transcript.WithMetrics(m)}
	a := transcript.New(append(base, opts...)...)
	t.Cleanup(a.Reset)
	return a
}

func interim(pos int, text string) stt.RecognitionResult {
	return stt.RecognitionResult{Position: pos, Text: text}
}

func final(pos int, text string) stt.RecognitionResult {
	return stt.RecognitionResult{Position: pos, IsFinal: true, Text: text}
}

func event(start int, results ...stt.RecognitionResult) stt.RecognitionEvent {
	return stt.RecognitionEvent{StartIndex: start, Results: results}
}

// ── Apply ─────────────────────────────────────────────────────────────────────

func TestApply_InterimThenFinals(t *testing.T) {
	t.Parallel()

	a := newAcc(t)

	snap := a.Apply(event(0, interim(0, "你"), interim(1, "好")))
	if snap.Finalized != "" || snap.LivePreview != "你好" {
		t.Errorf("after interims: got %+v", snap)
	}

	snap = a.Apply(event(0, final(0, "你好"), interim(1, "世")))
	if snap.Finalized != "你好" || snap.LivePreview != "世" {
		t.Errorf("after final 0: got %+v", snap)
	}

	snap = a.Apply(event(1, final(0, "你好"), final(1, "世界")))
	if snap.Finalized != "你好世界" {
		t.Errorf("finalized: want %q, got %q", "你好世界", snap.Finalized)
	}
	if snap.LivePreview != "" {
		t.Errorf("live preview: want empty, got %q", snap.LivePreview)
	}
	if snap.Text() != "你好世界" {
		t.Errorf("text: want %q, got %q", "你好世界", snap.Text())
	}
}

func TestApply_SkipsBelowStartIndex(t *testing.T) {
	t.Parallel()

	a := newAcc(t)
	a.Apply(event(0, final(0, "a")))

	// The engine re-delivers position 0 with a different text; StartIndex
	// says it is old news.
	snap := a.Apply(event(1, final(0, "REPLAYED"), final(1, "b")))
	if snap.Finalized != "ab" {
		t.Errorf("finalized: want %q, got %q", "ab", snap.Finalized)
	}
}

func TestApply_NoDuplicationAcrossManyRedeliveries(t *testing.T) {
	t.Parallel()

	a := newAcc(t)

	// Browser engines resend the full result list on every event.
	var results []stt.RecognitionResult
	var want strings.Builder
	for i := range 20 {
		word := string(rune('a' + i))
		results = append(results, final(i, word))
		want.WriteString(word)
		a.Apply(event(i, results...))
	}

	if got := a.Snapshot().Finalized; got != want.String() {
		t.Errorf("finalized: want %q, got %q", want.String(), got)
	}
}

func TestApply_FinalizedPositionIsImmutable(t *testing.T) {
	t.Parallel()

	a := newAcc(t)
	a.Apply(event(0, final(0, "first")))

	// StartIndex still covers position 0 but it is already final.
	snap := a.Apply(event(0, final(0, "revised"), interim(0, "stale")))
	if snap.Finalized != "first" {
		t.Errorf("finalized: want %q, got %q", "first", snap.Finalized)
	}
	if snap.LivePreview != "" {
		t.Errorf("live preview: want empty, got %q", snap.LivePreview)
	}
}

func TestApply_LivePreviewOrderedByPosition(t *testing.T) {
	t.Parallel()

	a := newAcc(t)
	snap := a.Apply(event(0, interim(3, "c"), interim(1, "a"), interim(2, "b")))
	if snap.LivePreview != "abc" {
		t.Errorf("live preview: want %q, got %q", "abc", snap.LivePreview)
	}

	snap = a.Apply(event(0, interim(2, "B")))
	if snap.LivePreview != "aBc" {
		t.Errorf("live preview after replace: want %q, got %q", "aBc", snap.LivePreview)
	}
}

func TestApply_EmptyInterimClearsPreview(t *testing.T) {
	t.Parallel()

	a := newAcc(t)
	a.Apply(event(0, interim(0, "hello wor"), interim(1, "ld")))
	snap := a.Apply(event(0, interim(0, "")))
	if snap.LivePreview != "ld" {
		t.Errorf("live preview: want %q, got %q", "ld", snap.LivePreview)
	}

	snap = a.Apply(event(0, final(0, "hello world"), interim(1, "")))
	if snap.Finalized != "hello world" || snap.LivePreview != "" {
		t.Errorf("snapshot: want %q/%q, got %q/%q", "hello world", "", snap.Finalized, snap.LivePreview)
	}
}

func TestApply_GapTolerated(t *testing.T) {
	t.Parallel()

	a := newAcc(t)
	snap := a.Apply(event(5, final(5, "x")))
	if snap.Finalized != "x" {
		t.Errorf("finalized: want %q, got %q", "x", snap.Finalized)
	}
}

func TestApply_ConverterApplied(t *testing.T) {
	t.Parallel()

	upper := convert.Func(func(s string) (string, error) { return strings.ToUpper(s), nil })
	a := newAcc(t, transcript.WithConverter(upper))

	snap := a.Apply(event(0, final(0, "hi"), interim(1, "there")))
	if snap.Finalized != "HI" {
		t.Errorf("finalized: want %q, got %q", "HI", snap.Finalized)
	}
	// Interims are shown as recognised.
	if snap.LivePreview != "there" {
		t.Errorf("live preview: want %q, got %q", "there", snap.LivePreview)
	}
}

func TestApply_ConversionFailureFallsBack(t *testing.T) {
	t.Parallel()

	m, reader := testMetrics(t)
	failing := convert.Func(func(string) (string, error) { return "", errors.New("no dictionary") })
	a := transcript.New(transcript.WithAutoPause(0), transcript.WithMetrics(m), transcript.WithConverter(failing))

	snap := a.Apply(event(0, final(0, "原文")))
	if snap.Finalized != "原文" {
		t.Errorf("finalized: want original %q, got %q", "原文", snap.Finalized)
	}
	if got := counterValue(t, reader, "voicesync.transcript.conversion_failures"); got != 1 {
		t.Errorf("conversion failures: want 1, got %d", got)
	}
}

// ── auto-pause ────────────────────────────────────────────────────────────────

func TestAutoPause_CommitsOnce(t *testing.T) {
	t.Parallel()

	commits := make(chan transcript.Commit, 4)
	m, reader := testMetrics(t)
	a := transcript.New(
		transcript.WithMetrics(m),
		transcript.WithAutoPause(20*time.Millisecond),
		transcript.WithCommitHandler(func(c transcript.Commit) { commits <- c }),
	)
	t.Cleanup(a.Reset)

	a.Apply(event(0, final(0, "hello"), interim(1, "wor")))

	select {
	case c := <-commits:
		if c.Text != "hello" {
			t.Errorf("commit text: want %q, got %q", "hello", c.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for commit")
	}

	select {
	case c := <-commits:
		t.Errorf("unexpected second commit %+v", c)
	case <-time.After(80 * time.Millisecond):
	}

	snap := a.Snapshot()
	if snap.Finalized != "" {
		t.Errorf("finalized after commit: want empty, got %q", snap.Finalized)
	}
	if snap.LivePreview != "wor" {
		t.Errorf("live preview after commit: want %q, got %q", "wor", snap.LivePreview)
	}
	if got := counterValue(t, reader, "voicesync.transcript.commits"); got != 1 {
		t.Errorf("commit counter: want 1, got %d", got)
	}
}

func TestAutoPause_ApplyRearmsTimer(t *testing.T) {
	t.Parallel()

	commits := make(chan transcript.Commit, 4)
	a := newAcc(t,
		transcript.WithAutoPause(100*time.Millisecond),
		transcript.WithCommitHandler(func(c transcript.Commit) { commits <- c }),
	)

	a.Apply(event(0, final(0, "a")))
	time.Sleep(50 * time.Millisecond)
	a.Apply(event(1, final(1, "b")))

	select {
	case c := <-commits:
		if c.Text != "ab" {
			t.Errorf("commit text: want %q (one commit for both), got %q", "ab", c.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for commit")
	}
	select {
	case c := <-commits:
		t.Errorf("unexpected second commit %+v", c)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestAutoPause_EmptyFinalizedNoCommit(t *testing.T) {
	t.Parallel()

	commits := make(chan transcript.Commit, 1)
	a := newAcc(t,
		transcript.WithAutoPause(10*time.Millisecond),
		transcript.WithCommitHandler(func(c transcript.Commit) { commits <- c }),
	)

	a.Apply(event(0, interim(0, "thinking")))

	select {
	case c := <-commits:
		t.Errorf("unexpected commit %+v", c)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestReset_DisarmsTimer(t *testing.T) {
	t.Parallel()

	commits := make(chan transcript.Commit, 1)
	a := newAcc(t,
		transcript.WithAutoPause(30*time.Millisecond),
		transcript.WithCommitHandler(func(c transcript.Commit) { commits <- c }),
	)

	a.Apply(event(0, final(0, "gone"), interim(1, "also")))
	a.Reset()

	if snap := a.Snapshot(); snap != (transcript.Snapshot{}) {
		t.Errorf("snapshot after reset: want zero, got %+v", snap)
	}
	select {
	case c := <-commits:
		t.Errorf("commit after reset: %+v", c)
	case <-time.After(80 * time.Millisecond):
	}

	// Positions start over after a reset.
	if snap := a.Apply(event(0, final(0, "new"))); snap.Finalized != "new" {
		t.Errorf("finalized after reset: want %q, got %q", "new", snap.Finalized)
	}
}

func TestFlush(t *testing.T) {
	t.Parallel()

	var got []transcript.Commit
	a := newAcc(t, transcript.WithCommitHandler(func(c transcript.Commit) { got = append(got, c) }))

	if a.Flush() {
		t.Error("Flush on empty accumulator: want false")
	}
	a.Apply(event(0, final(0, "now")))
	if !a.Flush() {
		t.Error("Flush: want true")
	}
	if len(got) != 1 || got[0].Text != "now" {
		t.Errorf("commits: unexpected %+v", got)
	}
}

// ── Feed ──────────────────────────────────────────────────────────────────────

func TestFeed_AppliesInOrderUntilClosed(t *testing.T) {
	t.Parallel()

	a := newAcc(t)
	ch := make(chan stt.RecognitionEvent, 3)
	ch <- event(0, interim(0, "x"))
	ch <- event(0, final(0, "x"))
	ch <- event(1, final(0, "x"), final(1, "y"))
	close(ch)

	var snaps []transcript.Snapshot
	if err := transcript.Feed(context.Background(), a, ch, func(s transcript.Snapshot) { snaps = append(snaps, s) }); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("snapshots: want 3, got %d", len(snaps))
	}
	if snaps[2].Finalized != "xy" {
		t.Errorf("final snapshot: want %q, got %q", "xy", snaps[2].Finalized)
	}
}

func TestFeed_StopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newAcc(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := transcript.Feed(ctx, a, make(chan stt.RecognitionEvent), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Feed: want context.Canceled, got %v", err)
	}
}

// ── VocabularyConverter ───────────────────────────────────────────────────────

func TestVocabularyConverter_ChainedIntoAccumulator(t *testing.T) {
	t.Parallel()

	vocab := transcript.NewVocabularyConverter([]string{"Sun Moon Lake"}, nil)
	a := newAcc(t, transcript.WithConverter(vocab))

	snap := a.Apply(event(0, final(0, "son moon lake")))
	if snap.Finalized != "Sun Moon Lake" {
		t.Errorf("finalized: want %q, got %q", "Sun Moon Lake", snap.Finalized)
	}
}

func TestVocabularyConverter_NoTerms(t *testing.T) {
	t.Parallel()

	vocab := transcript.NewVocabularyConverter(nil, nil)
	got, err := vocab.Convert("unchanged  text")
	if err != nil || got != "unchanged  text" {
		t.Errorf("Convert: want unchanged, got %q, %v", got, err)
	}
}
