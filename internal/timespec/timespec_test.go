package timespec

import (
	"errors"
	"testing"

	"github.com/MIkeCall1986/smartcut/internal/media"
)

// ref90k builds a Ref with a 90 kHz timebase, 30 fps, and the given
// duration in seconds.
func ref90k(durationSecs float64) Ref {
	return Ref{
		Duration:  int64(durationSecs * 90000),
		TimeBase:  media.Rational{Num: 1, Den: 90000},
		FrameRate: media.Rational{Num: 30, Den: 1},
	}
}

func TestParseToken_Forms(t *testing.T) {
	t.Parallel()
	ref := ref90k(7200)

	cases := []struct {
		tok  string
		want int64
	}{
		{"0", 0},
		{"10", 10 * 90000},
		{"10.5", 10*90000 + 45000},
		{"1:30", 90 * 90000},
		{"01:02:03", (3600 + 123) * 90000},
		{"00:00:01.5", 135000},
		{"s", 0},
		{"start", 0},
		{"e", 7200 * 90000},
		{"end", 7200 * 90000},
		{"300f", 10 * 90000},     // 300 frames at 30 fps
		{"-10", 7190 * 90000},    // 10 s before EOF
		{"-1:30", 7110 * 90000},  // 90 s before EOF
	}
	for _, c := range cases {
		got, err := ParseToken(c.tok, ref)
		if err != nil {
			t.Fatalf("ParseToken(%q): %v", c.tok, err)
		}
		if got != c.want {
			t.Errorf("ParseToken(%q) = %d, want %d", c.tok, got, c.want)
		}
	}
}

func TestParseToken_Invalid(t *testing.T) {
	t.Parallel()
	ref := ref90k(60)

	for _, tok := range []string{"", "abc", "1:2:3:4", "1:75", "-", "--5", "12x", "f"} {
		if _, err := ParseToken(tok, ref); !errors.Is(err, ErrInvalidTimeToken) {
			t.Errorf("ParseToken(%q) err = %v, want ErrInvalidTimeToken", tok, err)
		}
	}
}

func TestParseToken_OutOfRange(t *testing.T) {
	t.Parallel()
	ref := ref90k(60)

	if _, err := ParseToken("90", ref); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}

	// Within one frame of the duration: clamped to duration, not rejected.
	got, err := ParseToken("60.02", ref)
	if err != nil {
		t.Fatalf("one-frame slack rejected: %v", err)
	}
	if got != ref.Duration {
		t.Errorf("slack value = %d, want clamp to %d", got, ref.Duration)
	}
}

func TestParseToken_NegativeClampsToZero(t *testing.T) {
	t.Parallel()
	ref := ref90k(60)

	got, err := ParseToken("-2:00", ref) // 120 s before EOF of a 60 s file
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want clamp to 0", got)
	}
}

func TestResolve_KeepPairsSortedMerged(t *testing.T) {
	t.Parallel()
	ref := ref90k(60)

	// Out of order and overlapping: [40,50] then [10,25] then [20,30].
	got, err := Resolve([]string{"40", "50", "10", "25", "20", "30"}, Keep, ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []media.TimeInterval{
		{Start: 10 * 90000, End: 30 * 90000},
		{Start: 40 * 90000, End: 50 * 90000},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d intervals, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("interval %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResolve_CutComplement(t *testing.T) {
	t.Parallel()
	ref := ref90k(20)

	// --cut 0,5,15,20 over a 20 s file keeps [5,15].
	got, err := Resolve([]string{"0", "5", "15", "20"}, Cut, ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d intervals, want 1: %v", len(got), got)
	}
	want := media.TimeInterval{Start: 5 * 90000, End: 15 * 90000}
	if got[0] != want {
		t.Errorf("got %v, want %v", got[0], want)
	}
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()
	ref := ref90k(60)

	if _, err := Resolve(nil, Keep, ref); !errors.Is(err, ErrInvalidTimeToken) {
		t.Errorf("empty list err = %v, want ErrInvalidTimeToken", err)
	}
	if _, err := Resolve([]string{"10"}, Keep, ref); !errors.Is(err, ErrInvalidTimeToken) {
		t.Errorf("odd list err = %v, want ErrInvalidTimeToken", err)
	}
	if _, err := Resolve([]string{"20", "10"}, Keep, ref); !errors.Is(err, ErrIntervalOrder) {
		t.Errorf("inverted err = %v, want ErrIntervalOrder", err)
	}
	// Cutting everything leaves nothing to keep.
	if _, err := Resolve([]string{"0", "60"}, Cut, ref); !errors.Is(err, ErrIntervalOrder) {
		t.Errorf("empty complement err = %v, want ErrIntervalOrder", err)
	}
	// End offset clamps to 0 (duration < offset), collapsing the interval.
	if _, err := Resolve([]string{"0", "-2:00"}, Keep, ref); !errors.Is(err, ErrIntervalOrder) {
		t.Errorf("collapsed interval err = %v, want ErrIntervalOrder", err)
	}
}
