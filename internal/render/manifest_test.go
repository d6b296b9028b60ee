package render

import (
	"testing"
	"time"
)

func TestNewRunID(t *testing.T) {
	ts := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)
	if got := NewRunID(ts); got != "20260825T143005Z" {
		t.Fatalf("run id = %q", got)
	}

	// Non-UTC input must normalize.
	loc := time.FixedZone("plus2", 2*3600)
	if got := NewRunID(ts.In(loc)); got != "20260825T143005Z" {
		t.Fatalf("non-UTC run id = %q", got)
	}
}

func TestRunIDsSortChronologically(t *testing.T) {
	earlier := NewRunID(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	later := NewRunID(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))
	if !(earlier < later) {
		t.Fatalf("run ids do not sort: %q vs %q", earlier, later)
	}
}

func TestAnchorPrefixCounts(t *testing.T) {
	ids := []string{
		"fun_ta.sma", "fun_ta.ema", "var_close", "var_open",
		"const_color.red", "kw_if", "op_plus", "an_version", "type_array",
		"tv-content", "unrelated",
	}
	counts := AnchorPrefixCounts(ids)

	want := map[string]int{
		"fun_": 2, "var_": 2, "const_": 1, "kw_": 1, "op_": 1, "an_": 1, "type_": 1,
	}
	for prefix, n := range want {
		if counts[prefix] != n {
			t.Errorf("counts[%q] = %d, want %d", prefix, counts[prefix], n)
		}
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if total != 9 {
		t.Fatalf("total counted = %d, want 9 (non-taxonomy ids must be excluded)", total)
	}
}

func TestSHA256HexDeterministic(t *testing.T) {
	a := SHA256Hex([]byte("<html>same</html>"))
	b := SHA256Hex([]byte("<html>same</html>"))
	if a != b {
		t.Fatal("identical payloads produced different checksums")
	}
	if len(a) != 64 {
		t.Fatalf("checksum length = %d", len(a))
	}
	if c := SHA256Hex([]byte("<html>other</html>")); c == a {
		t.Fatal("different payloads produced identical checksums")
	}
}

func TestSourceArtifactIDIsChecksum(t *testing.T) {
	m := &Manifest{ArtifactChecksumSHA256: "abc123"}
	if m.SourceArtifactID() != "abc123" {
		t.Fatal("source artifact id must be the artifact checksum")
	}
}

func TestURLSlug(t *testing.T) {
	cases := map[string]string{
		"https://www.tradingview.com/pine-script-reference/v6": "www_tradingview_com_pine-script-reference_v6",
		"":     "page",
		"////": "____",
	}
	for in, want := range cases {
		if got := urlSlug(in); got != want {
			t.Errorf("urlSlug(%q) = %q, want %q", in, got, want)
		}
	}
}
