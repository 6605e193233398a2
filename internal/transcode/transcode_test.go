package transcode

import (
	"strings"
	"testing"
)

func TestUTF8AccumulatorHoldsPartialRune(t *testing.T) {
	var acc UTF8Accumulator
	// "é" is 0xC3 0xA9 in utf-8; feed the bytes split across two calls.
	full := "café"
	b := []byte(full)
	first := acc.Feed(b[:len(b)-1])
	if first != "caf" {
		t.Fatalf("expected the complete prefix without the split rune, got %q", first)
	}
	second := acc.Feed(b[len(b)-1:])
	if second != "é" {
		t.Fatalf("expected the completed rune once the remaining byte arrives, got %q", second)
	}
}

func TestUTF8AccumulatorPassesThroughCompleteChunks(t *testing.T) {
	var acc UTF8Accumulator
	got := acc.Feed([]byte("hello"))
	if got != "hello" {
		t.Errorf("expected complete ascii chunk to pass straight through, got %q", got)
	}
}

func TestUTF8AccumulatorFlushReturnsIncompleteTail(t *testing.T) {
	var acc UTF8Accumulator
	full := []byte("emoji \xf0\x9f\x98\x80")
	got := acc.Feed(full[:len(full)-1])
	if got != "emoji " {
		t.Fatalf("expected the partial 4-byte rune held back, got %q", got)
	}
	flushed := acc.Flush()
	if len(flushed) != 3 {
		t.Fatalf("expected flush to return the 3 buffered lead bytes of the truncated rune, got %d bytes", len(flushed))
	}
	if acc.Flush() != "" {
		t.Error("expected a second flush on an empty accumulator to return nothing")
	}
}

func TestUTF8AccumulatorMultipleFeedsAcrossManyRunes(t *testing.T) {
	var acc UTF8Accumulator
	src := []byte("日本語") // three 3-byte runes
	var out strings.Builder
	for _, bb := range src {
		out.WriteString(acc.Feed([]byte{bb}))
	}
	out.WriteString(acc.Flush())
	if out.String() != string(src) {
		t.Errorf("expected byte-at-a-time feed to reconstruct the original string, got %q", out.String())
	}
}

func TestToolCallAssemblerAssemblesFragmentsByID(t *testing.T) {
	a := NewToolCallAssembler()
	ev1 := a.Fragment("call_1", "get_weather", `{"loc":`)
	if ev1.ToolCallFragment.Index != 0 {
		t.Errorf("expected first-seen id to get index 0, got %d", ev1.ToolCallFragment.Index)
	}
	ev2 := a.Fragment("call_2", "get_time", `{"tz":"UTC"}`)
	if ev2.ToolCallFragment.Index != 1 {
		t.Errorf("expected second id to get index 1, got %d", ev2.ToolCallFragment.Index)
	}
	a.Fragment("call_1", "", `"NYC"}`)

	completed := a.Completed()
	if len(completed) != 2 {
		t.Fatalf("expected 2 assembled tool calls, got %d", len(completed))
	}
	if completed[0].ID != "call_1" || completed[0].Function.Arguments != `{"loc":"NYC"}` {
		t.Errorf("expected call_1's fragments concatenated in arrival order, got %+v", completed[0])
	}
	if completed[0].Function.Name != "get_weather" {
		t.Errorf("expected name to stick from its first fragment, got %q", completed[0].Function.Name)
	}
	if completed[1].ID != "call_2" {
		t.Errorf("expected assembly order to match first-seen order, got %+v", completed)
	}
}

func TestToolCallAssemblerEmptyHasNoCompletedCalls(t *testing.T) {
	a := NewToolCallAssembler()
	if got := a.Completed(); len(got) != 0 {
		t.Errorf("expected no completed calls before any fragment, got %d", len(got))
	}
}

func TestScanSSEParsesDataAndEventFields(t *testing.T) {
	input := "event: message\ndata: {\"a\":1}\n\ndata: line1\ndata: line2\n\n"
	var frames []SSEFrame
	err := ScanSSE(strings.NewReader(input), func(f SSEFrame) bool {
		frames = append(frames, f)
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d: %+v", len(frames), frames)
	}
	if frames[0].Event != "message" || frames[0].Data != `{"a":1}` {
		t.Errorf("unexpected first frame: %+v", frames[0])
	}
	if frames[1].Data != "line1\nline2" {
		t.Errorf("expected multi-line data joined with newlines, got %q", frames[1].Data)
	}
}

func TestScanSSEStopsWhenCallbackReturnsFalse(t *testing.T) {
	input := "data: one\n\ndata: two\n\ndata: three\n\n"
	var seen []string
	err := ScanSSE(strings.NewReader(input), func(f SSEFrame) bool {
		seen = append(seen, f.Data)
		return len(seen) < 2
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("expected scanning to stop after the callback returns false, got %d frames", len(seen))
	}
}

func TestScanSSEIgnoresCommentLines(t *testing.T) {
	input := ": keepalive\ndata: hello\n\n"
	var frames []SSEFrame
	err := ScanSSE(strings.NewReader(input), func(f SSEFrame) bool {
		frames = append(frames, f)
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 1 || frames[0].Data != "hello" {
		t.Errorf("expected the keepalive comment to be skipped, got %+v", frames)
	}
}

func TestScanJSONLYieldsEachLine(t *testing.T) {
	input := "{\"a\":1}\n{\"a\":2}\n\n{\"a\":3}\n"
	var lines [][]byte
	err := ScanJSONL(strings.NewReader(input), func(line []byte) bool {
		lines = append(lines, line)
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 non-empty lines (blank line skipped), got %d", len(lines))
	}
}

func TestScanJSONLStopsWhenCallbackReturnsFalse(t *testing.T) {
	input := "{\"a\":1}\n{\"a\":2}\n{\"a\":3}\n"
	var count int
	err := ScanJSONL(strings.NewReader(input), func(line []byte) bool {
		count++
		return false
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected scanning to stop after the first line, got %d", count)
	}
}
