package scanner

import "testing"

func TestIndexOfNextSymbolOutsideStrings_CommentSkipsInnerComma(t *testing.T) {
	// Scenario 6, variant 2: the comma inside the /*...*/ comment is
	// ignored; the first comma outside a string/comment is reported.
	idx, err := IndexOfNextSymbolOutsideStrings("{a:1,b:/*,*/2}", ',')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 4 {
		t.Fatalf("index = %d, want 4", idx)
	}
}

func TestIndexOfNextSymbolOutsideStrings_SkipsCommaInsideString(t *testing.T) {
	// The comma inside the single-quoted string must never be
	// reported; only the comma after the string closes should be.
	idx, err := IndexOfNextSymbolOutsideStrings("a('b,c',d)", ',')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 7 {
		t.Fatalf("index = %d, want 7 (the comma immediately after the closing quote)", idx)
	}
}

func TestIndexOfNextSymbolOutsideStrings_NotFound(t *testing.T) {
	idx, err := IndexOfNextSymbolOutsideStrings("no commas here", ',')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != -1 {
		t.Fatalf("index = %d, want -1", idx)
	}
}

func TestIndexOfNextSymbolOutsideStrings_ClosingBracketRequiresOutermostDepth(t *testing.T) {
	idx, err := IndexOfNextSymbolOutsideStrings("(a(b)c)", ')')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 6 {
		t.Fatalf("index = %d, want 6 (the outermost closing paren)", idx)
	}
}

func TestIndexOfNextSymbolOutsideStrings_BacktickTemplateString(t *testing.T) {
	idx, err := IndexOfNextSymbolOutsideStrings("`a,b`,c", ',')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 5 {
		t.Fatalf("index = %d, want 5", idx)
	}
}

func TestIndexOfNextSymbolOutsideStrings_EscapedQuoteDoesNotClose(t *testing.T) {
	idx, err := IndexOfNextSymbolOutsideStrings(`'a\'b',c`, ',')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 6 {
		t.Fatalf("index = %d, want 6", idx)
	}
}

func TestIndexOfNextSymbolOutsideStrings_MultiByteCharactersCountAsOne(t *testing.T) {
	// "é" is 2 bytes in UTF-8; the comma after it should be reported
	// at logical index 1, not byte index 2.
	idx, err := IndexOfNextSymbolOutsideStrings("é,x", ',')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 1 {
		t.Fatalf("index = %d, want 1 (logical index, not byte offset)", idx)
	}
}

func TestIndexOfNextSymbolOutsideStrings_RejectsUnsupportedSymbols(t *testing.T) {
	for _, sym := range []byte{'\\', '*'} {
		if _, err := IndexOfNextSymbolOutsideStrings("anything", sym); err == nil {
			t.Fatalf("symbol %q should be rejected as unsupported", sym)
		}
	}
}

func TestLineNumberOfOffset(t *testing.T) {
	if got := LineNumberOfOffset("a\nb\nc", 3); got != 2 {
		t.Fatalf("LineNumberOfOffset = %d, want 2", got)
	}
}

func TestLineNumberOfOffsetAtEnd(t *testing.T) {
	content := "a\nb\nc"
	if got := LineNumberOfOffset(content, len(content)); got != 3 {
		t.Fatalf("LineNumberOfOffset at end = %d, want 3", got)
	}
}

func TestLineNumberOfOffsetIsMonotonic(t *testing.T) {
	content := "a\nbb\nccc\nd"
	prev := 0
	for i := 0; i <= len(content); i++ {
		line := LineNumberOfOffset(content, i)
		if line < prev {
			t.Fatalf("LineNumberOfOffset(%d) = %d, decreased from %d", i, line, prev)
		}
		prev = line
	}
}
