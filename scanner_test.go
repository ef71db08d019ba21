package reprl

import "testing"

func TestIndexOfNextSymbolOutsideStringsDelegates(t *testing.T) {
	idx, err := IndexOfNextSymbolOutsideStrings("{a:1,b:/*,*/2}", ',')
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 4 {
		t.Fatalf("index = %d, want 4", idx)
	}
}

func TestIndexOfNextSymbolOutsideStringsRejectsUnsupported(t *testing.T) {
	if _, err := IndexOfNextSymbolOutsideStrings("x", '*'); !IsCode(err, UnsupportedSymbol) {
		t.Fatalf("err = %v, want an UnsupportedSymbol error", err)
	}
}

func TestLineNumberOfOffsetDelegates(t *testing.T) {
	if got := LineNumberOfOffset("a\nb\nc", 3); got != 2 {
		t.Fatalf("LineNumberOfOffset = %d, want 2", got)
	}
}
