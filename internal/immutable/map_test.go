package immutable

import "testing"

func TestWithLeavesOriginalUntouched(t *testing.T) {
	orig := map[string]int{"a": 1}
	out := With(orig, "b", 2)

	if len(orig) != 1 {
		t.Fatalf("expected original map to still have 1 entry, got %d", len(orig))
	}
	if out["a"] != 1 || out["b"] != 2 {
		t.Fatalf("expected new map to have both entries, got %v", out)
	}
}

func TestWithOverwritesExistingKey(t *testing.T) {
	orig := map[string]int{"a": 1}
	out := With(orig, "a", 99)
	if out["a"] != 99 {
		t.Fatalf("expected overwritten value 99, got %d", out["a"])
	}
	if orig["a"] != 1 {
		t.Fatalf("expected original map's value to be unchanged, got %d", orig["a"])
	}
}

func TestWithoutRemovesKey(t *testing.T) {
	orig := map[string]int{"a": 1, "b": 2}
	out := Without(orig, "a")

	if _, ok := out["a"]; ok {
		t.Fatalf("expected key 'a' to be absent from the result")
	}
	if out["b"] != 2 {
		t.Fatalf("expected key 'b' to survive, got %d", out["b"])
	}
	if len(orig) != 2 {
		t.Fatalf("expected original map untouched, got len %d", len(orig))
	}
}

func TestWithoutMissingKeyIsNoop(t *testing.T) {
	orig := map[string]int{"a": 1}
	out := Without(orig, "z")
	if len(out) != 1 || out["a"] != 1 {
		t.Fatalf("expected a copy equivalent to the original, got %v", out)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := map[string]int{"a": 1}
	out := Clone(orig)
	out["a"] = 2
	if orig["a"] != 1 {
		t.Fatalf("expected mutating the clone to not affect the original")
	}
}
