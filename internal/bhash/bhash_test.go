package bhash

import "testing"

func TestDjb2KnownValue(t *testing.T) {
	// 5381*33 + 'a' (0x61) = 177670
	if got := Djb2("a"); got != 177670 {
		t.Fatalf("Djb2(%q) = %d, want 177670", "a", got)
	}
}

func TestDjb2EmptyIsSeed(t *testing.T) {
	if got := Djb2(""); got != 5381 {
		t.Fatalf("Djb2(\"\") = %d, want 5381", got)
	}
}

func TestPathHashNormalizesSeparators(t *testing.T) {
	if PathHash("a/b/c") != PathHash(`a\b\c`) {
		t.Fatalf("PathHash should canonicalize separators before hashing")
	}
}

func TestStateSeparatorPreventsCollision(t *testing.T) {
	a := NewState()
	a.WriteString("foo")
	a.Separator()
	a.WriteString("bar")

	b := NewState()
	b.WriteString("foob")
	b.Separator()
	b.WriteString("ar")

	if a.Digest() == b.Digest() {
		t.Fatalf("separator must distinguish (foo,bar) from (foob,ar)")
	}
}

func TestStateDeterministic(t *testing.T) {
	build := func() Digest {
		s := NewState()
		s.WriteString("hello")
		s.WriteUint64(42)
		return s.Digest()
	}
	if build() != build() {
		t.Fatalf("State digest must be deterministic for identical input sequences")
	}
}

func TestDeriveGUIDTruncates(t *testing.T) {
	s := NewState()
	s.WriteString("node")
	d := s.Digest()
	g := DeriveGUID(d)
	var want GUID
	copy(want[:], d[:16])
	if g != want {
		t.Fatalf("DeriveGUID must equal the digest's first 16 bytes")
	}
}

func TestNodeGUIDDistinguishesActionFromName(t *testing.T) {
	g1 := NodeGUID("target", "compile")
	g2 := NodeGUID("targetcompile", "")
	if g1 == g2 {
		t.Fatalf("NodeGUID must not collide across the qualifiedName/action separator")
	}
}
