package hash

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStringMatchesKnownVector(t *testing.T) {
	// This vector was produced by the reference implementation's own
	// hash routine; it pins the "sha256:<hex>" encoding, not the
	// correctness of SHA-256 itself.
	got := String("this is a test")
	want := "sha256:2e99758548972a8e8822ad47fa1017ff72f06f3ff6a016851f45c398732bc5c"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(path, []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := File(path)
	if err != nil {
		t.Fatal(err)
	}
	want := String("A")
	if got != want {
		t.Fatalf("File() = %q, want %q", got, want)
	}
}

func TestCanonicalIsOrderIndependent(t *testing.T) {
	a := Canonical(map[string]string{"b": "2", "a": "1"})
	b := Canonical(map[string]string{"a": "1", "b": "2"})
	if a != b {
		t.Fatalf("Canonical should not depend on map iteration order: %q != %q", a, b)
	}

	c := Canonical(map[string]string{"a": "1", "b": "3"})
	if a == c {
		t.Fatalf("Canonical should differ when a value changes")
	}
}

func TestCanonicalListIsOrderDependent(t *testing.T) {
	a := CanonicalList([]string{"x", "y"})
	b := CanonicalList([]string{"y", "x"})
	if a == b {
		t.Fatalf("CanonicalList should be order-sensitive: %q == %q", a, b)
	}
}
