package resolve

import "testing"

func TestProjectName(t *testing.T) {
	cases := map[string]string{
		".":      "/",
		"":       "/",
		"proj1":  "/proj1",
		"a/b":    "/a/b",
		"./a/b/": "/a/b",
	}
	for in, want := range cases {
		if got := ProjectName(in); got != want {
			t.Errorf("ProjectName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNameAbsolute(t *testing.T) {
	got, err := Name("/a/b/task", "/x/y")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/a/b/task" {
		t.Fatalf("got %q", got)
	}
}

func TestNameAbsoluteRejectsDotDot(t *testing.T) {
	if _, err := Name("/a/../b", "/x"); err == nil {
		t.Fatal("expected error for '..' in absolute name")
	}
}

func TestNamePlainRelative(t *testing.T) {
	got, err := Name("build", "/pkg")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/pkg/build" {
		t.Fatalf("got %q", got)
	}
}

func TestNamePlainRelativeFromRoot(t *testing.T) {
	got, err := Name("build", "/")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/build" {
		t.Fatalf("got %q", got)
	}
}

func TestNameRelativeClimbsWithDotDot(t *testing.T) {
	got, err := Name("../sibling/task", "/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/a/sibling/task" {
		t.Fatalf("got %q", got)
	}
}

func TestNameRelativeDotSlashIsNoOp(t *testing.T) {
	got, err := Name("./task", "/a")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/a/task" {
		t.Fatalf("got %q", got)
	}
}

func TestNameRelativeCannotEscapeRoot(t *testing.T) {
	if _, err := Name("../../task", "/a"); err == nil {
		t.Fatal("expected error climbing above workspace root")
	}
}

func TestNameBracketPrefix(t *testing.T) {
	got, err := Name("[../other]task", "/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/a/other/task" {
		t.Fatalf("got %q", got)
	}
}

func TestNameBracketPrefixAbsoluteStyle(t *testing.T) {
	got, err := Name("[.]task", "/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/a/b/task" {
		t.Fatalf("got %q", got)
	}
}

func TestNameBracketPrefixToRoot(t *testing.T) {
	got, err := Name("[../..]task", "/a/b")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/task" {
		t.Fatalf("got %q", got)
	}
}
