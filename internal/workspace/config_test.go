package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""), "/home/test/proj/cobble.toml")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.RootProjects) != 1 || cfg.RootProjects[0] != "." {
		t.Fatalf("root_projects = %v", cfg.RootProjects)
	}
	if cfg.NumThreads != DefaultNumThreads {
		t.Fatalf("num_threads = %d", cfg.NumThreads)
	}
	if cfg.ShowStdout != OutputOnFail || cfg.ShowStderr != OutputOnFail {
		t.Fatalf("stdout/stderr = %v/%v, want on_fail", cfg.ShowStdout, cfg.ShowStderr)
	}
}

func TestParseRootProjects(t *testing.T) {
	toml := `root_projects = ["proj1", "proj2", "proj3"]`
	cfg, err := Parse([]byte(toml), "/home/test/proj/cobble.toml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkspaceDir != "/home/test/proj" {
		t.Fatalf("workspace dir = %q", cfg.WorkspaceDir)
	}
	want := []string{"proj1", "proj2", "proj3"}
	for i, v := range want {
		if cfg.RootProjects[i] != v {
			t.Fatalf("root_projects[%d] = %q, want %q", i, cfg.RootProjects[i], v)
		}
	}
}

func TestOutputDefaultingChain(t *testing.T) {
	toml := `output = "always"`
	cfg, err := Parse([]byte(toml), "/ws/cobble.toml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ShowStdout != OutputAlways || cfg.ShowStderr != OutputAlways {
		t.Fatalf("stdout/stderr should inherit output: %v/%v", cfg.ShowStdout, cfg.ShowStderr)
	}

	toml2 := "output = \"always\"\nstderr = \"never\"\n"
	cfg2, err := Parse([]byte(toml2), "/ws/cobble.toml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg2.ShowStdout != OutputAlways {
		t.Fatalf("stdout should still inherit output: %v", cfg2.ShowStdout)
	}
	if cfg2.ShowStderr != OutputNever {
		t.Fatalf("stderr should override to never: %v", cfg2.ShowStderr)
	}
}

func TestApplyOverridesVar(t *testing.T) {
	cfg, err := Parse([]byte(""), "/ws/cobble.toml")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.ApplyOverrides(Overrides{Vars: []string{"python.version=3.11"}}); err != nil {
		t.Fatal(err)
	}
	if cfg.Vars["python.version"] != "3.11" {
		t.Fatalf("vars = %v", cfg.Vars)
	}
}

func TestApplyOverridesRejectsMalformedVar(t *testing.T) {
	cfg, _ := Parse([]byte(""), "/ws/cobble.toml")
	if err := cfg.ApplyOverrides(Overrides{Vars: []string{"novalue"}}); err == nil {
		t.Fatal("expected error for var without '='")
	}
}

func TestFindNearestConfigFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ConfigFileName), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := FindNearestConfigFile(sub)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, ConfigFileName)
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFindNearestProjectDir(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "pkg")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(projDir, ProjectFileName), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(projDir, "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := FindNearestProjectDir(sub, root)
	if err != nil {
		t.Fatal(err)
	}
	if got != "pkg" {
		t.Fatalf("got %q, want %q", got, "pkg")
	}
}
