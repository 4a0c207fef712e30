package script

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProject(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "project.lua"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderDeclaresSimpleTask(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, `
task("t", {
    actions = {
        {"echo", "hi"}
    }
})
`)

	l, err := NewLoader(ws)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := l.Load([]string{"."})
	if err != nil {
		t.Fatal(err)
	}
	task, ok := reg.Task("/t")
	if !ok {
		t.Fatal("expected /t to be registered")
	}
	if len(task.Actions) != 1 || task.Actions[0].Kind != 0 {
		t.Fatalf("unexpected actions: %+v", task.Actions)
	}
	if task.Actions[0].Args[0] != "echo" || task.Actions[0].Args[1] != "hi" {
		t.Fatalf("unexpected args: %v", task.Actions[0].Args)
	}
}

func TestLoaderResolvesTaskDeps(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, `
task("a", { actions = {{"echo", "a"}} })
task("c", { actions = {{"echo", "c"}} })
task("b", {
    actions = {{"echo", "b"}},
    deps = { tasks = {"a", "c"} }
})
`)

	l, err := NewLoader(ws)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := l.Load([]string{"."})
	if err != nil {
		t.Fatal(err)
	}
	b, ok := reg.Task("/b")
	if !ok {
		t.Fatal("expected /b")
	}
	if len(b.Deps.Tasks) != 2 {
		t.Fatalf("expected 2 deps, got %v", b.Deps.Tasks)
	}
}

func TestLoaderRecursesProjectDir(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, `
project_dir("pkg")
`)
	writeProject(t, filepath.Join(ws, "pkg"), `
task("build", { actions = {{"echo", "build"}} })
`)

	l, err := NewLoader(ws)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := l.Load([]string{"."})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Task("/pkg/build"); !ok {
		t.Fatal("expected /pkg/build to be registered via project_dir")
	}
}

func TestLoaderRejectsUnknownTaskDependency(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, `
task("a", {
    actions = {{"echo", "a"}},
    deps = { tasks = {"/does/not/exist"} }
})
`)

	l, err := NewLoader(ws)
	if err != nil {
		t.Fatal(err)
	}
	_, err = l.Load([]string{"."})
	if err == nil {
		t.Fatal("expected definition error for unknown dependency")
	}
}

func TestLoaderRegistersBareToolAliasAsSelfAlias(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, `
tool("echo", { action = {"echo"} })
task("t", {
    actions = {
        {tool = "echo", "hi"}
    }
})
`)

	l, err := NewLoader(ws)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := l.Load([]string{"."})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	task, ok := reg.Task("/t")
	if !ok {
		t.Fatal("expected /t to be registered")
	}
	act := task.Actions[0]
	if act.Tool != "echo" {
		t.Fatalf("expected the action's tool to be %q, got %q", "echo", act.Tool)
	}
	if target, ok := act.ToolAliases["echo"]; !ok || target != "echo" {
		t.Fatalf("expected a self-alias for the bare tool reference, got %+v", act.ToolAliases)
	}
}

func TestLoaderResolvesTaskEnvAliasForItsOwnActions(t *testing.T) {
	ws := t.TempDir()
	writeProject(t, ws, `
env("myenv", { setup_task = { actions = {{"true"}} }, action = {"sh", "-c"} })
task("t", {
    env = "myenv",
    actions = {
        {env = "myenv", "echo hi"}
    }
})
`)

	l, err := NewLoader(ws)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := l.Load([]string{"."})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	task, ok := reg.Task("/t")
	if !ok {
		t.Fatal("expected /t to be registered")
	}
	act := task.Actions[0]
	if target, ok := act.EnvAliases["myenv"]; !ok || target != "/myenv" {
		t.Fatalf("expected the action's own env alias to resolve to /myenv, got %+v", act.EnvAliases)
	}
}
