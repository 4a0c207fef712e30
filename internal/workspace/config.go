// Package workspace locates the workspace root, parses cobble.toml,
// and applies CLI overrides, mirroring the original tool's
// WorkspaceConfig / WorkspaceConfigArgs split.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ConfigFileName is the workspace marker file's name.
const ConfigFileName = "cobble.toml"

// ProjectFileName is the name every project-definition script must have.
const ProjectFileName = "project.lua"

// DefaultNumThreads is the worker pool size when num_threads is unset.
const DefaultNumThreads = 5

// OutputCondition governs when buffered task output is flushed.
type OutputCondition string

const (
	OutputAlways OutputCondition = "always"
	OutputNever  OutputCondition = "never"
	OutputOnFail OutputCondition = "on_fail"
)

// ParseOutputCondition validates a string against the three allowed values.
func ParseOutputCondition(v string) (OutputCondition, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "always":
		return OutputAlways, nil
	case "never":
		return OutputNever, nil
	case "on_fail":
		return OutputOnFail, nil
	default:
		return "", fmt.Errorf("invalid output condition %q: expected one of [always, never, on_fail]", v)
	}
}

// Config is the fully resolved workspace configuration: parsed
// cobble.toml values with CLI overrides already applied.
type Config struct {
	WorkspaceDir  string
	RootProjects  []string
	Vars          map[string]string
	ForceRunTasks bool
	NumThreads    int
	ShowStdout    OutputCondition
	ShowStderr    OutputCondition
}

// Overrides carries CLI-supplied values that take precedence over
// whatever cobble.toml declares. A nil pointer field means "not
// supplied on the command line".
type Overrides struct {
	Vars          []string // "key=value" pairs, applied after file vars
	ForceRunTasks *bool
	NumThreads    *int
	ShowStdout    *OutputCondition
	ShowStderr    *OutputCondition
}

type rawConfig struct {
	RootProjects []string          `toml:"root_projects"`
	NumThreads   int               `toml:"num_threads"`
	Output       string            `toml:"output"`
	Stdout       string            `toml:"stdout"`
	Stderr       string            `toml:"stderr"`
	Vars         map[string]string `toml:"vars"`
}

// ParseFile reads and parses a cobble.toml file located at configPath.
func ParseFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}
	return Parse(data, configPath)
}

// Parse decodes cobble.toml content. configPath is used only to
// derive the workspace directory (its parent).
func Parse(data []byte, configPath string) (*Config, error) {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ConfigFileName, err)
	}

	rootProjects := raw.RootProjects
	if len(rootProjects) == 0 {
		rootProjects = []string{"."}
	}

	numThreads := raw.NumThreads
	if numThreads == 0 {
		numThreads = DefaultNumThreads
	}

	output := OutputOnFail
	if raw.Output != "" {
		parsed, err := ParseOutputCondition(raw.Output)
		if err != nil {
			return nil, fmt.Errorf("at 'output': %w", err)
		}
		output = parsed
	}

	stdout := output
	if raw.Stdout != "" {
		parsed, err := ParseOutputCondition(raw.Stdout)
		if err != nil {
			return nil, fmt.Errorf("at 'stdout': %w", err)
		}
		stdout = parsed
	}

	stderr := output
	if raw.Stderr != "" {
		parsed, err := ParseOutputCondition(raw.Stderr)
		if err != nil {
			return nil, fmt.Errorf("at 'stderr': %w", err)
		}
		stderr = parsed
	}

	vars := make(map[string]string, len(raw.Vars))
	for k, v := range raw.Vars {
		vars[k] = v
	}

	workspaceDir := filepath.Dir(configPath)
	if workspaceDir == "" {
		workspaceDir = "."
	}

	return &Config{
		WorkspaceDir: workspaceDir,
		RootProjects: rootProjects,
		Vars:         vars,
		NumThreads:   numThreads,
		ShowStdout:   stdout,
		ShowStderr:   stderr,
	}, nil
}

// ApplyOverrides layers CLI flag values onto a parsed Config,
// field-by-field (never a deep merge), matching get_workspace_config's
// behavior in the original tool.
func (c *Config) ApplyOverrides(o Overrides) error {
	if o.ForceRunTasks != nil {
		c.ForceRunTasks = *o.ForceRunTasks
	}
	if o.NumThreads != nil {
		c.NumThreads = *o.NumThreads
	}
	if o.ShowStdout != nil {
		c.ShowStdout = *o.ShowStdout
	}
	if o.ShowStderr != nil {
		c.ShowStderr = *o.ShowStderr
	}
	for _, v := range o.Vars {
		eq := strings.Index(v, "=")
		if eq < 0 {
			return fmt.Errorf("unable to parse variable argument %q: specify as --var <name>=<value>", v)
		}
		c.Vars[v[:eq]] = v[eq+1:]
	}
	return nil
}

// FindNearestConfigFile walks upward from startDir looking for
// cobble.toml, returning the first ancestor (inclusive) that has one.
func FindNearestConfigFile(startDir string) (string, error) {
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	dir := abs
	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("did not find %q in any ancestor directory from %s", ConfigFileName, startDir)
}

// FindNearestProjectDir returns the directory, relative to
// workspaceDir, of the nearest ancestor of path (inclusive) that
// contains a project.lua file. Returns "." if none is found before
// reaching workspaceDir.
func FindNearestProjectDir(path, workspaceDir string) (string, error) {
	absWorkspace, err := filepath.Abs(workspaceDir)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	dir := absPath
	for {
		rel, err := filepath.Rel(absWorkspace, dir)
		if err != nil || strings.HasPrefix(rel, "..") {
			break
		}
		if _, err := os.Stat(filepath.Join(dir, ProjectFileName)); err == nil {
			return rel, nil
		}
		if dir == absWorkspace {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ".", nil
}

// Load finds the nearest cobble.toml from startDir, parses it, and
// applies overrides.
func Load(startDir string, overrides Overrides) (*Config, error) {
	configPath, err := FindNearestConfigFile(startDir)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(overrides); err != nil {
		return nil, err
	}
	return cfg, nil
}
