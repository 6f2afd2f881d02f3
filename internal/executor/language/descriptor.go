// Package language holds the Language Registry: static, read-only descriptions of
// how each supported language is installed into, compiled and run inside a
// workspace.
//
// DATA, NOT CODE:
// A Descriptor is configuration. Its commands are argv templates such as
//
//	["${CC}", "-O2", "-o", "${binary}", "${source}"]
//
// which the pipeline renders against one workspace. Adding a language means adding
// a Descriptor (in Defaults or in a YAML file), never a new code path.
package language

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Files created inside a workspace by the rendered templates.
const (
	BinaryName     = "program"
	PackagesDir    = ".packages"
	defaultSrcStem = "main"
)

// PackagesVar is the argv element that expands into the requested dependency list.
const PackagesVar = "${packages}"

// Descriptor describes one language pipeline.
type Descriptor struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Aliases    []string          `yaml:"aliases,omitempty"`
	Extension  string            `yaml:"extension"`
	SourceName string            `yaml:"source_name,omitempty"` // defaults to "main" + Extension
	Compile    []string          `yaml:"compile,omitempty"`
	Run        []string          `yaml:"run"`
	Install    []string          `yaml:"install,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Image      string            `yaml:"image,omitempty"` // container image for the docker backend
}

// Compiled reports whether the language has an ahead-of-run compile step.
func (d Descriptor) Compiled() bool {
	return len(d.Compile) > 0
}

// SupportsDependencies reports whether the descriptor defines an install command.
func (d Descriptor) SupportsDependencies() bool {
	return len(d.Install) > 0
}

// SourceFile is the file name the submitted code is written to.
func (d Descriptor) SourceFile() string {
	if d.SourceName != "" {
		return d.SourceName
	}
	return defaultSrcStem + d.Extension
}

func (d Descriptor) clone() Descriptor {
	c := d
	c.Aliases = append([]string(nil), d.Aliases...)
	c.Compile = append([]string(nil), d.Compile...)
	c.Run = append([]string(nil), d.Run...)
	c.Install = append([]string(nil), d.Install...)
	if d.Env != nil {
		c.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			c.Env[k] = v
		}
	}
	return c
}

// Vars are the per-execution values substituted into templates.
type Vars struct {
	// Workspace is the workspace directory as the spawned process sees it. For the
	// local backend that is the host path; the docker backend mounts it elsewhere.
	Workspace  string
	SourceName string
	Packages   []string
}

func (v Vars) mapping(tc Toolchain) func(string) string {
	return func(name string) string {
		switch name {
		case "workspace":
			return v.Workspace
		case "source":
			return path.Join(v.Workspace, v.SourceName)
		case "source_name":
			return v.SourceName
		case "binary":
			return path.Join(v.Workspace, BinaryName)
		case "packages_dir":
			return path.Join(v.Workspace, PackagesDir)
		}
		return tc[name]
	}
}

// templateVar matches the only substitution form templates support. A bare
// $ is left alone so shell snippets like "$p" or "$@" survive rendering.
var templateVar = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expand(s string, lookup func(string) string) string {
	return templateVar.ReplaceAllStringFunc(s, func(m string) string {
		return lookup(m[2 : len(m)-1])
	})
}

// Render expands an argv template. The element "${packages}" is replaced by one
// element per requested package; every other element is expanded in place.
func Render(template []string, vars Vars, tc Toolchain) []string {
	if len(template) == 0 {
		return nil
	}
	lookup := vars.mapping(tc)
	out := make([]string, 0, len(template)+len(vars.Packages))
	for _, arg := range template {
		if arg == PackagesVar {
			out = append(out, vars.Packages...)
			continue
		}
		out = append(out, expand(arg, lookup))
	}
	return out
}

// RenderEnv expands the descriptor's environment into sorted KEY=VALUE pairs.
func (d Descriptor) RenderEnv(vars Vars, tc Toolchain) []string {
	if len(d.Env) == 0 {
		return nil
	}
	lookup := vars.mapping(tc)
	env := make([]string, 0, len(d.Env))
	for k, v := range d.Env {
		env = append(env, k+"="+expand(v, lookup))
	}
	sort.Strings(env)
	return env
}

var builtinVars = map[string]bool{
	"workspace":    true,
	"source":       true,
	"source_name":  true,
	"binary":       true,
	"packages_dir": true,
	"packages":     true,
}

// validate checks the descriptor shape and that every template variable resolves.
// tc may be nil, in which case only built-in variables are checked for shape.
func (d Descriptor) validate(tc Toolchain) error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("descriptor has an empty id")
	}
	if d.Extension == "" && d.SourceName == "" {
		return fmt.Errorf("language %q: extension or source_name is required", d.ID)
	}
	if len(d.Run) == 0 {
		return fmt.Errorf("language %q: run command is required", d.ID)
	}
	if strings.ContainsAny(d.SourceFile(), `/\`) {
		return fmt.Errorf("language %q: source file %q must be a bare file name", d.ID, d.SourceFile())
	}
	if tc == nil {
		return nil
	}

	var unknown []string
	check := func(s string) {
		for _, m := range templateVar.FindAllStringSubmatch(s, -1) {
			name := m[1]
			if builtinVars[name] {
				continue
			}
			if _, ok := tc[name]; !ok {
				unknown = append(unknown, name)
			}
		}
	}
	for _, tmpl := range [][]string{d.Compile, d.Run, d.Install} {
		for _, arg := range tmpl {
			check(arg)
		}
	}
	for _, v := range d.Env {
		check(v)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("language %q: unknown template variables %s", d.ID, strings.Join(unknown, ", "))
	}
	return nil
}
