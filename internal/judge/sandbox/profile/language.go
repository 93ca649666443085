// Package profile describes how each language is compiled and run.
package profile

import (
	"fmt"
	"strings"
)

const (
	DefaultCompileTimeoutMs = 5000
	DefaultCompileMemoryMB  = 512
)

// LanguageSpec is the per-language compile and run strategy.
// Command templates are shell-split and expand {src}, {bin} and {workdir}.
type LanguageSpec struct {
	ID               string   `yaml:"id"`
	Aliases          []string `yaml:"aliases"`
	SourceFile       string   `yaml:"sourceFile"`
	BinaryFile       string   `yaml:"binaryFile"`
	CompileEnabled   bool     `yaml:"compileEnabled"`
	CompileCmdTpl    string   `yaml:"compileCmdTpl"`
	RunCmdTpl        string   `yaml:"runCmdTpl"`
	CompileTimeoutMs int64    `yaml:"compileTimeoutMs"`
	CompileMemoryMB  int64    `yaml:"compileMemoryMB"`
	Env              []string `yaml:"env"`
	// Image is the container image used by the container strategy.
	Image string `yaml:"image"`
	// StackMB overrides the run stack limit; 0 means the memory limit.
	StackMB int64 `yaml:"stackMB"`
}

// ApplyDefaults fills unset compile limits.
func (s *LanguageSpec) ApplyDefaults() {
	if s.CompileTimeoutMs <= 0 {
		s.CompileTimeoutMs = DefaultCompileTimeoutMs
	}
	if s.CompileMemoryMB <= 0 {
		s.CompileMemoryMB = DefaultCompileMemoryMB
	}
}

// DefaultLanguages returns the built-in language table.
func DefaultLanguages() []LanguageSpec {
	return []LanguageSpec{
		{
			ID:             "cpp",
			Aliases:        []string{"c++"},
			SourceFile:     "main.cpp",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "g++ -O2 -std=c++17 -pipe {src} -o {bin}",
			RunCmdTpl:      "{bin}",
			Image:          "gcc:13",
		},
		{
			ID:             "c",
			SourceFile:     "main.c",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "gcc -O2 -std=c11 -pipe {src} -o {bin} -lm",
			RunCmdTpl:      "{bin}",
			Image:          "gcc:13",
		},
		{
			ID:         "python",
			Aliases:    []string{"py", "python3"},
			SourceFile: "main.py",
			RunCmdTpl:  "python3 {src}",
			Image:      "python:3.12-slim",
		},
		{
			ID:             "java",
			SourceFile:     "Main.java",
			BinaryFile:     "Main.class",
			CompileEnabled: true,
			CompileCmdTpl:  "javac -encoding UTF-8 -d {workdir} {src}",
			RunCmdTpl:      "java -Xss64m -cp {workdir} Main",
			Image:          "eclipse-temurin:21",
			StackMB:        64,
		},
	}
}

// Registry resolves language names and aliases.
type Registry struct {
	byName map[string]LanguageSpec
}

// NewRegistry indexes specs by id and alias, case-insensitively.
func NewRegistry(specs []LanguageSpec) (*Registry, error) {
	r := &Registry{byName: make(map[string]LanguageSpec)}
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("language id is required")
		}
		if s.SourceFile == "" || s.RunCmdTpl == "" {
			return nil, fmt.Errorf("language %s: sourceFile and runCmdTpl are required", s.ID)
		}
		if s.CompileEnabled && (s.CompileCmdTpl == "" || s.BinaryFile == "") {
			return nil, fmt.Errorf("language %s: compileCmdTpl and binaryFile are required", s.ID)
		}
		s.ApplyDefaults()
		for _, name := range append([]string{s.ID}, s.Aliases...) {
			key := strings.ToLower(name)
			if _, dup := r.byName[key]; dup {
				return nil, fmt.Errorf("language name %q registered twice", name)
			}
			r.byName[key] = s
		}
	}
	return r, nil
}

// Lookup finds a language by id or alias.
func (r *Registry) Lookup(language string) (LanguageSpec, bool) {
	s, ok := r.byName[strings.ToLower(strings.TrimSpace(language))]
	return s, ok
}
