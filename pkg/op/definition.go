package op

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidDefinition = errors.New("invalid operator definition")
	ErrDuplicate         = errors.New("operator already registered")
	ErrNotFound          = errors.New("operator not registered")
)

// Kind is the declared value type of an input or output.
type Kind string

const (
	KindString   Kind = "str"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindBool     Kind = "bool"
	KindDict     Kind = "dict"
	KindList     Kind = "list"
	KindAny      Kind = "any"
	KindArtifact Kind = "artifact"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindInt, KindFloat, KindBool, KindDict, KindList, KindAny, KindArtifact:
		return true
	}
	return false
}

// Sign declares one named input or output. Archive and Save only apply to
// artifacts.
type Sign struct {
	Name    string `yaml:"name"`
	Kind    Kind   `yaml:"type"`
	Archive bool   `yaml:"archive"`
	Save    bool   `yaml:"save"`
}

func (s Sign) IsArtifact() bool { return s.Kind == KindArtifact }

// UnmarshalYAML defaults Archive to true when the key is absent.
func (s *Sign) UnmarshalYAML(node *yaml.Node) error {
	type raw Sign
	r := raw{Archive: true}
	if err := node.Decode(&r); err != nil {
		return err
	}
	*s = Sign(r)
	return nil
}

// Param declares a non-artifact value.
func Param(name string, kind Kind) Sign { return Sign{Name: name, Kind: kind} }

// Artifact declares a file-backed value that is archived by default.
func Artifact(name string) Sign { return Sign{Name: name, Kind: KindArtifact, Archive: true} }

// Signature is an ordered set of declarations.
type Signature []Sign

func (s Signature) validate(side string) error {
	seen := make(map[string]struct{}, len(s))
	for i, sign := range s {
		if sign.Name == "" {
			return fmt.Errorf("%w: %s[%d] has no name", ErrInvalidDefinition, side, i)
		}
		if _, ok := seen[sign.Name]; ok {
			return fmt.Errorf("%w: %s %q declared twice", ErrInvalidDefinition, side, sign.Name)
		}
		seen[sign.Name] = struct{}{}
		if !sign.Kind.valid() {
			return fmt.Errorf("%w: %s %q has unknown type %q", ErrInvalidDefinition, side, sign.Name, sign.Kind)
		}
	}
	return nil
}

// Definition describes an operator class: where it lives, its declared
// signatures and its progress counters. Source, when set, is inlined into
// generated scripts instead of importing Module.
type Definition struct {
	Name            string    `yaml:"name"`
	Module          string    `yaml:"module"`
	Source          string    `yaml:"-"`
	SourceFile      string    `yaml:"source_file"`
	Inputs          Signature `yaml:"inputs"`
	Outputs         Signature `yaml:"outputs"`
	ProgressCurrent int       `yaml:"progress_current"`
	ProgressTotal   int       `yaml:"progress_total"`
}

// Validate reports the first structural problem with d.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if d.Module == "" && d.Source == "" {
		return fmt.Errorf("%w: %s needs a module or inline source", ErrInvalidDefinition, d.Name)
	}
	if d.ProgressCurrent < 0 || d.ProgressTotal < 0 {
		return fmt.Errorf("%w: %s has negative progress", ErrInvalidDefinition, d.Name)
	}
	if err := d.Inputs.validate("input"); err != nil {
		return err
	}
	return d.Outputs.validate("output")
}

// LoadDefinition reads a YAML operator descriptor. A relative source_file is
// resolved against the descriptor's directory.
func LoadDefinition(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	var d Definition
	if err := yaml.Unmarshal(content, &d); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if d.SourceFile != "" {
		src := d.SourceFile
		if !filepath.IsAbs(src) {
			src = filepath.Join(filepath.Dir(path), src)
		}
		b, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read operator source: %w", err)
		}
		d.Source = string(b)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
