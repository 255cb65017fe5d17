package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaSource string

// ValidationError aggregates the structural problems found in a config
// file, each with its file position where CUE could determine one.
type ValidationError struct {
	Filename string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s:\n  %s", e.Filename, strings.Join(e.Problems, "\n  "))
}

// ValidateYAML checks raw YAML against the embedded schema. It reports
// every problem it finds, not just the first.
func ValidateYAML(data []byte, filename string) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return &ValidationError{Filename: filename, Problems: []string{err.Error()}}
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return &ValidationError{Filename: filename, Problems: collectProblems(err)}
	}

	unified := schema.Unify(doc)
	if err := unified.Validate(); err != nil {
		return &ValidationError{Filename: filename, Problems: collectProblems(err)}
	}
	return nil
}

// collectProblems flattens a CUE error into one line per problem,
// prefixed with the source position when known.
func collectProblems(err error) []string {
	var problems []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if pos := e.Position(); pos.IsValid() {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos.Filename(), pos.Line(), pos.Column(), msg)
		}
		problems = append(problems, msg)
	}
	if len(problems) == 0 {
		problems = append(problems, err.Error())
	}
	return problems
}
