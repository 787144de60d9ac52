package model

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is a single configuration problem in a form fit for logs.
type CueErrorDetail struct {
	Path    string // dotted path below #Config, like events.amqp.url
	Code    string
	Message string
	Pos     CueErrorPosition
	Raw     string
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (d CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(name,
		slog.String("path", d.Path),
		slog.String("code", d.Code),
		slog.String("message", d.Message),
		slog.String("file", d.Pos.Filename),
		slog.Int("line", d.Pos.Line),
		slog.Int("column", d.Pos.Column),
	)
}

// cueProblems maps fragments of CUE messages to a code and a message format,
// the first match wins.
var cueProblems = []struct {
	fragments []string
	code      string
	format    string
}{
	{[]string{"not allowed", "unknown field"}, "unknown_field", "%s is not a known option"},
	{[]string{"incomplete value"}, "missing_required", "%s must be set"},
	{[]string{"conflicting values", "cannot unify", "incompatible"}, "conflicting_values", "%s has a value the schema does not accept"},
	{[]string{"must be one of", "expected one of"}, "invalid_enum", "%s has an unsupported value"},
	{[]string{"invalid value"}, "out_of_range", "%s is out of range"},
}

func humanize(err error, root cue.Value) []CueErrorDetail {
	if err == nil {
		return nil
	}
	type key struct {
		path string
		pos  CueErrorPosition
	}
	seen := make(map[key]bool)
	var details []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		d := CueErrorDetail{
			Path: configPath(e.Path()),
			Pos:  firstPosition(e),
			Raw:  raw,
		}
		k := key{d.Path, d.Pos}
		if seen[k] {
			continue
		}
		seen[k] = true

		d.Code, d.Message = classifyProblem(raw, d.Path)
		if hint := choices(root, d.Path); hint != "" {
			d.Message += ", " + hint
		}
		details = append(details, d)
	}
	return details
}

func classifyProblem(raw, path string) (code, message string) {
	name := path
	if name == "" {
		name = "configuration"
	}
	lower := strings.ToLower(raw)
	for _, p := range cueProblems {
		for _, f := range p.fragments {
			if strings.Contains(lower, f) {
				return p.code, fmt.Sprintf(p.format, name)
			}
		}
	}
	return "validation_error", raw
}

// choices describes the allowed strings of an enum field and its default.
func choices(root cue.Value, path string) string {
	if path == "" {
		return ""
	}
	v := root.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return ""
	}
	op, alts := v.Expr()
	if op != cue.OrOp {
		return ""
	}
	var allowed []string
	for _, a := range alts {
		if s, err := a.String(); err == nil && !slices.Contains(allowed, s) {
			allowed = append(allowed, s)
		}
	}
	if len(allowed) < 2 {
		return ""
	}
	hint := "allowed: " + strings.Join(allowed, ", ")
	if def, ok := v.Default(); ok {
		if s, err := def.String(); err == nil {
			hint += " (default " + s + ")"
		}
	}
	return hint
}

func firstPosition(e cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(e) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
	}
	return CueErrorPosition{}
}

// configPath joins a CUE path, dropping the #Config definition it starts with.
func configPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
