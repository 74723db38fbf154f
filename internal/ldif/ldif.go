// Package ldif implements the subset of RFC 2849 used by the bulk
// mutation engine: change records of type add, modify and delete.
//
// Content records (a dn followed by attribute lines with no changetype)
// are accepted and treated as adds, matching what most directory tools
// do with plain entry dumps. Unsupported changetypes (modrdn, moddn)
// are reported as errors rather than skipped, so a template that
// expands to one never half-applies.
package ldif

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// ChangeType identifies the directory operation a record describes.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// ModOp is one modification operation within a modify record.
type ModOp string

const (
	ModAdd     ModOp = "add"
	ModDelete  ModOp = "delete"
	ModReplace ModOp = "replace"
)

// Attr is an attribute with its values, order preserved.
type Attr struct {
	Name   string
	Values []string
}

// Mod is one clause of a modify record ("add: attr" ... "-").
type Mod struct {
	Op     ModOp
	Attr   string
	Values []string
}

// Record is one parsed change record.
type Record struct {
	DN         string
	Type       ChangeType
	Attributes []Attr // populated for add records
	Mods       []Mod  // populated for modify records
}

// ParseError reports a syntax problem with the line that caused it.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ldif: line %d: %s", e.Line, e.Msg)
}

// Parse reads a sequence of change records separated by blank lines.
func Parse(r io.Reader) ([]Record, error) {
	lines, err := unfold(r)
	if err != nil {
		return nil, err
	}

	var records []Record
	var block []logicalLine

	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		rec, err := parseRecord(block)
		if err != nil {
			return err
		}
		records = append(records, *rec)
		block = nil
		return nil
	}

	for _, ln := range lines {
		if ln.text == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		block = append(block, ln)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return records, nil
}

// ParseString is a convenience wrapper around Parse.
func ParseString(s string) ([]Record, error) {
	return Parse(strings.NewReader(s))
}

type logicalLine struct {
	text string
	num  int
}

// unfold joins continuation lines (leading space) and strips comments.
func unfold(r io.Reader) ([]logicalLine, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out []logicalLine
	num := 0
	for scanner.Scan() {
		num++
		raw := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case strings.HasPrefix(raw, "#"):
			continue
		case strings.HasPrefix(raw, " ") && len(out) > 0 && out[len(out)-1].text != "":
			out[len(out)-1].text += raw[1:]
		default:
			out = append(out, logicalLine{text: raw, num: num})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// splitLine splits "name: value" handling the "::" base64 form.
func splitLine(ln logicalLine) (name, value string, err error) {
	idx := strings.Index(ln.text, ":")
	if idx <= 0 {
		return "", "", &ParseError{Line: ln.num, Msg: fmt.Sprintf("expected attrdesc: value, got %q", ln.text)}
	}
	name = ln.text[:idx]
	rest := ln.text[idx+1:]

	if strings.HasPrefix(rest, ":") {
		decoded, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(rest[1:]))
		if decErr != nil {
			return "", "", &ParseError{Line: ln.num, Msg: fmt.Sprintf("invalid base64 value for %s: %v", name, decErr)}
		}
		return name, string(decoded), nil
	}
	return name, strings.TrimPrefix(rest, " "), nil
}

func parseRecord(block []logicalLine) (*Record, error) {
	name, value, err := splitLine(block[0])
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(name, "dn") {
		return nil, &ParseError{Line: block[0].num, Msg: "record must start with a dn line"}
	}
	rec := &Record{DN: value}
	body := block[1:]

	// An explicit changetype, when present, is the first body line.
	if len(body) > 0 {
		if n, v, err := splitLine(body[0]); err == nil && strings.EqualFold(n, "changetype") {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "add":
				rec.Type = ChangeAdd
			case "modify":
				rec.Type = ChangeModify
			case "delete":
				rec.Type = ChangeDelete
			default:
				return nil, &ParseError{Line: body[0].num, Msg: fmt.Sprintf("unsupported changetype %q", v)}
			}
			body = body[1:]
		}
	}

	if rec.Type == "" {
		// Content record: attribute lines imply an add.
		rec.Type = ChangeAdd
	}

	switch rec.Type {
	case ChangeAdd:
		return rec, parseAddBody(rec, body)
	case ChangeModify:
		return rec, parseModifyBody(rec, body)
	case ChangeDelete:
		if len(body) != 0 {
			return nil, &ParseError{Line: body[0].num, Msg: "delete record must not have a body"}
		}
		return rec, nil
	}
	return rec, nil
}

func parseAddBody(rec *Record, body []logicalLine) error {
	if len(body) == 0 {
		return &ParseError{Line: 0, Msg: fmt.Sprintf("add record for %s has no attributes", rec.DN)}
	}
	for _, ln := range body {
		name, value, err := splitLine(ln)
		if err != nil {
			return err
		}
		if n := len(rec.Attributes); n > 0 && strings.EqualFold(rec.Attributes[n-1].Name, name) {
			rec.Attributes[n-1].Values = append(rec.Attributes[n-1].Values, value)
			continue
		}
		rec.Attributes = append(rec.Attributes, Attr{Name: name, Values: []string{value}})
	}
	return nil
}

func parseModifyBody(rec *Record, body []logicalLine) error {
	i := 0
	for i < len(body) {
		name, value, err := splitLine(body[i])
		if err != nil {
			return err
		}
		var op ModOp
		switch strings.ToLower(name) {
		case "add":
			op = ModAdd
		case "delete":
			op = ModDelete
		case "replace":
			op = ModReplace
		default:
			return &ParseError{Line: body[i].num, Msg: fmt.Sprintf("expected add/delete/replace clause, got %q", name)}
		}
		attr := strings.TrimSpace(value)
		if attr == "" {
			return &ParseError{Line: body[i].num, Msg: fmt.Sprintf("%s clause is missing an attribute name", op)}
		}
		mod := Mod{Op: op, Attr: attr}
		i++

		for i < len(body) && body[i].text != "-" {
			vn, vv, err := splitLine(body[i])
			if err != nil {
				return err
			}
			if !strings.EqualFold(vn, attr) {
				return &ParseError{Line: body[i].num, Msg: fmt.Sprintf("value line for %q inside %s clause for %q", vn, op, attr)}
			}
			mod.Values = append(mod.Values, vv)
			i++
		}
		if i < len(body) && body[i].text == "-" {
			i++
		}
		rec.Mods = append(rec.Mods, mod)
	}
	if len(rec.Mods) == 0 {
		return &ParseError{Line: 0, Msg: fmt.Sprintf("modify record for %s has no clauses", rec.DN)}
	}
	return nil
}

// needsBase64 reports whether a value cannot be written as a plain
// "attr: value" line under RFC 2849 safe-string rules.
func needsBase64(v string) bool {
	if v == "" {
		return false
	}
	if strings.HasPrefix(v, " ") || strings.HasPrefix(v, ":") || strings.HasPrefix(v, "<") {
		return true
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\n' || c == '\r' || c == 0 || c >= 0x80 {
			return true
		}
	}
	return strings.HasSuffix(v, " ")
}

func writeValueLine(b *strings.Builder, name, value string) {
	if needsBase64(value) {
		b.WriteString(name)
		b.WriteString(":: ")
		b.WriteString(base64.StdEncoding.EncodeToString([]byte(value)))
	} else {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
	}
	b.WriteByte('\n')
}

// String renders the record in the same grammar Parse consumes.
func (r Record) String() string {
	var b strings.Builder
	writeValueLine(&b, "dn", r.DN)
	b.WriteString("changetype: ")
	b.WriteString(string(r.Type))
	b.WriteByte('\n')

	switch r.Type {
	case ChangeAdd:
		for _, attr := range r.Attributes {
			for _, v := range attr.Values {
				writeValueLine(&b, attr.Name, v)
			}
		}
	case ChangeModify:
		for i, mod := range r.Mods {
			b.WriteString(string(mod.Op))
			b.WriteString(": ")
			b.WriteString(mod.Attr)
			b.WriteByte('\n')
			for _, v := range mod.Values {
				writeValueLine(&b, mod.Attr, v)
			}
			if i < len(r.Mods)-1 {
				b.WriteString("-\n")
			}
		}
	}
	return b.String()
}

// Marshal concatenates records with the blank-line separator Parse expects.
func Marshal(records []Record) string {
	parts := make([]string, 0, len(records))
	for _, r := range records {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, "\n")
}
