/*
Copyright The CodeBroker Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package toolparse extracts a typed input schema from a function-shaped
// Python tool source: one top-level function with annotated parameters
// and a docstring becomes a Draft-07 JSON Schema plus descriptions.
package toolparse

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/openexec/codebroker/pkg/apierr"
)

// Param is one declared tool parameter.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Schema      map[string]any
}

// Tool is the parsed form of a custom tool.
type Tool struct {
	Name              string
	Description       string
	ReturnDescription string
	Params            []Param
}

// Parse locates the single top-level function in source and builds the
// tool description. All failures carry kind InvalidTool.
func Parse(source string) (*Tool, error) {
	name, rawParams, body, err := splitFunction(source)
	if err != nil {
		return nil, err
	}

	doc := parseDocstring(body)

	tool := &Tool{
		Name:              name,
		Description:       doc.description,
		ReturnDescription: doc.returns,
	}
	for _, raw := range rawParams {
		p, err := parseParam(raw)
		if err != nil {
			return nil, err
		}
		p.Description = doc.params[p.Name]
		tool.Params = append(tool.Params, p)
	}
	return tool, nil
}

// InputSchema builds the Draft-07 JSON Schema of the tool's arguments.
func (t *Tool) InputSchema() map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, p := range t.Params {
		schema := map[string]any{}
		for k, v := range p.Schema {
			schema[k] = v
		}
		if p.Description != "" {
			schema["description"] = p.Description
		}
		properties[p.Name] = schema
		if p.Required {
			required = append(required, p.Name)
		}
	}
	out := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"title":                t.Name,
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// InputSchemaJSON is InputSchema marshalled to a compact string.
func (t *Tool) InputSchemaJSON() (string, error) {
	raw, err := json.Marshal(t.InputSchema())
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, err, "encode tool schema")
	}
	return string(raw), nil
}

// ValidateInput checks inputJSON against the tool schema and returns the
// decoded argument map.
func (t *Tool) ValidateInput(inputJSON string) (map[string]any, error) {
	schemaJSON, err := t.InputSchemaJSON()
	if err != nil {
		return nil, err
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "decode tool schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", schemaDoc); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "register tool schema")
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "compile tool schema")
	}

	input, err := jsonschema.UnmarshalJSON(strings.NewReader(inputJSON))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidArgument, err, "tool_input_json is not valid JSON")
	}
	if err := schema.Validate(input); err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidArgument, err, "tool input does not match schema")
	}
	args, ok := input.(map[string]any)
	if !ok {
		return nil, apierr.New(apierr.KindInvalidArgument, "tool input must be a JSON object")
	}
	return args, nil
}

// ---- source scanning ----

// splitFunction finds the single top-level def, returning its name, the
// raw parameter declarations and the function body.
func splitFunction(source string) (name string, params []string, body string, err error) {
	lines := strings.Split(source, "\n")
	defLine := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "def ") {
			if defLine >= 0 {
				return "", nil, "", apierr.New(apierr.KindInvalidTool, "tool source must declare exactly one top-level function")
			}
			defLine = i
		}
	}
	if defLine < 0 {
		return "", nil, "", apierr.New(apierr.KindInvalidTool, "tool source declares no top-level function")
	}

	// The signature may span lines; join until the parenthesis balances
	// and the header's terminating colon appears.
	header := ""
	headerEnd := defLine
	for i := defLine; i < len(lines); i++ {
		header += lines[i] + "\n"
		if parensBalanced(header) && strings.Contains(stripAfterParens(header), ":") {
			headerEnd = i
			break
		}
	}

	open := strings.Index(header, "(")
	if open < 0 {
		return "", nil, "", apierr.New(apierr.KindInvalidTool, "malformed function signature")
	}
	name = strings.TrimSpace(header[len("def "):open])
	if name == "" {
		return "", nil, "", apierr.New(apierr.KindInvalidTool, "function has no name")
	}

	closing := matchParen(header, open)
	if closing < 0 {
		return "", nil, "", apierr.New(apierr.KindInvalidTool, "unbalanced parentheses in signature")
	}
	params = splitTopLevel(header[open+1 : closing])

	body = strings.Join(lines[headerEnd+1:], "\n")
	return name, params, body, nil
}

func parensBalanced(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
	}
	return depth == 0
}

// stripAfterParens returns what follows the first balanced paren group.
func stripAfterParens(s string) string {
	open := strings.Index(s, "(")
	if open < 0 {
		return ""
	}
	closing := matchParen(s, open)
	if closing < 0 {
		return ""
	}
	return s[closing+1:]
}

func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits a parameter list on commas outside brackets.
func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// parseParam maps one `name: annotation [= default]` declaration.
func parseParam(raw string) (Param, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Param{}, apierr.New(apierr.KindInvalidTool, "empty parameter declaration")
	}
	if strings.HasPrefix(raw, "*") {
		return Param{}, apierr.New(apierr.KindInvalidTool, "variadic parameter %q is not supported", raw)
	}

	decl := raw
	hasDefault := false
	if eq := topLevelIndex(decl, '='); eq >= 0 {
		decl = strings.TrimSpace(decl[:eq])
		hasDefault = true
	}

	name, annotation, ok := strings.Cut(decl, ":")
	if !ok {
		return Param{}, apierr.New(apierr.KindInvalidTool, "parameter %q has no type annotation", strings.TrimSpace(decl))
	}
	name = strings.TrimSpace(name)
	annotation = strings.TrimSpace(annotation)

	schema, optional, err := typeToSchema(annotation)
	if err != nil {
		return Param{}, err
	}
	return Param{
		Name:     name,
		Type:     annotation,
		Required: !hasDefault && !optional,
		Schema:   schema,
	}, nil
}

func topLevelIndex(s string, target rune) int {
	depth := 0
	for i, r := range s {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		default:
			if r == target && depth == 0 {
				return i
			}
		}
	}
	return -1
}

// typeToSchema maps a Python annotation to a JSON Schema fragment.
// optional reports an Optional[...]/| None wrapper.
func typeToSchema(annotation string) (schema map[string]any, optional bool, err error) {
	annotation = strings.TrimSpace(annotation)
	annotation = strings.TrimPrefix(annotation, "typing.")

	// T | None and Optional[T] unwrap to T, not required.
	if inner, ok := strings.CutSuffix(annotation, "| None"); ok {
		schema, _, err = typeToSchema(strings.TrimSpace(strings.TrimSuffix(inner, "|")))
		return schema, true, err
	}
	if inner, ok := cutGeneric(annotation, "Optional"); ok {
		schema, _, err = typeToSchema(inner)
		return schema, true, err
	}

	switch annotation {
	case "str":
		return map[string]any{"type": "string"}, false, nil
	case "int":
		return map[string]any{"type": "integer"}, false, nil
	case "float":
		return map[string]any{"type": "number"}, false, nil
	case "bool":
		return map[string]any{"type": "boolean"}, false, nil
	case "list", "List":
		return map[string]any{"type": "array"}, false, nil
	case "dict", "Dict":
		return map[string]any{"type": "object"}, false, nil
	}

	if inner, ok := cutGeneric(annotation, "list"); ok {
		return listSchema(inner)
	}
	if inner, ok := cutGeneric(annotation, "List"); ok {
		return listSchema(inner)
	}
	if _, ok := cutGeneric(annotation, "dict"); ok {
		return map[string]any{"type": "object"}, false, nil
	}
	if _, ok := cutGeneric(annotation, "Dict"); ok {
		return map[string]any{"type": "object"}, false, nil
	}
	if inner, ok := cutGeneric(annotation, "Literal"); ok {
		return literalSchema(inner)
	}

	return nil, false, apierr.New(apierr.KindInvalidTool, "unsupported parameter type %q", annotation)
}

func listSchema(inner string) (map[string]any, bool, error) {
	items, _, err := typeToSchema(inner)
	if err != nil {
		return nil, false, err
	}
	return map[string]any{"type": "array", "items": items}, false, nil
}

// literalSchema turns Literal["a", "b"] into an enum.
func literalSchema(inner string) (map[string]any, bool, error) {
	var values []any
	for _, part := range splitTopLevel(inner) {
		part = strings.TrimSpace(part)
		var v any
		if err := json.Unmarshal([]byte(strings.ReplaceAll(part, "'", `"`)), &v); err != nil {
			return nil, false, apierr.New(apierr.KindInvalidTool, "unsupported literal value %q", part)
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, false, apierr.New(apierr.KindInvalidTool, "empty Literal type")
	}
	return map[string]any{"enum": values}, false, nil
}

// cutGeneric returns the bracketed payload of Name[...] annotations.
func cutGeneric(s, name string) (string, bool) {
	if !strings.HasPrefix(s, name+"[") || !strings.HasSuffix(s, "]") {
		return "", false
	}
	return s[len(name)+1 : len(s)-1], true
}
