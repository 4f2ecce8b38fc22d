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

package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openexec/codebroker/pkg/apierr"
	"github.com/openexec/codebroker/pkg/toolparse"
)

// toolOutputMarker separates tool prints from the serialized return value
// on the driver's stdout.
const toolOutputMarker = "---CODEBROKER-TOOL-OUTPUT---"

// toolOutputNotSerializable is the driver's exit code when the return
// value cannot be JSON-serialized.
const toolOutputNotSerializable = 65

// ParsedTool is the external shape of a parsed custom tool.
type ParsedTool struct {
	ToolName            string
	ToolInputSchemaJSON string
	ToolDescription     string
}

// ParseCustomTool extracts name, input schema and description from a
// function-shaped tool source.
func (s *Service) ParseCustomTool(toolSourceCode string) (*ParsedTool, error) {
	tool, err := toolparse.Parse(toolSourceCode)
	if err != nil {
		return nil, err
	}
	schemaJSON, err := tool.InputSchemaJSON()
	if err != nil {
		return nil, err
	}
	return &ParsedTool{
		ToolName:            tool.Name,
		ToolInputSchemaJSON: schemaJSON,
		ToolDescription:     describeTool(tool),
	}, nil
}

func describeTool(tool *toolparse.Tool) string {
	desc := tool.Description
	if tool.ReturnDescription != "" {
		if desc != "" {
			desc += "\n\n"
		}
		desc += "Returns: " + tool.ReturnDescription
	}
	return desc
}

// ExecuteCustomToolRequest runs a custom tool with typed JSON arguments.
type ExecuteCustomToolRequest struct {
	ToolSourceCode string
	ToolInputJSON  string
	Env            map[string]string
}

// ExecuteCustomTool validates the input against the tool schema, injects
// the tool source into a fresh worker wrapped in a driver that binds the
// arguments, and returns the JSON-serialized return value.
func (s *Service) ExecuteCustomTool(ctx context.Context, req ExecuteCustomToolRequest) (string, error) {
	tool, err := toolparse.Parse(req.ToolSourceCode)
	if err != nil {
		return "", err
	}
	if _, err := tool.ValidateInput(req.ToolInputJSON); err != nil {
		return "", err
	}

	driver, err := buildToolDriver(req.ToolSourceCode, tool.Name, req.ToolInputJSON)
	if err != nil {
		return "", err
	}

	result, err := s.Execute(ctx, ExecuteRequest{
		SourceCode: driver,
		Env:        req.Env,
		ChatID:     DefaultChatID,
		noTruncate: true,
	})
	if err != nil {
		return "", err
	}

	if result.ExitCode == toolOutputNotSerializable {
		return "", apierr.New(apierr.KindInvalidToolOutput, "tool result is not JSON-serializable: %s", strings.TrimSpace(result.Stderr))
	}
	if result.ExitCode != 0 {
		return "", apierr.New(apierr.KindInvalidToolOutput, "%s", strings.TrimSpace(result.Stderr))
	}

	_, output, found := strings.Cut(result.Stdout, toolOutputMarker)
	if !found {
		return "", apierr.New(apierr.KindInvalidToolOutput, "tool produced no output")
	}
	output = strings.TrimSpace(output)
	if !json.Valid([]byte(output)) {
		return "", apierr.New(apierr.KindInvalidToolOutput, "tool output is not valid JSON")
	}
	return output, nil
}

// buildToolDriver wraps the tool source in a script that decodes the
// arguments, calls the function and prints the JSON result behind the
// output marker. Arguments travel base64-encoded to avoid any source
// escaping concerns.
func buildToolDriver(toolSource, toolName, inputJSON string) (string, error) {
	if !json.Valid([]byte(inputJSON)) {
		return "", apierr.New(apierr.KindInvalidArgument, "tool_input_json is not valid JSON")
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(inputJSON))

	var b strings.Builder
	b.WriteString("import base64 as _b64, json as _json, sys as _sys\n\n")
	b.WriteString(toolSource)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "_args = _json.loads(_b64.b64decode(%q).decode(\"utf-8\"))\n", encoded)
	fmt.Fprintf(&b, "_result = %s(**_args)\n", toolName)
	b.WriteString("try:\n")
	b.WriteString("    _out = _json.dumps(_result)\n")
	b.WriteString("except (TypeError, ValueError) as _e:\n")
	b.WriteString("    print(\"cannot serialize tool result: %s\" % _e, file=_sys.stderr)\n")
	fmt.Fprintf(&b, "    _sys.exit(%d)\n", toolOutputNotSerializable)
	fmt.Fprintf(&b, "print(%q)\n", toolOutputMarker)
	b.WriteString("print(_out)\n")
	return b.String(), nil
}
