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

package server

import (
	"strings"
	"unicode"
)

// keyAliases maps historic client field names onto the canonical ones.
var keyAliases = map[string]string{
	"sourceCode":     "source_code",
	"code":           "source_code",
	"timeoutSeconds": "timeout",
}

// canonicalize normalizes every object key in a decoded JSON payload:
// aliases first, then camelCase to snake_case. Clients of the execute
// endpoint are notoriously loose about envelope shape.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			key, ok := keyAliases[k]
			if !ok {
				key = camelToSnake(k)
			}
			out[key] = canonicalize(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = canonicalize(child)
		}
		return out
	default:
		return v
	}
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// unwrapEnvelope drops a {"requestBody": {...}} wrapper if it is the
// only key.
func unwrapEnvelope(payload map[string]any) map[string]any {
	if len(payload) != 1 {
		return payload
	}
	if inner, ok := payload["requestBody"].(map[string]any); ok {
		return inner
	}
	if inner, ok := payload["request_body"].(map[string]any); ok {
		return inner
	}
	return payload
}
