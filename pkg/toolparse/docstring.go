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

package toolparse

import "strings"

type docstring struct {
	description string
	params      map[string]string
	returns     string
}

// parseDocstring extracts the leading triple-quoted string of a function
// body and splits it into a short description, :param: entries and the
// :return: entry. A missing docstring yields empty fields.
func parseDocstring(body string) docstring {
	doc := docstring{params: map[string]string{}}

	text, ok := extractTripleQuoted(body)
	if !ok {
		return doc
	}

	var descLines []string
	currentParam := ""
	flushTo := func(line string) {
		switch currentParam {
		case "<return>":
			doc.returns = joinDocLine(doc.returns, line)
		case "-":
			// continuation of an unknown field, dropped
		case "":
			descLines = append(descLines, line)
		default:
			doc.params[currentParam] = joinDocLine(doc.params[currentParam], line)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, ":param "):
			rest := strings.TrimPrefix(line, ":param ")
			name, desc, found := strings.Cut(rest, ":")
			if !found {
				continue
			}
			// Tolerate ":param type name:" by taking the last word.
			fields := strings.Fields(strings.TrimSpace(name))
			if len(fields) == 0 {
				continue
			}
			currentParam = fields[len(fields)-1]
			doc.params[currentParam] = strings.TrimSpace(desc)
		case strings.HasPrefix(line, ":return:") || strings.HasPrefix(line, ":returns:"):
			_, desc, _ := strings.Cut(line, ":")
			_, desc, _ = strings.Cut(desc, ":")
			currentParam = "<return>"
			doc.returns = strings.TrimSpace(desc)
		case strings.HasPrefix(line, ":"):
			// Unknown field (e.g. :raises:); stop attributing lines.
			currentParam = "-"
		default:
			flushTo(line)
		}
	}

	doc.description = strings.TrimSpace(strings.Join(descLines, "\n"))
	return doc
}

func joinDocLine(existing, line string) string {
	if line == "" {
		return existing
	}
	if existing == "" {
		return line
	}
	return existing + " " + line
}

// extractTripleQuoted returns the content of the first leading
// triple-quoted string in body.
func extractTripleQuoted(body string) (string, bool) {
	trimmed := strings.TrimLeft(body, " \t\r\n")
	var quote string
	switch {
	case strings.HasPrefix(trimmed, `"""`):
		quote = `"""`
	case strings.HasPrefix(trimmed, "'''"):
		quote = "'''"
	default:
		return "", false
	}
	rest := trimmed[len(quote):]
	end := strings.Index(rest, quote)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}
