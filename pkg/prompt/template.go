package prompt

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontMatterDelim = "---"

// Metadata is the optional YAML front-matter of a template file.
type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Variables   []string `yaml:"variables"`
}

// Template is one parsed prompt file: its front-matter and the body with
// $var / ${var} placeholders.
type Template struct {
	Name string
	Meta Metadata
	Body string
}

// parseTemplate splits raw file content into front-matter and body. Files
// without a leading --- line are all body.
func parseTemplate(name string, content []byte) (*Template, error) {
	t := &Template{Name: name}

	trimmed := bytes.TrimLeft(content, "\r\n")
	if !bytes.HasPrefix(trimmed, []byte(frontMatterDelim+"\n")) &&
		!bytes.HasPrefix(trimmed, []byte(frontMatterDelim+"\r\n")) {
		t.Body = string(content)
		return t, nil
	}

	rest := trimmed[len(frontMatterDelim):]
	rest = bytes.TrimPrefix(rest, []byte("\r\n"))
	rest = bytes.TrimPrefix(rest, []byte("\n"))

	fm, body, found := splitClosingDelim(rest)
	if !found {
		return nil, fmt.Errorf("template %q: missing closing front-matter delimiter %s", name, frontMatterDelim)
	}
	if err := yaml.Unmarshal(fm, &t.Meta); err != nil {
		return nil, fmt.Errorf("template %q: invalid front-matter: %w", name, err)
	}
	t.Body = string(body)
	return t, nil
}

// splitClosingDelim scans for a standalone --- line and splits around it.
func splitClosingDelim(data []byte) (fm, body []byte, found bool) {
	offset := 0
	for _, line := range bytes.SplitAfter(data, []byte("\n")) {
		if string(bytes.TrimRight(line, "\r\n")) == frontMatterDelim {
			return data[:offset], data[offset+len(line):], true
		}
		offset += len(line)
	}
	return nil, nil, false
}

// expand substitutes $var and ${var} placeholders in body. Placeholders with
// no value in vars are collected in missing (ordered, deduplicated); when
// keepMissing is set they stay in the output verbatim, otherwise they expand
// to the empty string. A $ not followed by a name is literal.
func expand(body string, vars map[string]string, keepMissing bool) (string, []string) {
	var (
		out     strings.Builder
		missing []string
		seen    map[string]bool
	)
	out.Grow(len(body))

	for i := 0; i < len(body); {
		c := body[i]
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}

		name, width := parsePlaceholder(body[i+1:])
		if name == "" {
			out.WriteByte(c)
			i++
			continue
		}

		if val, ok := vars[name]; ok {
			out.WriteString(val)
		} else {
			if !seen[name] {
				if seen == nil {
					seen = map[string]bool{}
				}
				seen[name] = true
				missing = append(missing, name)
			}
			if keepMissing {
				out.WriteString(body[i : i+1+width])
			}
		}
		i += 1 + width
	}
	return out.String(), missing
}

// parsePlaceholder reads a variable reference after a $: either {name} or a
// bare identifier. It returns the name and how many bytes it consumed, or
// ("", 0) if no valid reference starts here.
func parsePlaceholder(s string) (name string, width int) {
	if s == "" {
		return "", 0
	}
	if s[0] == '{' {
		end := strings.IndexByte(s, '}')
		if end < 2 || !isIdentifier(s[1:end]) {
			return "", 0
		}
		return s[1:end], end + 1
	}

	n := 0
	for n < len(s) && isIdentByte(s[n], n == 0) {
		n++
	}
	if n == 0 {
		return "", 0
	}
	return s[:n], n
}

func isIdentifier(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i], i == 0) {
			return false
		}
	}
	return len(s) > 0
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c == '_', 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		return true
	case '0' <= c && c <= '9':
		return !first
	default:
		return false
	}
}
