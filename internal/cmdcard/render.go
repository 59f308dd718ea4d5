// Package cmdcard implements the two-phase command-card execution engine:
// prepare renders and gates, review approves or rejects, execute runs the
// child process with timeout and crash recovery.
package cmdcard

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// dangerousPatterns bar auto-approval and force review. Matched against the
// rendered command.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*\b`),
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*\b`),
	regexp.MustCompile(`\bshutdown\b`),
	regexp.MustCompile(`\breboot\b`),
	regexp.MustCompile(`\bcurl\b[^|]*\|\s*(ba|z|da)?sh\b`),
	regexp.MustCompile(`\bwget\b[^|]*\|\s*(ba|z|da)?sh\b`),
}

// ScanDangerous returns the dangerous patterns matched by a rendered command.
func ScanDangerous(command string) []string {
	hits := []string{}
	seen := map[string]bool{}
	for _, p := range dangerousPatterns {
		if m := p.FindString(command); m != "" {
			trimmed := strings.TrimSpace(m)
			if !seen[trimmed] {
				seen[trimmed] = true
				hits = append(hits, trimmed)
			}
		}
	}
	return hits
}

// ParseParams accepts a JSON object string or an already-decoded object.
// Arrays and scalars are rejected.
func ParseParams(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return map[string]any{}, nil
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil, fmt.Errorf("params is not valid JSON: %w", err)
		}
		obj, ok := decoded.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("params must be a JSON object")
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("params must be a JSON object")
	}
}

// ValidateParams checks params against an args_schema of the form
// {"name": {"type": "string", "required": true}, ...}. Supported types:
// int, number, bool, string.
func ValidateParams(schema map[string]any, params map[string]any) error {
	for name, rawSpec := range schema {
		spec, ok := rawSpec.(map[string]any)
		if !ok {
			continue
		}
		required, _ := spec["required"].(bool)
		value, present := params[name]
		if !present {
			if required {
				return fmt.Errorf("missing required param %q", name)
			}
			continue
		}
		wantType, _ := spec["type"].(string)
		if wantType == "" {
			continue
		}
		if err := checkParamType(name, wantType, value); err != nil {
			return err
		}
	}
	return nil
}

func checkParamType(name, wantType string, value any) error {
	switch wantType {
	case "int":
		switch v := value.(type) {
		case int, int64:
			return nil
		case float64:
			if v == float64(int64(v)) {
				return nil
			}
		}
		return fmt.Errorf("param %q must be an integer", name)
	case "number":
		switch value.(type) {
		case int, int64, float64:
			return nil
		}
		return fmt.Errorf("param %q must be a number", name)
	case "bool":
		if _, ok := value.(bool); ok {
			return nil
		}
		return fmt.Errorf("param %q must be a boolean", name)
	case "string":
		if _, ok := value.(string); ok {
			return nil
		}
		return fmt.Errorf("param %q must be a string", name)
	default:
		return fmt.Errorf("param %q has unknown schema type %q", name, wantType)
	}
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// shellQuote quotes a value so it survives POSIX word splitting as a single
// argument with no expansion.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if regexp.MustCompile(`^[A-Za-z0-9_./:=+,@%^-]+$`).MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func paramString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// RenderTemplate substitutes {name} placeholders with shell-quoted parameter
// values. Unresolved placeholders are an error.
func RenderTemplate(template string, params map[string]any) (string, error) {
	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return shellQuote(paramString(v))
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders: %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}

// SplitShellWords tokenizes a command with POSIX shell word splitting, without
// invoking a shell: whitespace separates words, single quotes are literal,
// double quotes honor backslash escapes.
func SplitShellWords(s string) ([]string, error) {
	var (
		words   []string
		current strings.Builder
		inWord  bool
	)
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				words = append(words, current.String())
				current.Reset()
				inWord = false
			}
			i++
		case c == '\'':
			inWord = true
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated single quote")
			}
			current.WriteString(s[i+1 : i+1+end])
			i += end + 2
		case c == '"':
			inWord = true
			i++
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) {
					next := s[i+1]
					if next == '"' || next == '\\' || next == '$' || next == '`' {
						current.WriteByte(next)
						i += 2
						continue
					}
				}
				current.WriteByte(s[i])
				i++
			}
			if i >= len(s) {
				return nil, fmt.Errorf("unterminated double quote")
			}
			i++
		case c == '\\':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("trailing backslash")
			}
			inWord = true
			current.WriteByte(s[i+1])
			i += 2
		default:
			inWord = true
			current.WriteByte(c)
			i++
		}
	}
	if inWord {
		words = append(words, current.String())
	}
	return words, nil
}
