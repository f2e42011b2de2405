// Package ignore matches installation-relative paths against protect rules, so reconciliation never
// deletes player data such as the Persistent directory.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultProtected keeps downloaded-at-runtime game data out of set-difference deletion.
var DefaultProtected = []string{"Persistent/"}

// Matcher evaluates rules in order, supporting:
// - "#": comment lines
// - "!": negation (unprotect)
// - basic glob tokens (*, ?, [], and **)
// - patterns without "/" match at any depth
// - a trailing "/" matches a directory and everything below it
type Matcher struct {
	rules []rule
}

type rule struct {
	include bool
	dirOnly bool
	re      *regexp.Regexp
	under   *regexp.Regexp
	raw     string
}

// New builds a matcher from inline patterns followed by the lines of each rule file. Relative rule
// files are resolved against root; missing files are ignored.
func New(root string, patterns []string, ruleFiles ...string) *Matcher {
	lines := append([]string(nil), patterns...)
	for _, f := range ruleFiles {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		lines = append(lines, loadRuleFile(root, f)...)
	}

	m := &Matcher{}
	for _, line := range lines {
		r, ok := parseRule(line)
		if !ok {
			continue
		}
		m.rules = append(m.rules, r)
	}
	return m
}

// Len returns the number of active rules.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// Match reports whether rel (slash or OS separated, relative to the root) is protected.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil {
		return false
	}
	rel = strings.TrimSpace(rel)
	if rel == "" || rel == "." {
		return false
	}
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./")

	matched := false
	for _, r := range m.rules {
		if r.matches(rel, isDir) {
			matched = !r.include
		}
	}
	return matched
}

func (r rule) matches(rel string, isDir bool) bool {
	if r.re == nil {
		return false
	}
	if r.re.MatchString(rel) {
		return !r.dirOnly || isDir
	}
	return r.under != nil && r.under.MatchString(rel)
}

func parseRule(line string) (rule, bool) {
	raw := strings.TrimSpace(line)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return rule{}, false
	}
	r := rule{raw: raw}
	if strings.HasPrefix(raw, "!") {
		r.include = true
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "!"))
		if raw == "" {
			return rule{}, false
		}
	}

	raw = strings.ReplaceAll(raw, `\`, "/")
	anchored := strings.HasPrefix(raw, "/")
	if anchored {
		raw = strings.TrimPrefix(raw, "/")
	}
	if strings.HasSuffix(raw, "/") {
		r.dirOnly = true
		raw = strings.TrimSuffix(raw, "/")
	}
	if raw == "" {
		return rule{}, false
	}
	if !anchored && !strings.Contains(raw, "/") {
		raw = "**/" + raw
	}

	expr := globToRegexp(raw)
	if expr == "" {
		return rule{}, false
	}
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return rule{}, false
	}
	r.re = re
	if r.dirOnly {
		r.under = regexp.MustCompile("^" + expr + "/.*$")
	}
	return r, true
}

func globToRegexp(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				// "**/" also matches zero directories.
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					b.WriteString(`(?:.*/)?`)
					i += 2
					continue
				}
				b.WriteString(".*")
				i++
				continue
			}
			b.WriteString(`[^/]*`)
		case '?':
			b.WriteString(`[^/]`)
		case '[':
			j := i + 1
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j >= len(pattern) {
				b.WriteString(`\[`)
				continue
			}
			class := strings.ReplaceAll(pattern[i:j+1], `\`, `\\`)
			b.WriteString(class)
			i = j
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '\\':
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func loadRuleFile(root, path string) []string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r\n"))
	}
	return lines
}
