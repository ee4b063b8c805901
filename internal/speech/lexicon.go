package speech

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Lexicon rewrites narration text so the synthesizer pronounces exam
// vocabulary correctly. Rules are read from a plain text file:
//
//	IELTS => eye elts
//	s/\bPart (\d)\b/part $1/g
//
// Blank lines and lines starting with '#' are skipped.
type Lexicon struct {
	rules     []lexiconRule
	passLimit int
}

type lexiconRule interface {
	rewrite(input string) (string, bool)
}

// LoadLexicon compiles the rules file at path. A missing or empty path
// yields an empty lexicon.
func LoadLexicon(path string, passLimit int) (*Lexicon, error) {
	if passLimit <= 0 {
		passLimit = 8
	}
	if strings.TrimSpace(path) == "" {
		return &Lexicon{passLimit: passLimit}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Lexicon{passLimit: passLimit}, nil
		}
		return nil, fmt.Errorf("failed to read lexicon %q: %w", path, err)
	}

	rules, err := ParseLexicon(string(contents))
	if err != nil {
		return nil, fmt.Errorf("failed to parse lexicon %q: %w", path, err)
	}
	rules.passLimit = passLimit
	return rules, nil
}

// ParseLexicon compiles lexicon rules from text.
func ParseLexicon(contents string) (*Lexicon, error) {
	lex := &Lexicon{passLimit: 8}
	for index, raw := range strings.Split(contents, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var (
			rule lexiconRule
			err  error
		)
		switch {
		case isSubstitution(line):
			rule, err = parseSubstitution(line)
		case strings.Contains(line, "=>"):
			rule, err = parseWordRule(line)
		default:
			err = errors.New("unsupported rule format")
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		lex.rules = append(lex.rules, rule)
	}
	return lex, nil
}

// Len reports the number of compiled rules.
func (l *Lexicon) Len() int {
	if l == nil {
		return 0
	}
	return len(l.rules)
}

// Apply rewrites text until no rule changes it or the pass limit is hit.
func (l *Lexicon) Apply(text string) string {
	if l.Len() == 0 {
		return text
	}
	for pass := 0; pass < l.passLimit; pass++ {
		changed := false
		for _, rule := range l.rules {
			if next, ok := rule.rewrite(text); ok {
				text = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return text
}

// wordRule replaces whole-word, case-insensitive occurrences of a phrase.
type wordRule struct {
	re          *regexp.Regexp
	replacement string
}

func parseWordRule(line string) (lexiconRule, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" {
		return nil, errors.New("word rule source cannot be empty")
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(from) + `\b`)
	if err != nil {
		return nil, fmt.Errorf("invalid word rule: %w", err)
	}
	return wordRule{re: re, replacement: to}, nil
}

func (r wordRule) rewrite(input string) (string, bool) {
	out := r.re.ReplaceAllLiteralString(input, r.replacement)
	return out, out != input
}

// substitution is a sed-style s<d>pattern<d>replacement<d>flags rule.
type substitution struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func isSubstitution(line string) bool {
	return len(line) > 1 && line[0] == 's' && !isWordChar(line[1])
}

func parseSubstitution(line string) (lexiconRule, error) {
	delim := line[1]
	pattern, pos, err := readDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	replacement, pos, err := readDelimited(line, pos, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid replacement: %w", err)
	}

	global := false
	prefix := "i"
	for _, flag := range strings.TrimSpace(line[pos:]) {
		switch flag {
		case 'g':
			global = true
		case 'i':
		case 'm', 's':
			prefix += string(flag)
		default:
			return nil, fmt.Errorf("unsupported flag %q", flag)
		}
	}

	re, err := regexp.Compile("(?" + prefix + ")" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return substitution{re: re, replacement: replacement, global: global}, nil
}

func (r substitution) rewrite(input string) (string, bool) {
	if r.global {
		out := r.re.ReplaceAllString(input, r.replacement)
		return out, out != input
	}
	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input, false
	}
	expanded := r.re.ExpandString(nil, r.replacement, input, loc)
	out := input[:loc[0]] + string(expanded) + input[loc[1]:]
	return out, out != input
}

func readDelimited(line string, start int, delim byte) (string, int, error) {
	var b strings.Builder
	escaped := false
	for i := start; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			if c != delim {
				b.WriteByte('\\')
			}
			b.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == delim:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, errors.New("unterminated expression")
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == ' ' || c == '\t'
}
