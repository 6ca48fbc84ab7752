// Package filter implements ordered include/exclude rule lists with rsync
// filter semantics: rules are evaluated top to bottom, the first matching
// rule decides, and a path no rule matches is excluded. A path is only
// transferred if every directory above it is itself included, so a rule set
// must re-include each directory level it wants to descend into.
//
// Pattern syntax is the subset of rsync's used by the phase rule sets:
//
//	/foo     anchored at the transfer root; otherwise matches at any level
//	foo/     matches directories only
//	*        any run of characters except '/'
//	**       any run of characters including '/'
//	?        one character except '/'
//	[a-f]    a character class ([!a-f] negates)
//	dir/***  dir itself and everything below it
package filter

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

type Decision int

const (
	Excluded Decision = iota
	Included
)

func (d Decision) String() string {
	if d == Included {
		return "+"
	}
	return "-"
}

// DefaultDeny is the index reported by Match when no rule matched.
const DefaultDeny = -1

// Rule is one (pattern, decision) pair.
type Rule struct {
	Decision Decision
	Pattern  string
}

func Include(pattern string) Rule { return Rule{Included, pattern} }
func Exclude(pattern string) Rule { return Rule{Excluded, pattern} }

func (r Rule) String() string {
	return r.Decision.String() + " " + r.Pattern
}

type compiled struct {
	Rule
	re      *regexp.Regexp
	dirOnly bool
}

// RuleSet is an immutable, compiled, ordered list of rules.
type RuleSet struct {
	rules []compiled
}

// New compiles rules in order.
func New(rules ...Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]compiled, 0, len(rules))}
	for i, r := range rules {
		c, err := compile(r)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d %q", i, r)
		}
		rs.rules = append(rs.rules, c)
	}
	return rs, nil
}

// MustNew is New for rule sets fixed at compile time.
func MustNew(rules ...Rule) *RuleSet {
	rs, err := New(rules...)
	if err != nil {
		panic(err)
	}
	return rs
}

// Parse reads rules in rsync merge-file form, one "+ pattern" or
// "- pattern" per line. Blank lines and lines starting with '#' are skipped.
func Parse(text string) (*RuleSet, error) {
	var rules []Rule
	sc := bufio.NewScanner(strings.NewReader(text))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) < 3 || line[1] != ' ' {
			return nil, fmt.Errorf("line %d: malformed rule %q", n, line)
		}
		switch line[0] {
		case '+':
			rules = append(rules, Include(strings.TrimSpace(line[2:])))
		case '-':
			rules = append(rules, Exclude(strings.TrimSpace(line[2:])))
		default:
			return nil, fmt.Errorf("line %d: rule must start with '+' or '-': %q", n, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return New(rules...)
}

// Rules returns a copy of the uncompiled rules.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	for i, c := range rs.rules {
		out[i] = c.Rule
	}
	return out
}

// Match returns the decision of the first rule matching path, and that
// rule's index, or (Excluded, DefaultDeny). Only path itself is considered;
// see Allows for the descent check.
func (rs *RuleSet) Match(path string, isDir bool) (Decision, int) {
	p := normalize(path)
	for i, c := range rs.rules {
		if c.dirOnly && !isDir {
			continue
		}
		if c.re.MatchString(p) {
			return c.Decision, i
		}
	}
	return Excluded, DefaultDeny
}

// Allows reports whether path would be transferred: every ancestor
// directory must be included and then path itself.
func (rs *RuleSet) Allows(path string, isDir bool) bool {
	p := normalize(path)
	if p == "" {
		return true
	}
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			if d, _ := rs.Match(p[:i], true); d != Included {
				return false
			}
		}
	}
	d, _ := rs.Match(p, isDir)
	return d == Included
}

// String renders the rule set as an rsync merge file. The default-deny tail
// is written out explicitly.
func (rs *RuleSet) String() string {
	var b strings.Builder
	for _, c := range rs.rules {
		b.WriteString(c.Rule.String())
		b.WriteByte('\n')
	}
	b.WriteString("- *\n")
	return b.String()
}

func normalize(path string) string {
	return strings.Trim(path, "/")
}

func compile(r Rule) (compiled, error) {
	p := r.Pattern
	if p == "" || p == "/" {
		return compiled{}, errors.New("empty pattern")
	}
	c := compiled{Rule: r}
	anchored := strings.HasPrefix(p, "/")
	p = strings.TrimPrefix(p, "/")

	suffix := "$"
	if strings.HasSuffix(p, "/***") {
		p = strings.TrimSuffix(p, "/***")
		suffix = "(/.*)?$"
	} else if strings.HasSuffix(p, "/") {
		c.dirOnly = true
		p = strings.TrimSuffix(p, "/")
	}

	body, err := globToRegexp(p)
	if err != nil {
		return compiled{}, err
	}
	prefix := "^"
	if !anchored {
		prefix = "(^|/)"
	}
	c.re, err = regexp.Compile(prefix + body + suffix)
	if err != nil {
		return compiled{}, err
	}
	return c, nil
}

func globToRegexp(glob string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		ch := glob[i]
		switch ch {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				return "", fmt.Errorf("unterminated character class in %q", glob)
			}
			class := glob[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		case '\\':
			if i+1 < len(glob) {
				i++
				b.WriteString(regexp.QuoteMeta(string(glob[i])))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	return b.String(), nil
}
