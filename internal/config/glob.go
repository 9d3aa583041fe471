package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/toolgate-ai/toolgate/internal/hookerr"
)

// Glob is a single compiled path pattern. `*` and `?` never cross a path
// separator; a whole `**` component matches any number of components. A
// leading `~/` expands to the user's home directory at compile time.
type Glob struct {
	pattern string
	re      *regexp.Regexp
}

// CompileGlob compiles one pattern. Invalid patterns (e.g. an unterminated
// character class) fail here, at load time, never during matching.
func CompileGlob(pattern string) (*Glob, error) {
	expanded := pattern
	if strings.HasPrefix(pattern, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, pattern[2:])
		}
	}
	expr, err := globToRegexp(expanded)
	if err != nil {
		return nil, &hookerr.GlobPatternError{Pattern: pattern, Reason: err.Error()}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &hookerr.GlobPatternError{Pattern: pattern, Reason: err.Error()}
	}
	return &Glob{pattern: pattern, re: re}, nil
}

// Pattern returns the original pattern text, used in decision reasons.
func (g *Glob) Pattern() string { return g.pattern }

func (g *Glob) Match(path string) bool { return g.re.MatchString(path) }

// GlobSet matches a path against any of its member patterns.
type GlobSet struct {
	globs []*Glob
}

// CompileGlobSet compiles all patterns; the first bad pattern aborts the set.
func CompileGlobSet(patterns []string) (*GlobSet, error) {
	set := &GlobSet{globs: make([]*Glob, 0, len(patterns))}
	for _, p := range patterns {
		g, err := CompileGlob(p)
		if err != nil {
			return nil, err
		}
		set.globs = append(set.globs, g)
	}
	return set, nil
}

func (s *GlobSet) Match(path string) bool {
	_, ok := s.MatchWhich(path)
	return ok
}

// MatchWhich returns the first matching pattern so callers can name it in the
// decision reason.
func (s *GlobSet) MatchWhich(path string) (string, bool) {
	for _, g := range s.globs {
		if g.Match(path) {
			return g.pattern, true
		}
	}
	return "", false
}

func (s *GlobSet) Empty() bool { return len(s.globs) == 0 }

// globToRegexp translates a glob into an anchored regular expression. The
// pattern is split on '/' so component wildcards cannot cross separators.
func globToRegexp(pattern string) (string, error) {
	segs := strings.Split(pattern, "/")
	var sb strings.Builder
	sb.WriteString("^")
	needSep := false
	for i, seg := range segs {
		last := i == len(segs)-1
		if seg == "**" {
			if last {
				if i == 0 {
					sb.WriteString(".*")
				} else {
					// a trailing /** requires at least one more component
					sb.WriteString("/.*")
				}
				needSep = false
				continue
			}
			if i == 0 {
				// A leading **/ also swallows an absolute prefix, so
				// **/.env matches /home/u/proj/.env as well as proj/.env.
				sb.WriteString("(?:.*/)?")
				needSep = false
				continue
			}
			if needSep {
				sb.WriteString("/")
			}
			sb.WriteString("(?:[^/]+/)*")
			needSep = false
			continue
		}
		if needSep {
			sb.WriteString("/")
		}
		expr, err := segmentToRegexp(seg)
		if err != nil {
			return "", err
		}
		sb.WriteString(expr)
		needSep = true
	}
	sb.WriteString("$")
	return sb.String(), nil
}

func segmentToRegexp(seg string) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(seg); i++ {
		switch c := seg[i]; c {
		case '*':
			sb.WriteString("[^/]*")
		case '?':
			sb.WriteString("[^/]")
		case '[':
			j := i + 1
			if j < len(seg) && (seg[j] == '!' || seg[j] == '^') {
				j++
			}
			if j < len(seg) && seg[j] == ']' {
				j++
			}
			for j < len(seg) && seg[j] != ']' {
				j++
			}
			if j >= len(seg) {
				return "", errUnterminatedClass
			}
			class := seg[i+1 : j]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			sb.WriteString("[" + class + "]")
			i = j
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return sb.String(), nil
}

type globError string

func (e globError) Error() string { return string(e) }

const errUnterminatedClass = globError("unterminated character class")
