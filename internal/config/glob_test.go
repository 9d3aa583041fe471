package config

import "testing"

func mustSet(t *testing.T, patterns ...string) *GlobSet {
	t.Helper()
	set, err := CompileGlobSet(patterns)
	if err != nil {
		t.Fatalf("compile %v: %v", patterns, err)
	}
	return set
}

func TestGlob_StarStaysInComponent(t *testing.T) {
	set := mustSet(t, ".env*")
	if !set.Match(".env") || !set.Match(".env.local") {
		t.Fatalf("top-level .env files must match")
	}
	if set.Match("config/.env.production") {
		t.Fatalf("* must not cross a path separator")
	}
}

func TestGlob_LeadingDoubleStar(t *testing.T) {
	set := mustSet(t, "**/.env*")
	for _, p := range []string{".env", ".env.local", "config/.env.production", "a/b/.envrc"} {
		if !set.Match(p) {
			t.Fatalf("%q should match **/.env*", p)
		}
	}
	if set.Match("src/env.go") {
		t.Fatalf("src/env.go must not match **/.env*")
	}
}

func TestGlob_LeadingDoubleStarMatchesAbsolutePaths(t *testing.T) {
	set := mustSet(t, "**/.env*")
	for _, p := range []string{"/repo/.env", "/home/alice/proj/.env.local", "/.env"} {
		if !set.Match(p) {
			t.Fatalf("%q should match **/.env*", p)
		}
	}
	if set.Match("/repo/src/env.go") {
		t.Fatalf("/repo/src/env.go must not match **/.env*")
	}
}

func TestGlob_TrailingDoubleStar(t *testing.T) {
	set := mustSet(t, "src/**")
	if !set.Match("src/main.go") || !set.Match("src/a/b/c/d/e/f/g.go") {
		t.Fatalf("nested src paths must match")
	}
	if set.Match("src") {
		t.Fatalf("src/** must not match the bare directory")
	}
	if set.Match("tests/unit.go") {
		t.Fatalf("tests must not match src/**")
	}
}

func TestGlob_MiddleDoubleStar(t *testing.T) {
	set := mustSet(t, "a/**/b")
	for _, p := range []string{"a/b", "a/x/b", "a/x/y/b"} {
		if !set.Match(p) {
			t.Fatalf("%q should match a/**/b", p)
		}
	}
	if set.Match("a/x") {
		t.Fatalf("a/x must not match a/**/b")
	}
}

func TestGlob_BareDoubleStarMatchesEverything(t *testing.T) {
	set := mustSet(t, "**")
	for _, p := range []string{"src/main.go", "docs/README.md", "any/path/at/all"} {
		if !set.Match(p) {
			t.Fatalf("%q should match **", p)
		}
	}
}

func TestGlob_ExactFile(t *testing.T) {
	set := mustSet(t, "go.mod")
	if !set.Match("go.mod") {
		t.Fatalf("exact name must match")
	}
	if set.Match("other/go.mod") {
		t.Fatalf("exact name must not match in subdirectories")
	}
}

func TestGlob_QuestionMarkAndClass(t *testing.T) {
	set := mustSet(t, "file.?", "log[0-9].txt")
	if !set.Match("file.c") || !set.Match("log3.txt") {
		t.Fatalf("wildcard forms should match")
	}
	if set.Match("file.go") || set.Match("logx.txt") {
		t.Fatalf("wildcard forms over-matched")
	}
}

func TestGlob_InvalidPatternErrors(t *testing.T) {
	if _, err := CompileGlob("[invalid"); err == nil {
		t.Fatalf("unterminated class must fail to compile")
	}
}

func TestGlob_MatchWhichReportsPattern(t *testing.T) {
	set := mustSet(t, "src/**", "tests/**")
	pattern, ok := set.MatchWhich("tests/auth_test.py")
	if !ok || pattern != "tests/**" {
		t.Fatalf("got (%q, %v), want tests/**", pattern, ok)
	}
}

func TestGlob_EmptySetMatchesNothing(t *testing.T) {
	set := mustSet(t)
	if set.Match("anything") {
		t.Fatalf("empty set matched")
	}
	if !set.Empty() {
		t.Fatalf("set should report empty")
	}
}
