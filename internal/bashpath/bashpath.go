// Package bashpath extracts file paths and their operation class from shell
// commands. It is a best-effort regex battery, not a shell parser: variable
// expansion, command substitution, aliases, xargs/find -exec targets, and
// interpreter-embedded file operations are out of scope. Callers must treat
// an empty extraction from a write-looking command as undetermined, never as
// allow.
package bashpath

import (
	"regexp"
	"strings"
)

// Op classifies what a command does to a path.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// PathRef is one extracted (path, operation) pair. Confidence reflects how
// literal the path is: quoted and absolute paths score high, globs lower,
// variable or substitution-bearing paths lowest.
type PathRef struct {
	Path       string
	Op         Op
	Confidence float64
}

// writeIndicator marks commands that modify the filesystem even when no
// concrete path can be pulled out of them.
var writeIndicator = regexp.MustCompile(`(^|[\s;|&])(rm|mv|cp|mkdir|rmdir|touch|tee|dd|ln|chmod|chown|truncate|install|rsync)(\s|$)|(^|[\s;|&])sed\s+(-[a-zA-Z]*\s+)*-i|git\s+checkout|>>?`)

// HasWriteIndicators reports whether the command contains write-like
// constructs, independent of whether Extract found any paths.
func HasWriteIndicators(command string) bool {
	return writeIndicator.MatchString(command)
}

// Extract splits the command on unquoted ;, &&, ||, | and newlines, runs the
// per-command extractors on each piece, and unions the results.
func Extract(command string) []PathRef {
	var refs []PathRef
	for _, sub := range splitCompound(command) {
		refs = append(refs, extractOne(sub)...)
	}
	return refs
}

func extractOne(sub string) []PathRef {
	tokens := tokenize(sub)
	if len(tokens) == 0 {
		return nil
	}

	var refs []PathRef

	// Output redirects apply to any command: "> file", ">> file", "2>file".
	rest := make([]token, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.quoted {
			rest = append(rest, tok)
			continue
		}
		trimmed := strings.TrimLeft(tok.text, "012&")
		if trimmed == ">" || trimmed == ">>" {
			if i+1 < len(tokens) {
				refs = append(refs, ref(tokens[i+1], OpWrite))
				i++
			}
			continue
		}
		if strings.HasPrefix(trimmed, ">") {
			target := strings.TrimLeft(trimmed, ">")
			if target != "" {
				refs = append(refs, ref(token{text: target}, OpWrite))
			}
			continue
		}
		rest = append(rest, tok)
	}
	if len(rest) == 0 {
		return refs
	}

	cmd := rest[0].text
	args := rest[1:]
	switch cmd {
	case "rm", "mkdir", "rmdir", "touch", "truncate":
		refs = append(refs, argPaths(args, OpWrite, 0)...)
	case "mv":
		// Moving writes both ends: the source is removed, the target created.
		refs = append(refs, argPaths(args, OpWrite, 0)...)
	case "cp", "rsync", "install":
		operands := positional(args)
		for i, tok := range operands {
			if i == len(operands)-1 {
				refs = append(refs, ref(tok, OpWrite))
			} else {
				refs = append(refs, ref(tok, OpRead))
			}
		}
	case "chmod", "chown", "chgrp":
		// First operand is the mode or owner, not a path.
		refs = append(refs, argPaths(args, OpWrite, 1)...)
	case "ln":
		operands := positional(args)
		if len(operands) > 0 {
			refs = append(refs, ref(operands[len(operands)-1], OpWrite))
		}
	case "tee":
		refs = append(refs, argPaths(args, OpWrite, 0)...)
	case "dd":
		for _, tok := range args {
			switch {
			case strings.HasPrefix(tok.text, "of="):
				refs = append(refs, ref(token{text: tok.text[3:], quoted: tok.quoted}, OpWrite))
			case strings.HasPrefix(tok.text, "if="):
				refs = append(refs, ref(token{text: tok.text[3:], quoted: tok.quoted}, OpRead))
			}
		}
	case "sed":
		inPlace := false
		for _, tok := range args {
			if !tok.quoted && strings.HasPrefix(tok.text, "-i") {
				inPlace = true
			}
		}
		op := OpRead
		if inPlace {
			op = OpWrite
		}
		// First positional operand is the script.
		refs = append(refs, argPaths(args, op, 1)...)
	case "git":
		refs = append(refs, gitPaths(args)...)
	case "curl":
		for i := 0; i < len(args); i++ {
			if !args[i].quoted && (args[i].text == "-o" || args[i].text == "--output") && i+1 < len(args) {
				refs = append(refs, ref(args[i+1], OpWrite))
				i++
			}
		}
	case "wget":
		for i := 0; i < len(args); i++ {
			if !args[i].quoted && (args[i].text == "-O" || args[i].text == "--output-document") && i+1 < len(args) {
				refs = append(refs, ref(args[i+1], OpWrite))
				i++
			}
		}
	case "cat", "head", "tail", "less", "more", "wc", "stat", "file":
		refs = append(refs, argPaths(args, OpRead, 0)...)
	}
	return refs
}

// gitPaths handles `git checkout -- <paths>`: checkout with pathspecs
// rewrites working-tree files.
func gitPaths(args []token) []PathRef {
	if len(args) == 0 || args[0].text != "checkout" {
		return nil
	}
	for i, tok := range args {
		if !tok.quoted && tok.text == "--" {
			var refs []PathRef
			for _, p := range args[i+1:] {
				refs = append(refs, ref(p, OpWrite))
			}
			return refs
		}
	}
	return nil
}

// argPaths returns positional operands as PathRefs, skipping the first
// `skip` operands.
func argPaths(args []token, op Op, skip int) []PathRef {
	var refs []PathRef
	for _, tok := range positional(args) {
		if skip > 0 {
			skip--
			continue
		}
		refs = append(refs, ref(tok, op))
	}
	return refs
}

// positional filters out flag tokens.
func positional(args []token) []token {
	var out []token
	for _, tok := range args {
		if !tok.quoted && strings.HasPrefix(tok.text, "-") {
			continue
		}
		if tok.text == "" {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func ref(tok token, op Op) PathRef {
	return PathRef{Path: tok.text, Op: op, Confidence: confidence(tok)}
}

func confidence(tok token) float64 {
	switch {
	case strings.ContainsAny(tok.text, "$`") || strings.Contains(tok.text, "$("):
		return 0.3
	case strings.ContainsAny(tok.text, "*?["):
		return 0.5
	case tok.quoted || strings.HasPrefix(tok.text, "/"):
		return 0.9
	default:
		return 0.8
	}
}

type token struct {
	text   string
	quoted bool
}

// tokenize splits one sub-command on whitespace, honoring single and double
// quotes. Quote state is tracked but nested escapes are not interpreted.
func tokenize(sub string) []token {
	var tokens []token
	var cur strings.Builder
	quoted := false
	var quote byte
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, token{text: cur.String(), quoted: quoted})
			cur.Reset()
		}
		quoted = false
	}
	for i := 0; i < len(sub); i++ {
		c := sub[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			quoted = true
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}

// splitCompound breaks a command at unquoted ;, &&, ||, | and newlines.
func splitCompound(command string) []string {
	var parts []string
	var cur strings.Builder
	var quote byte
	push := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			parts = append(parts, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			cur.WriteByte(c)
		case c == ';' || c == '\n':
			push()
		case c == '&' && i+1 < len(command) && command[i+1] == '&':
			push()
			i++
		case c == '|':
			if i+1 < len(command) && command[i+1] == '|' {
				i++
			}
			push()
		default:
			cur.WriteByte(c)
		}
	}
	push()
	return parts
}
