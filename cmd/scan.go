package cmd

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/toolgate-ai/toolgate/internal/config"
	"github.com/toolgate-ai/toolgate/internal/sanitize"
)

func newScanCmd() *cobra.Command {
	var staged bool

	cmd := &cobra.Command{
		Use:   "scan [path]",
		Short: "Scan files for secrets using the redaction pipeline",
		Long: "scan reports any line the sanitizer would redact. With --staged it scans\n" +
			"the files staged in git, making it usable as a pre-commit hook. With no\n" +
			"arguments it scans the project's stored decision files.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := config.FindProjectRoot(projectFlag)
			policy, err := config.LoadProjectPolicy(root)
			if err != nil {
				return err
			}
			pipeline, err := sanitize.WithPatterns(policy.SanitizePatterns)
			if err != nil {
				return err
			}

			var findings int
			switch {
			case staged:
				findings, err = scanStaged(pipeline, root)
			case len(args) == 1:
				findings, err = scanPath(pipeline, args[0])
			default:
				rulesDir := filepath.Join(config.ProjectDir(root), "rules")
				if _, statErr := os.Stat(rulesDir); statErr != nil {
					return fmt.Errorf("no %s found; use --staged or provide a path", rulesDir)
				}
				fmt.Fprintln(os.Stderr, "toolgate: scanning rules directory...")
				findings, err = scanPath(pipeline, rulesDir)
			}
			if err != nil {
				return err
			}

			if findings > 0 {
				fmt.Fprintf(os.Stderr, "\ntoolgate: %d potential secret(s) found\n", findings)
				os.Exit(1)
			}
			fmt.Fprintln(os.Stderr, "toolgate: scan clean, no secrets detected")
			return nil
		},
	}

	cmd.Flags().BoolVar(&staged, "staged", false, "scan git staged files")
	return cmd
}

func scanStaged(pipeline *sanitize.Pipeline, root string) (int, error) {
	git := exec.Command("git", "diff", "--cached", "--name-only")
	git.Dir = root
	out, err := git.Output()
	if err != nil {
		return 0, fmt.Errorf("listing staged files (not a git repo?): %w", err)
	}
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, filepath.Join(root, line))
		}
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "toolgate: no staged files to scan")
		return 0, nil
	}
	fmt.Fprintf(os.Stderr, "toolgate: scanning %d staged file(s)...\n", len(files))

	total := 0
	for _, f := range files {
		n, err := scanFile(pipeline, f)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func scanPath(pipeline *sanitize.Pipeline, path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("path not found: %s", path)
	}
	if !info.IsDir() {
		return scanFile(pipeline, path)
	}

	total := 0
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			// Hidden directories hold VCS and tool state, not source.
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		n, err := scanFile(pipeline, p)
		total += n
		return err
	})
	return total, err
}

// scanFile reports lines the pipeline would alter. Unreadable files are
// skipped; binaries rarely survive the line scanner anyway.
func scanFile(pipeline *sanitize.Pipeline, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil
	}
	defer f.Close()

	findings := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if pipeline.Sanitize(line) != line {
			findings++
			fmt.Fprintf(os.Stderr, "  %s:%d: potential secret detected\n", path, lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		// Binary file; nothing scannable.
		return findings, nil
	}
	return findings, nil
}
