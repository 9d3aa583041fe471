package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate-ai/toolgate/internal/config"
	"github.com/toolgate-ai/toolgate/internal/decision"
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream decisions as they are recorded",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := config.FindProjectRoot(projectFlag)
			rulesDir := filepath.Join(config.ProjectDir(root), "rules")

			fmt.Fprintf(os.Stderr, "toolgate: monitoring decisions in %s\n", rulesDir)
			fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop.")

			files := []string{"allow.jsonl", "deny.jsonl", "ask.jsonl"}
			offsets := map[string]int64{}
			for _, f := range files {
				if info, err := os.Stat(filepath.Join(rulesDir, f)); err == nil {
					offsets[f] = info.Size()
				}
			}

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}
				for _, f := range files {
					path := filepath.Join(rulesDir, f)
					info, err := os.Stat(path)
					if err != nil || info.Size() <= offsets[f] {
						continue
					}
					printNewRecords(path, offsets[f])
					offsets[f] = info.Size()
				}
			}
		},
	}
}

// printNewRecords prints records appended past the byte offset. A record half
// written at the time of the read is skipped and picked up next tick.
func printNewRecords(path string, offset int64) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()
	if _, err := file.Seek(offset, 0); err != nil {
		return
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec decision.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		fmt.Printf("[%s] %s %s %s (tier: %s, confidence: %.2f) -- %s\n",
			rec.Timestamp.Local().Format("15:04:05"),
			rec.Decision, rec.Key.Tool, rec.Key.Role,
			rec.Metadata.Tier, rec.Metadata.Confidence, rec.Metadata.Reason)
	}
}
