package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/agentspace/internal/config"
	"github.com/Iron-Ham/agentspace/internal/logging"
	"github.com/Iron-Ham/agentspace/internal/workspace"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View server logs",
	Long: `View and filter the structured log written by agentspace serve.

Examples:
  # Show the last 50 lines
  agentspace logs

  # Follow logs in real-time
  agentspace logs -f

  # Only warnings and errors from the change watcher
  agentspace logs --level warn --component watcher

  # Everything one agent did in the last hour
  agentspace logs --agent planner --since 1h -n 0`,
	RunE: runLogs,
}

var (
	logsTail      int
	logsFollow    bool
	logsLevel     string
	logsSince     string
	logsGrep      string
	logsAgent     string
	logsComponent string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsAgent, "agent", "", "Only show lines tagged with this agent")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "Only show lines from this component")
}

// logEntry represents a parsed JSON log line
type logEntry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Msg       string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Path      string         `json:"path,omitempty"`
	Extra     map[string]any `json:"-"` // Captures additional fields
}

// UnmarshalJSON implements custom unmarshaling to capture extra fields
func (e *logEntry) UnmarshalJSON(data []byte) error {
	// First, unmarshal known fields using a type alias to avoid recursion
	type Alias logEntry
	aux := &struct {
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, known := range []string{"time", "level", "msg", "component", "agent", "path"} {
		delete(all, known)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// logFilter holds the parsed filter flags.
type logFilter struct {
	minLevel  int
	since     time.Time
	grep      *regexp.Regexp
	agent     string
	component string
}

// levelPriority returns the priority of a log level for filtering
func levelPriority(level string) int {
	return slices.Index(logging.ValidLevels(), strings.ToUpper(level))
}

func (f logFilter) passes(entry *logEntry) bool {
	if f.minLevel >= 0 && levelPriority(entry.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && entry.Time.Before(f.since) {
		return false
	}
	if f.agent != "" && entry.Agent != f.agent {
		return false
	}
	if f.component != "" && entry.Component != f.component {
		return false
	}
	if f.grep != nil {
		searchText := entry.Msg + " " + entry.Path
		for _, v := range entry.Extra {
			searchText += " " + fmt.Sprintf("%v", v)
		}
		if !f.grep.MatchString(searchText) {
			return false
		}
	}
	return true
}

// formatLogEntry formats a log entry for terminal output
func formatLogEntry(entry *logEntry) string {
	var sb strings.Builder

	sb.WriteString(mutedStyle.Render("[" + entry.Time.Format("15:04:05.000") + "]"))
	sb.WriteString(" ")
	sb.WriteString(levelStyle(entry.Level).Render("[" + strings.ToUpper(entry.Level) + "]"))
	sb.WriteString(" ")
	sb.WriteString(entry.Msg)

	for _, kv := range [][2]string{{"component", entry.Component}, {"agent", entry.Agent}, {"path", entry.Path}} {
		if kv[1] == "" {
			continue
		}
		sb.WriteString(" ")
		sb.WriteString(keyStyle.Render(kv[0] + "="))
		sb.WriteString(kv[1])
	}

	keys := make([]string, 0, len(entry.Extra))
	for k := range entry.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(keyStyle.Render(k + "="))
		sb.WriteString(fmt.Sprintf("%v", entry.Extra[k]))
	}
	return sb.String()
}

func parseLogFilter() (logFilter, error) {
	f := logFilter{minLevel: -1, agent: logsAgent, component: logsComponent}
	if logsLevel != "" {
		f.minLevel = levelPriority(logsLevel)
		if f.minLevel < 0 {
			return f, fmt.Errorf("invalid level %q (valid: debug, info, warn, error)", logsLevel)
		}
	}
	if logsSince != "" {
		duration, err := time.ParseDuration(logsSince)
		if err != nil {
			return f, fmt.Errorf("invalid duration format: %w", err)
		}
		f.since = time.Now().Add(-duration)
	}
	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return f, fmt.Errorf("invalid grep pattern: %w", err)
		}
		f.grep = re
	}
	return f, nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logPath := filepath.Join(cfg.Workspace.Root, workspace.LogsDir, logging.LogFileName)

	out := cmd.OutOrStdout()
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintf(out, "No logs found at %s\n", logPath)
		return nil
	}

	filter, err := parseLogFilter()
	if err != nil {
		return err
	}

	if logsFollow {
		return followLogs(cmd, logPath, filter)
	}
	return displayLogs(out, logPath, logsTail, filter)
}

// displayLogs reads the log file and displays filtered entries
func displayLogs(out io.Writer, logPath string, tail int, filter logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var entries []string
	scanner := bufio.NewScanner(file)
	// Increase buffer size for potentially long log lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// If we can't parse as JSON, display raw line
			entries = append(entries, line)
			continue
		}
		if !filter.passes(&entry) {
			continue
		}
		entries = append(entries, formatLogEntry(&entry))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, entry := range entries {
		fmt.Fprintln(out, entry)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
	}
	return nil
}

// followLogs implements tail -f behavior for the log file until the
// command's context is canceled.
func followLogs(cmd *cobra.Command, logPath string, filter logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Following logs... (Ctrl+C to stop)\n\n")

	ctx, stop := signalContext(cmd)
	defer stop()

	reader := bufio.NewReader(file)
	var pending string
	for {
		chunk, err := reader.ReadString('\n')
		pending += chunk
		if err != nil {
			if err != io.EOF {
				return fmt.Errorf("error reading log file: %w", err)
			}
			// No new data, wait briefly and try again
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		line := strings.TrimSpace(pending)
		pending = ""
		if line == "" {
			continue
		}
		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		if filter.passes(&entry) {
			fmt.Fprintln(out, formatLogEntry(&entry))
		}
	}
}
