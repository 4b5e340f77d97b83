package supervisor

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/flyingrobots/spell-dispatcher/internal/retention"
)

// parseRuntimeRefs scans the runtime's stdout for the two lines it is
// expected to print: "execution_id: <id>" and "log: <path>".
func parseRuntimeRefs(stdout string) (executionID, logPath string) {
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "execution_id:"):
			executionID = strings.TrimSpace(strings.TrimPrefix(line, "execution_id:"))
		case strings.HasPrefix(line, "log:"):
			logPath = strings.TrimSpace(strings.TrimPrefix(line, "log:"))
		}
	}
	return executionID, logPath
}

// inferLogPath is the documented best-effort fallback: scan the logs
// directory for *.json files modified at or after startedAt-1s whose
// contents identify the same (spell_id, version), newest first. The
// runtime's own "log:" stdout line is always preferred when present.
func inferLogPath(logsDir, spellID, version string, startedAt time.Time) string {
	files, err := retention.ListLogFiles(logsDir)
	if err != nil {
		return ""
	}
	cutoff := startedAt.Add(-1 * time.Second)
	var candidates []retention.FileInfo
	for _, f := range files {
		if f.ModTime.Before(cutoff) {
			continue
		}
		candidates = append(candidates, f)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ModTime.After(candidates[j].ModTime)
	})
	for _, c := range candidates {
		if matchesSpell(c.Path, spellID, version) {
			return c.Path
		}
	}
	return ""
}

func matchesSpell(path, spellID, version string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var decoded struct {
		ID      string `json:"id"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return false
	}
	return decoded.ID == spellID && decoded.Version == version
}
