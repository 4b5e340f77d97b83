// Package retention implements the log/index garbage collector: a pure
// planning function over (directory contents, job index, retention_days,
// max_files) plus a Runner that applies the plan to disk and the in-memory
// index, triggered at boot, after every terminal transition, and on a
// safety-net cron schedule.
package retention

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/flyingrobots/spell-dispatcher/internal/job"
)

// FileInfo is the minimal shape Plan needs about a candidate log file.
type FileInfo struct {
	Path    string
	ModTime time.Time
}

// Decision is the outcome of Plan: what Runner should remove.
type Decision struct {
	DeleteFiles      []string
	DeleteExecutions []string
}

// Plan implements the selection steps of spec §4.6 (age and count marking,
// referenced-file protection) as a pure function; ListLogFiles collects the
// candidates and Runner.Sweep applies the result. files must already
// exclude index.json. jobs is the full in-memory index; only
// terminal jobs are ever GC candidates (an in-flight job's receipt and
// record must outlive its own execution).
func Plan(files []FileInfo, jobs []job.Job, retentionDays, maxFiles int, now time.Time) Decision {
	fileDelete := candidateFiles(files, retentionDays, maxFiles, now)
	jobDelete, retained := candidateJobs(jobs, retentionDays, maxFiles, now)

	referenced := make(map[string]bool, len(retained))
	for _, j := range retained {
		if j.RuntimeLogPath != "" {
			referenced[j.RuntimeLogPath] = true
		}
	}

	var files2 []string
	for path := range fileDelete {
		if referenced[path] {
			continue
		}
		files2 = append(files2, path)
	}
	sort.Strings(files2)

	execIDs := make([]string, 0, len(jobDelete))
	for id := range jobDelete {
		execIDs = append(execIDs, id)
	}
	sort.Strings(execIDs)

	return Decision{DeleteFiles: files2, DeleteExecutions: execIDs}
}

func candidateFiles(files []FileInfo, retentionDays, maxFiles int, now time.Time) map[string]bool {
	marked := make(map[string]bool)
	var remainder []FileInfo

	if retentionDays > 0 {
		cutoff := now.AddDate(0, 0, -retentionDays)
		for _, f := range files {
			if f.ModTime.Before(cutoff) {
				marked[f.Path] = true
			} else {
				remainder = append(remainder, f)
			}
		}
	} else {
		remainder = append(remainder, files...)
	}

	if maxFiles > 0 && len(remainder) > maxFiles {
		sort.Slice(remainder, func(i, j int) bool {
			return remainder[i].ModTime.After(remainder[j].ModTime)
		})
		for _, f := range remainder[maxFiles:] {
			marked[f.Path] = true
		}
	}
	return marked
}

// candidateJobs returns the set of execution_ids to delete and the slice of
// jobs that will be retained (used to build the file-reference protection
// set in Plan).
func candidateJobs(jobs []job.Job, retentionDays, maxFiles int, now time.Time) (map[string]bool, []job.Job) {
	marked := make(map[string]bool)
	var eligible []job.Job // terminal jobs, candidates for deletion
	var retained []job.Job // never-eligible (in-flight) jobs always retained

	for _, j := range jobs {
		if job.Terminal(j.Status) {
			eligible = append(eligible, j)
		} else {
			retained = append(retained, j)
		}
	}

	var remainder []job.Job
	if retentionDays > 0 {
		cutoff := now.AddDate(0, 0, -retentionDays)
		for _, j := range eligible {
			if ageKey(j).Before(cutoff) {
				marked[j.ExecutionID] = true
			} else {
				remainder = append(remainder, j)
			}
		}
	} else {
		remainder = eligible
	}

	if maxFiles > 0 && len(remainder) > maxFiles {
		sort.Slice(remainder, func(i, k int) bool {
			return ageKey(remainder[i]).After(ageKey(remainder[k]))
		})
		for _, j := range remainder[maxFiles:] {
			marked[j.ExecutionID] = true
		}
		remainder = remainder[:maxFiles]
	}

	retained = append(retained, remainder...)
	return marked, retained
}

func ageKey(j job.Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.CreatedAt
}

// ListLogFiles scans dir for *.json files, excluding index.json.
func ListLogFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "index.json" || filepath.Ext(name) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Path: filepath.Join(dir, name), ModTime: info.ModTime()})
	}
	return out, nil
}
