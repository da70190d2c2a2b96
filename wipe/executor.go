package wipe

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"theftguard/agent/agent"
)

// Reporter receives bounded-cadence progress updates during a wipe.
type Reporter func(agent.WipeProgress)

// Executor runs wipe jobs: all-or-nothing path validation, a pre-count pass
// for percentage progress, then post-order deletion with tolerated
// directory-removal failures.
type Executor struct {
	Policy *Policy

	// Progress is reported every ProgressEveryItems deletions or whenever
	// the percentage moves by ProgressPercentStep, whichever comes first.
	ProgressEveryItems  int
	ProgressPercentStep int
}

// NewExecutor builds an executor with the default progress cadence.
func NewExecutor(policy *Policy) *Executor {
	return &Executor{
		Policy:              policy,
		ProgressEveryItems:  10,
		ProgressPercentStep: 5,
	}
}

// Execute runs the job to a terminal status, mutating the job in place and
// reporting progress through report. Validation failures fail the whole job
// before anything is deleted.
func (e *Executor) Execute(ctx context.Context, job *agent.WipeJob, report Reporter) {
	if invalid := e.Policy.ValidateAll(job.Paths); len(invalid) > 0 {
		job.Status = agent.WipeFailed
		job.Error = fmt.Sprintf("invalid or blocked paths: %s", strings.Join(invalid, ", "))
		agent.ErrorCtx("wipe job rejected by path policy",
			"operation_id", job.OperationID, "invalid", strings.Join(invalid, ", "))
		e.report(report, job, 0)
		return
	}

	job.Status = agent.WipeInProgress
	job.ItemsTotal = e.countItems(job.Paths)
	e.report(report, job, 0)

	var skipped []string
	lastReportedPct := 0
	sinceReport := 0

	progress := func() {
		sinceReport++
		pct := e.percent(job)
		if sinceReport >= e.ProgressEveryItems || pct-lastReportedPct >= e.ProgressPercentStep {
			lastReportedPct = pct
			sinceReport = 0
			e.report(report, job, pct)
		}
	}

	for _, path := range job.Paths {
		if ctx.Err() != nil {
			job.Status = agent.WipeFailed
			job.Error = "wipe canceled"
			e.report(report, job, e.percent(job))
			return
		}

		info, err := os.Stat(path)
		if err != nil {
			agent.WarnCtx("wipe path does not exist, skipping", "path", path)
			continue
		}

		if !info.IsDir() {
			if err := os.Remove(path); err != nil {
				skipped = append(skipped, fmt.Sprintf("%s: %v", path, err))
				continue
			}
			job.ItemsDeleted++
			progress()
			continue
		}

		files, dirs := collectTree(path)
		for _, f := range files {
			if ctx.Err() != nil {
				job.Status = agent.WipeFailed
				job.Error = "wipe canceled"
				e.report(report, job, e.percent(job))
				return
			}
			if err := os.Remove(f); err != nil {
				skipped = append(skipped, fmt.Sprintf("%s: %v", f, err))
				continue
			}
			job.ItemsDeleted++
			progress()
		}
		// Children before parents; removal failures (non-empty, locked)
		// are tolerated, not fatal.
		for i := len(dirs) - 1; i >= 0; i-- {
			if err := os.Remove(dirs[i]); err == nil {
				job.ItemsDeleted++
			}
		}
	}

	job.Status = agent.WipeCompleted
	if len(skipped) > 0 {
		shown := skipped
		if len(shown) > 3 {
			shown = shown[:3]
		}
		job.Error = fmt.Sprintf("completed with %d skipped items: %s", len(skipped), strings.Join(shown, "; "))
	}
	agent.InfoCtx("wipe job finished",
		"operation_id", job.OperationID, "deleted", job.ItemsDeleted,
		"total", job.ItemsTotal, "skipped", len(skipped))
	e.report(report, job, 100)
}

// countItems pre-counts files and directories across all paths, including
// the top-level directories themselves.
func (e *Executor) countItems(paths []string) int {
	total := 0
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			total++
			continue
		}
		filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			total++
			return nil
		})
	}
	return total
}

// collectTree walks a directory pre-order into separate file and directory
// lists. Reversing the directory list yields post-order removal.
func collectTree(root string) (files, dirs []string) {
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
		} else {
			files = append(files, p)
		}
		return nil
	})
	return files, dirs
}

func (e *Executor) percent(job *agent.WipeJob) int {
	if job.ItemsTotal == 0 {
		return 0
	}
	return job.ItemsDeleted * 100 / job.ItemsTotal
}

func (e *Executor) report(report Reporter, job *agent.WipeJob, pct int) {
	if report == nil {
		return
	}
	if job.Status == agent.WipeCompleted {
		pct = 100
	}
	report(agent.WipeProgress{
		OperationID:        job.OperationID,
		Status:             job.Status,
		ProgressPercentage: pct,
		FilesDeleted:       job.ItemsDeleted,
		TotalFiles:         job.ItemsTotal,
		ErrorMessage:       job.Error,
	})
}
