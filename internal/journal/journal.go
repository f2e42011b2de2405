package journal

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mycoool/sophonsync/internal/progress"
)

// batchSize bounds buffered entries before they are flushed.
const batchSize = 200

// RunInfo describes a run being started.
type RunInfo struct {
	Command    string
	Root       string
	Manifest   string
	VersionTag string
}

// Recorder persists the events of one run. It implements progress.Reporter.
type Recorder struct {
	j   *Journal
	run Run

	mu      sync.Mutex
	pending []Entry
}

// Start inserts a running Run and returns its recorder.
func (j *Journal) Start(info RunInfo) (*Recorder, error) {
	run := Run{
		RunID:      uuid.NewString(),
		Command:    info.Command,
		Root:       info.Root,
		Manifest:   info.Manifest,
		VersionTag: info.VersionTag,
		Status:     StatusRunning,
	}
	if err := j.db.Create(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	return &Recorder{j: j, run: run}, nil
}

// RunID returns the id of the recorded run.
func (r *Recorder) RunID() string { return r.run.RunID }

// Report buffers step events and flushes them at the end of every phase.
func (r *Recorder) Report(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e.Kind {
	case progress.KindBegin:
		r.run.Total += e.Total
	case progress.KindStep:
		r.run.Done++
		if e.Err != "" {
			r.run.Failed++
		}
		r.pending = append(r.pending, Entry{RunID: r.run.RunID, Phase: e.Phase, Name: e.Name, Success: e.Err == "", Error: e.Err})
		if len(r.pending) >= batchSize {
			r.flushLocked()
		}
	case progress.KindEnd:
		r.flushLocked()
	}
}

func (r *Recorder) flushLocked() {
	if len(r.pending) == 0 {
		return
	}
	if err := r.j.db.CreateInBatches(r.pending, batchSize).Error; err != nil {
		log.Printf("journal: failed to record %d entries: %v", len(r.pending), err)
	}
	r.pending = r.pending[:0]
}

// Finish flushes pending entries and stores the final status of the run.
func (r *Recorder) Finish(runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()

	now := time.Now()
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	return r.j.db.Model(&Run{}).Where("run_id = ?", r.run.RunID).Updates(map[string]interface{}{
		"status":      status,
		"error":       msg,
		"total":       r.run.Total,
		"done":        r.run.Done,
		"failed":      r.run.Failed,
		"finished_at": &now,
	}).Error
}

// Recent returns the newest runs, optionally filtered by command.
func (j *Journal) Recent(command string, limit int) ([]Run, error) {
	query := j.db.Model(&Run{})
	if command != "" {
		query = query.Where("command = ?", command)
	}
	if limit <= 0 {
		limit = 20
	}
	var runs []Run
	err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// Entries returns the entries of a run; failedOnly restricts them to failures.
func (j *Journal) Entries(runID string, failedOnly bool) ([]Entry, error) {
	query := j.db.Model(&Entry{}).Where("run_id = ?", runID)
	if failedOnly {
		query = query.Where("success = ?", false)
	}
	var entries []Entry
	err := query.Order("id ASC").Find(&entries).Error
	return entries, err
}

// CleanOld removes runs and entries older than days.
func (j *Journal) CleanOld(days int) error {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	if err := j.db.Where("created_at < ?", cutoff).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("failed to clean entries: %w", err)
	}
	if err := j.db.Where("created_at < ?", cutoff).Delete(&Run{}).Error; err != nil {
		return fmt.Errorf("failed to clean runs: %w", err)
	}
	return nil
}

var _ progress.Reporter = (*Recorder)(nil)
