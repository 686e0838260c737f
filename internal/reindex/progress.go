// Package reindex rebuilds a knowledge base's indices after a config
// change that invalidates them (embedding model, chunk size, overlap).
// The rebuild happens in shadow index files next to the live ones;
// queries keep serving the old indices until a single atomic swap.
package reindex

import (
	"sync"
	"time"
)

// Status is the lifecycle of one reindex run.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Snapshot is an immutable view of reindex progress.
type Snapshot struct {
	Status              Status  `json:"status"`
	Processed           int     `json:"processed"`
	Total               int     `json:"total"`
	Percent             float64 `json:"percent"`
	CurrentFile         string  `json:"current_file"`
	CurrentFileProgress float64 `json:"current_file_progress"`
	Succeeded           int     `json:"succeeded"`
	Failed              int     `json:"failed"`
	ElapsedSeconds      int     `json:"elapsed_seconds"`
	Error               string  `json:"error,omitempty"`
}

// tracker accumulates progress for one run, safe for concurrent reads
// while the run updates it.
type tracker struct {
	mu sync.RWMutex

	status       Status
	total        int
	processed    int
	succeeded    int
	failed       int
	currentFile  string
	filePercent  float64
	startTime    time.Time
	errorMessage string
}

func newTracker(total int) *tracker {
	return &tracker{status: StatusInProgress, total: total, startTime: time.Now()}
}

func (t *tracker) startFile(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentFile = name
	t.filePercent = 0
}

func (t *tracker) fileProgress(pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filePercent = pct
}

func (t *tracker) finishFile(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed++
	if ok {
		t.succeeded++
	} else {
		t.failed++
	}
	t.currentFile = ""
	t.filePercent = 0
}

func (t *tracker) complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusCompleted
	t.currentFile = ""
	t.filePercent = 0
}

func (t *tracker) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusError
	t.errorMessage = err.Error()
}

func (t *tracker) snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	percent := float64(0)
	if t.total > 0 {
		percent = float64(t.processed) / float64(t.total) * 100
	} else if t.status == StatusCompleted {
		percent = 100
	}
	return Snapshot{
		Status:              t.status,
		Processed:           t.processed,
		Total:               t.total,
		Percent:             percent,
		CurrentFile:         t.currentFile,
		CurrentFileProgress: t.filePercent,
		Succeeded:           t.succeeded,
		Failed:              t.failed,
		ElapsedSeconds:      int(time.Since(t.startTime).Seconds()),
		Error:               t.errorMessage,
	}
}
