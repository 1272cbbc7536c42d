package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status is a snapshot of one task's progress
type Status struct {
	Stage          string        // 当前阶段
	Cursor         int64         // 已处理到的源 id
	Total          int64         // 阶段 id 上界
	StageStart     int64         // 进入阶段时的游标
	LoadedRows     int64         // 成功写入行数
	FailedRows     int64         // 失败行数
	Result         string        // 运行结果，运行中为空
	StartTime      time.Time     // 开始时间
	LastUpdateTime time.Time     // 最后更新时间
	CurrentSpeed   float64       // 当前速度 (rows/second)
	AverageSpeed   float64       // 平均速度 (rows/second)
	ETA            time.Duration // 预计剩余时间
}

// Tracker tracks the progress of one task run
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	speedSamples []time.Time // 最近写入行的时间点
	maxSamples   int
	now          func() time.Time
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	start := now()
	return &Tracker{
		status: Status{
			StartTime:      start,
			LastUpdateTime: start,
		},
		speedSamples: make([]time.Time, 0, 256),
		maxSamples:   256,
		now:          now,
	}
}

// StartStage records entry into a stage
func (t *Tracker) StartStage(stage string, cursor, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Stage = stage
	t.status.Cursor = cursor
	t.status.StageStart = cursor
	t.status.Total = total
	t.status.Result = ""
	t.status.LastUpdateTime = t.now()
	t.calculateETA()
}

// SetCursor records a persisted checkpoint
func (t *Tracker) SetCursor(stage string, cursor, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if stage != t.status.Stage {
		t.status.Stage = stage
		t.status.StageStart = cursor
	}
	t.status.Cursor = cursor
	t.status.Total = total
	t.status.LastUpdateTime = t.now()
	t.calculateETA()
}

// AddLoaded counts a successfully written row
func (t *Tracker) AddLoaded() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.LoadedRows++
	t.updateSpeed()
}

// AddFailed counts a failed row
func (t *Tracker) AddFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedRows++
	t.status.LastUpdateTime = t.now()
}

// Finish records the run result
func (t *Tracker) Finish(result string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Result = result
	t.status.LastUpdateTime = t.now()
	t.status.ETA = 0
}

// updateSpeed must be called with the lock held
func (t *Tracker) updateSpeed() {
	now := t.now()

	t.speedSamples = append(t.speedSamples, now)
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.LoadedRows) / elapsed.Seconds()
	}
	t.calculateETA()
	t.status.LastUpdateTime = now
}

// calculateCurrentSpeed uses the rows of the last five seconds
func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	cutoff := now.Add(-5 * time.Second)
	var rows int
	var first time.Time
	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		if t.speedSamples[i].Before(cutoff) {
			break
		}
		rows++
		first = t.speedSamples[i]
	}

	t.status.CurrentSpeed = 0
	if rows >= 2 {
		if d := now.Sub(first); d > 0 {
			t.status.CurrentSpeed = float64(rows) / d.Seconds()
		}
	}
}

// calculateETA extrapolates the id advance rate over the rest of the stage
func (t *Tracker) calculateETA() {
	t.status.ETA = 0
	advanced := t.status.Cursor - t.status.StageStart
	remaining := t.status.Total - t.status.Cursor
	elapsed := t.now().Sub(t.status.StartTime)
	if advanced <= 0 || remaining <= 0 || elapsed <= 0 {
		return
	}
	t.status.ETA = time.Duration(float64(elapsed) * float64(remaining) / float64(advanced)).Round(time.Second)
}

// GetStatus returns the current status
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns how far the cursor is through the current stage
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.Total <= 0 {
		return 0
	}
	return float64(t.status.Cursor) / float64(t.status.Total) * 100
}

// FormatSpeed formats a row rate
func FormatSpeed(rowsPerSecond float64) string {
	if rowsPerSecond < 1 {
		return fmt.Sprintf("%.2f rows/s", rowsPerSecond)
	}
	return fmt.Sprintf("%.1f rows/s", rowsPerSecond)
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "计算中..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
