package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Display periodically prints a task's progress
type Display struct {
	title     string
	tracker   *Tracker
	interval  time.Duration
	out       io.Writer
	stopCh    chan struct{}
	doneCh    chan struct{}
	lastLines int // 上次输出的行数
}

// NewDisplay creates a new progress display writing to stdout
func NewDisplay(title string, tracker *Tracker, interval time.Duration) *Display {
	return NewDisplayTo(os.Stdout, title, tracker, interval)
}

// NewDisplayTo creates a progress display writing to out
func NewDisplayTo(out io.Writer, title string, tracker *Tracker, interval time.Duration) *Display {
	return &Display{
		title:    title,
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop prints the final summary and waits for the display loop to exit
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay()
		case <-d.stopCh:
			d.finalDisplay()
			return
		}
	}
}

func (d *Display) updateDisplay() {
	lines := d.generateDisplay(d.tracker.GetStatus())
	d.clearLines()
	fmt.Fprint(d.out, strings.Join(lines, "\n"))
	d.lastLines = len(lines)
}

func (d *Display) finalDisplay() {
	d.clearLines()
	fmt.Fprintln(d.out, strings.Join(d.generateFinalDisplay(d.tracker.GetStatus()), "\n"))
}

// clearLines moves below the previous frame; not every terminal handles ANSI escapes
func (d *Display) clearLines() {
	if d.lastLines > 0 {
		fmt.Fprint(d.out, "\n")
	}
}

func (d *Display) generateDisplay(status Status) []string {
	lines := make([]string, 0, 16)

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("🚀 %s 同步进度", d.title))
	lines = append(lines, "="+strings.Repeat("=", 50))

	percent := d.tracker.GetProgressPercent()
	lines = append(lines, fmt.Sprintf("📊 阶段 %s: %d/%d (%.1f%%)", status.Stage, status.Cursor, status.Total, percent))
	lines = append(lines, fmt.Sprintf("    %s", d.generateProgressBar(percent, 40)))

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("  ✅ 写入: %d", status.LoadedRows))
	lines = append(lines, fmt.Sprintf("  ❌ 失败: %d", status.FailedRows))

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("  当前速度: %s", FormatSpeed(status.CurrentSpeed)))
	lines = append(lines, fmt.Sprintf("  平均速度: %s", FormatSpeed(status.AverageSpeed)))
	lines = append(lines, fmt.Sprintf("  已用时间: %s", FormatDuration(time.Since(status.StartTime))))
	lines = append(lines, fmt.Sprintf("  预计剩余: %s", FormatDuration(status.ETA)))

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("⏰ 最后更新: %s", status.LastUpdateTime.Format("15:04:05")))
	lines = append(lines, "")
	return lines
}

func (d *Display) generateFinalDisplay(status Status) []string {
	result := status.Result
	if result == "" {
		result = "stopped"
	}
	return []string{
		"",
		fmt.Sprintf("🏁 %s 结束: %s", d.title, result),
		"=" + strings.Repeat("=", 50),
		fmt.Sprintf("📊 阶段 %s: %d/%d", status.Stage, status.Cursor, status.Total),
		fmt.Sprintf("✅ 写入: %d", status.LoadedRows),
		fmt.Sprintf("❌ 失败: %d", status.FailedRows),
		fmt.Sprintf("⏱️  总用时: %s", FormatDuration(time.Since(status.StartTime))),
		fmt.Sprintf("⚡ 平均速度: %s", FormatSpeed(status.AverageSpeed)),
		"",
	}
}

func (d *Display) generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported reports whether stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
