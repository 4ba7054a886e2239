package cmd

import (
	"fmt"
	"strings"
	"time"

	"fleet/api/model"
	"fleet/cli/style"
)

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ago(t *time.Time) string {
	if t == nil {
		return "never"
	}
	d := time.Since(*t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Format("2006-01-02")
}

func nodeStatus(n model.Node, width int) string {
	s := padRight(string(n.Status), width)
	switch {
	case n.Status == model.NodeOnline && n.Override == model.OverrideNone:
		return style.Healthy.Render(s)
	case n.Status == model.NodeOnline:
		return style.Warning.Render(s)
	case n.Status == model.NodeOffline:
		return style.Unhealthy.Render(s)
	}
	return style.DimText.Render(s)
}

func taskStatus(s model.TaskStatus, width int) string {
	p := padRight(string(s), width)
	switch s {
	case model.TaskCompleted:
		return style.StepDone.Render(p)
	case model.TaskFailed:
		return style.StepFailed.Render(p)
	case model.TaskPending:
		return style.StepPending.Render(p)
	}
	return style.StepRunning.Render(p)
}

// usage renders used/total for one capacity dimension.
func usage(used, total int64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", used, total)
}

func fmtStamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
