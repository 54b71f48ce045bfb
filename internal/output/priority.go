package output

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/dabtx/dexter-output/internal/logging"
)

// elevatedNice is how far below the default niceness the worker asks for.
// Linux scheduling priorities narrower than this (SCHED_FIFO/SCHED_RR)
// require CAP_SYS_NICE the process is not guaranteed to hold, so a plain
// nice-level bump is the portable best-effort step.
const elevatedNice = -10

// elevatePriorityBestEffort tries to raise the calling goroutine's OS
// thread priority. Failure (insufficient privilege, or a non-Linux
// platform) is logged at Debug and otherwise ignored: elevation is
// best-effort, not a hard dependency on realtime scheduling.
func elevatePriorityBestEffort(log logging.Logger) {
	if runtime.GOOS != "linux" {
		log.Debug("realtime priority elevation skipped: not running on linux")
		return
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, elevatedNice); err != nil {
		log.Debug("realtime priority elevation denied, continuing at normal priority",
			logf("error", err))
	}
}
