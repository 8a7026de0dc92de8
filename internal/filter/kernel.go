package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// KernelExpression builds an ftrace filter matching any of the given
// thread ids. ftrace only knows thread ids as common_pid.
func KernelExpression(tids []int) string {
	if len(tids) == 0 {
		return ""
	}
	terms := make([]string, 0, len(tids))
	for _, tid := range tids {
		terms = append(terms, fmt.Sprintf("common_pid == %d", tid))
	}
	return strings.Join(terms, " || ")
}

// ThreadsOf lists the current threads of pid, sorted. Threads created
// after the call are not included.
func ThreadsOf(pid int) ([]int, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	threads, err := proc.Threads()
	if err != nil || len(threads) == 0 {
		// Thread listing is not available everywhere; the main thread
		// shares the pid.
		return []int{pid}, nil
	}

	tids := make([]int, 0, len(threads))
	for tid := range threads {
		tids = append(tids, int(tid))
	}
	sort.Ints(tids)
	return tids, nil
}
