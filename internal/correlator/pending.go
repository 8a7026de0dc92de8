package correlator

// pendingTable holds resolved paths waiting for their syscall exit.
type pendingTable interface {
	put(pid int, path string)
	take(pid int) (string, bool)
	size() int
}

// overwriteTable keeps the most recent path per pid. A newer path silently
// replaces an unconsumed one.
type overwriteTable map[int]string

func (t overwriteTable) put(pid int, path string) {
	t[pid] = path
}

func (t overwriteTable) take(pid int) (string, bool) {
	path, ok := t[pid]
	if ok {
		delete(t, pid)
	}
	return path, ok
}

func (t overwriteTable) size() int {
	return len(t)
}

// queueTable keeps every path per pid; exits consume the oldest first.
type queueTable map[int][]string

func (t queueTable) put(pid int, path string) {
	t[pid] = append(t[pid], path)
}

func (t queueTable) take(pid int) (string, bool) {
	queue := t[pid]
	if len(queue) == 0 {
		return "", false
	}
	path := queue[0]
	if len(queue) == 1 {
		delete(t, pid)
	} else {
		t[pid] = queue[1:]
	}
	return path, true
}

func (t queueTable) size() int {
	n := 0
	for _, queue := range t {
		n += len(queue)
	}
	return n
}
