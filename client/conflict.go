package client

import "sync"

const AdvisoryMessage = "This line is already in use."

// Advisory is an informational hint that a peer's cursor sits on the local
// user's line. It never blocks or locks anything.
type Advisory struct {
	Identity string
	Username string
	Line     int
	Message  string
}

// ConflictDetector compares incoming cursor lines against the local one.
// Only the latest line per peer is kept.
type ConflictDetector struct {
	mu        sync.Mutex
	localLine int
	hasLocal  bool
	remote    map[string]int
}

func NewConflictDetector() *ConflictDetector {
	return &ConflictDetector{remote: make(map[string]int)}
}

func (d *ConflictDetector) MoveLocal(line int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localLine = line
	d.hasLocal = true
}

// LocalLine reports the last local cursor line, if the cursor ever moved.
func (d *ConflictDetector) LocalLine() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localLine, d.hasLocal
}

// Observe records a peer's cursor line and reports whether it collides with
// the local line.
func (d *ConflictDetector) Observe(identity string, line int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remote[identity] = line
	return d.hasLocal && d.localLine == line
}

func (d *ConflictDetector) Forget(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.remote, identity)
}

func (d *ConflictDetector) Peers() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.remote))
	for k, v := range d.remote {
		out[k] = v
	}
	return out
}

func (d *ConflictDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localLine = 0
	d.hasLocal = false
	d.remote = make(map[string]int)
}
