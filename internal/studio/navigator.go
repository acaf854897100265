package studio

// PathTracker is the default Navigator: it records the canonical path and
// history depth so transport layers can mirror them to a real router.
type PathTracker struct {
	history []string
	reloads int
}

func NewPathTracker() *PathTracker {
	return &PathTracker{history: []string{"/guidelines"}}
}

func (p *PathTracker) Replace(path string) {
	if len(p.history) == 0 {
		p.history = []string{path}
		return
	}
	p.history[len(p.history)-1] = path
}

func (p *PathTracker) Push(path string) {
	p.history = append(p.history, path)
}

func (p *PathTracker) Reload() {
	p.reloads++
}

// Path returns the current canonical path.
func (p *PathTracker) Path() string {
	if len(p.history) == 0 {
		return "/guidelines"
	}
	return p.history[len(p.history)-1]
}

// Depth reports how many history entries exist.
func (p *PathTracker) Depth() int { return len(p.history) }

// Reloads reports how many forced reloads were requested.
func (p *PathTracker) Reloads() int { return p.reloads }

// Back pops one history entry when possible and returns the new path.
func (p *PathTracker) Back() string {
	if len(p.history) > 1 {
		p.history = p.history[:len(p.history)-1]
	}
	return p.Path()
}
