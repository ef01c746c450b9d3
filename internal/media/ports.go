package media

import (
	"fmt"
	"sort"
	"sync"
)

// PortPool manages a pool of RTP ports for media sessions.
// Ports are handed out in pairs: an even RTP port and the odd RTCP port
// above it. The lowest free port is allocated first.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	free      []int // sorted
	allocated map[int]bool
}

// NewPortPool creates a pool covering [minPort, maxPort]. minPort is
// rounded up to even.
func NewPortPool(minPort, maxPort int) *PortPool {
	if minPort%2 != 0 {
		minPort++
	}
	var free []int
	for port := minPort; port < maxPort; port += 2 {
		free = append(free, port)
	}
	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		free:      free,
		allocated: make(map[int]bool),
	}
}

// Allocate returns the lowest free RTP port.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, fmt.Errorf("no ports available in pool (range %d-%d)", p.minPort, p.maxPort)
	}
	port := p.free[0]
	p.free = p.free[1:]
	p.allocated[port] = true
	return port, nil
}

// Release returns a port to the pool. Unknown ports are ignored.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.allocated[port] {
		return
	}
	delete(p.allocated, port)
	i := sort.SearchInts(p.free, port)
	p.free = append(p.free, 0)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = port
}

// Available returns the number of free port pairs.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Allocated returns the number of port pairs in use.
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
