// Package id generates entity identifiers for records written to the
// shared store. IDs must stay unique across uncoordinated server
// processes writing to the same keyspace, so they combine wall-clock
// time, the process id and a per-process monotonic counter.
package id

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Generator produces identifiers of the form
// {prefix}-{epochMillis}-{pid}-{counter}.
type Generator struct {
	mu      sync.Mutex
	pid     int
	counter uint64
}

// NewGenerator creates a Generator bound to the current process id.
func NewGenerator() *Generator {
	return &Generator{pid: os.Getpid()}
}

// Next returns a fresh identifier with the given prefix.
func (g *Generator) Next(prefix string) string {
	g.mu.Lock()
	n := g.counter
	g.counter++
	g.mu.Unlock()
	return fmt.Sprintf("%s-%d-%d-%d", prefix, time.Now().UnixMilli(), g.pid, n)
}
