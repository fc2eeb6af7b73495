package database

import (
	"context"
	"strings"
	"sync"
)

// The mem scheme backs both sides of the pipeline with process-local
// databases, shared by name. Useful for tests, dry runs and demos:
// "mem://source" and "mem://replica".

var (
	memMu      sync.Mutex
	memLogs    = make(map[string]*MemLog)
	memTargets = make(map[string]*MemTarget)
)

func init() {
	RegisterLogDriver("mem", func(ctx context.Context, uri string) (Log, error) {
		return memLogFor(memName(uri)), nil
	})
	RegisterTargetDriver("mem", func(ctx context.Context, uri string) (Target, error) {
		return memTargetFor(memName(uri)), nil
	})
}

func memName(uri string) string {
	_, rest, _ := strings.Cut(uri, "://")
	return rest
}

func memLogFor(name string) *MemLog {
	memMu.Lock()
	defer memMu.Unlock()
	if l, ok := memLogs[name]; ok {
		return l
	}
	l := NewMemLog()
	memLogs[name] = l
	return l
}

func memTargetFor(name string) *MemTarget {
	memMu.Lock()
	defer memMu.Unlock()
	if t, ok := memTargets[name]; ok {
		return t
	}
	t := NewMemTarget()
	memTargets[name] = t
	return t
}
