// Package shelltest provides a scripted command runner for tests that must
// not touch real block devices or initiator state.
package shelltest

import (
	"context"
	"strings"
	"sync"

	"metaldeployd/internal/shell"
)

// FakeResult scripts the outcome of one command line.
type FakeResult struct {
	Stdout string
	Stderr string
	Code   int
	Err    error
}

// FakeRunner records every command it is asked to run and replays scripted
// results keyed by the full command line. Unscripted commands succeed with
// empty output.
type FakeRunner struct {
	mu       sync.Mutex
	results  map[string][]FakeResult
	Commands []string
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{results: make(map[string][]FakeResult)}
}

// AddResult queues a result for the given command line. Multiple results for
// the same line are consumed in order, the last one repeating.
func (f *FakeRunner) AddResult(cmdline string, res FakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[cmdline] = append(f.results[cmdline], res)
}

func (f *FakeRunner) Run(_ context.Context, name string, args ...string) (shell.Result, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.Commands = append(f.Commands, line)
	queue := f.results[line]
	var res FakeResult
	if len(queue) > 0 {
		res = queue[0]
		if len(queue) > 1 {
			f.results[line] = queue[1:]
		}
	}
	f.mu.Unlock()

	out := shell.Result{Stdout: []byte(res.Stdout), Stderr: []byte(res.Stderr), Code: res.Code}
	if res.Err != nil {
		return out, res.Err
	}
	if res.Code != 0 {
		return out, &shell.ExecError{Cmd: line, Code: res.Code, Stderr: res.Stderr}
	}
	return out, nil
}

// Ran reports whether any recorded command line contains the substring.
func (f *FakeRunner) Ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

// CountRan returns how many recorded command lines contain the substring.
func (f *FakeRunner) CountRan(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Commands {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}
