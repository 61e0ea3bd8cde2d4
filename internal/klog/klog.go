// Package klog adapts github.com/go-logr/logr to the kernel's serial
// console. Every subsystem that is not itself nosplit interrupt code
// (PMM, VMM, heap, ACPI, APIC, PCI, proc, scheduler, block, VFS, ext2,
// socket, TCP, PFIFO init and control paths) takes a logr.Logger at
// construction and logs through it instead of calling console.Puts
// directly.
package klog

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/console"
)

// consoleSink formats logr records onto the serial console. It never
// allocates beyond what fmt.Sprintf needs, and is never used from
// interrupt-context nosplit code — those call sites use console.Puts
// directly (see internal/irq).
type consoleSink struct {
	name string
	vals []interface{}
}

var _ logr.LogSink = (*consoleSink)(nil)

func (s *consoleSink) Init(logr.RuntimeInfo) {}

func (s *consoleSink) Enabled(level int) bool { return true }

func (s *consoleSink) Info(level int, msg string, kv ...interface{}) {
	s.write("INFO", msg, kv)
}

func (s *consoleSink) Error(err error, msg string, kv ...interface{}) {
	all := append(append([]interface{}{}, kv...), "err", err)
	s.write("ERROR", msg, all)
}

func (s *consoleSink) write(level, msg string, kv []interface{}) {
	line := fmt.Sprintf("[%s] %s: %s", level, s.name, msg)
	all := append(append([]interface{}{}, s.vals...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		line += fmt.Sprintf(" %v=%v", all[i], all[i+1])
	}
	console.Puts(line + "\n")
}

func (s *consoleSink) WithValues(kv ...interface{}) logr.LogSink {
	return &consoleSink{name: s.name, vals: append(append([]interface{}{}, s.vals...), kv...)}
}

func (s *consoleSink) WithName(name string) logr.LogSink {
	n := name
	if s.name != "" {
		n = s.name + "." + name
	}
	return &consoleSink{name: n, vals: s.vals}
}

// New returns a logr.Logger scoped to name, writing to the serial
// console. console.Init must have already run.
func New(name string) logr.Logger {
	return logr.New(&consoleSink{name: name})
}
