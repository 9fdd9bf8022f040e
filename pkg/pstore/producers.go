package pstore

import (
	"bytes"
	"io"
)

// ConsoleWriter tees console output into the registry so the tail of it
// survives a restart. It implements io.Writer and never fails, making it
// safe to stack under a logger or MultiWriter.
type ConsoleWriter struct {
	reg *Registry
}

// NewConsoleWriter returns a writer feeding reg's console category.
func NewConsoleWriter(reg *Registry) *ConsoleWriter {
	return &ConsoleWriter{reg: reg}
}

func (w *ConsoleWriter) Write(p []byte) (int, error) {
	w.reg.WriteConsole(p)
	return len(p), nil
}

// TeeConsole wraps dst so everything written to it is also retained by reg
// and, when capture is set, mirrored into the crash capture window.
func TeeConsole(dst io.Writer, reg *Registry, capture *DumpBuffer) io.Writer {
	w := io.Writer(NewConsoleWriter(reg))
	if capture != nil {
		w = io.MultiWriter(w, capture)
	}
	if dst != nil {
		w = io.MultiWriter(dst, w)
	}
	return w
}

// MsgWriter stores each write as a user message. Unlike ConsoleWriter it
// reports backend errors, since a dropped user message should be visible
// to whoever wrote it.
type MsgWriter struct {
	reg *Registry
}

// NewMsgWriter returns a writer feeding reg's user-message category.
func NewMsgWriter(reg *Registry) *MsgWriter {
	return &MsgWriter{reg: reg}
}

func (w *MsgWriter) Write(p []byte) (int, error) {
	if err := w.reg.WriteUserMsg(bytes.NewReader(p), len(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// TraceWriter records execution trace events for one CPU.
type TraceWriter struct {
	reg *Registry
	cpu int
}

// NewTraceWriter returns a writer feeding reg's trace category for cpu.
func NewTraceWriter(reg *Registry, cpu int) *TraceWriter {
	return &TraceWriter{reg: reg, cpu: cpu}
}

func (w *TraceWriter) Write(p []byte) (int, error) {
	if err := w.reg.WriteTrace(p, w.cpu); err != nil {
		return 0, err
	}
	return len(p), nil
}
