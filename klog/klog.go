// Package klog is the kernel's console logging sink. It stands in for the
// VGA/serial console (an out-of-scope external collaborator per spec.md
// §1) behind a single io.Writer, and reproduces biscuit's
// caller.Callerdump call-stack dump for fatal conditions.
package klog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Sink is the console all kernel packages log through. Tests redirect it
// to a bytes.Buffer; the real boot path points it at the serial console
// driver (not specified here, per Non-goals).
var Sink io.Writer = os.Stdout

var (
	mu      sync.Mutex
	printer = message.NewPrinter(language.English)
)

// Printf writes a formatted line to Sink, serialized across CPUs the same
// way biscuit's bare fmt.Printf calls are (Go's runtime already
// serializes os.Stdout writes; a real freestanding console needs its own
// lock, which this mutex models).
func Printf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(Sink, format, args...)
}

// Countf is like Printf but formats integer arguments with locale
// thousands separators, generalizing biscuit's
// "Reserved %v pages (%vMB)" boot banner (mem.Phys_init) into a
// locale-aware variant using golang.org/x/text/message.
func Countf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	printer.Fprintf(Sink, format, args...)
}

// Panic logs msg, dumps the calling goroutine's stack (standing in for
// Callerdump's runtime.Caller walk across kernel call frames since this
// repo runs kernel logic as goroutines rather than bare assembly frames),
// and re-panics so the caller's recover/halt path can run.
func Panic(msg string) {
	mu.Lock()
	fmt.Fprintf(Sink, "PANIC: %s\n", msg)
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	fmt.Fprintf(Sink, "%s", buf[:n])
	mu.Unlock()
	panic(msg)
}
