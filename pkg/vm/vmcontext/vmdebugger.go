package vmcontext

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// DiagnosticsSink receives free form trace lines emitted during execution.
type DiagnosticsSink interface {
	Printfln(msg string, args ...interface{})
}

type diagnosticsKey struct{}

// WithDiagnostics attaches sink to ctx. Executions under ctx report their
// trace lines to it.
func WithDiagnostics(ctx context.Context, sink DiagnosticsSink) context.Context {
	return context.WithValue(ctx, diagnosticsKey{}, sink)
}

// DiagnosticsFrom returns the sink attached to ctx, if any.
func DiagnosticsFrom(ctx context.Context) (DiagnosticsSink, bool) {
	sink, ok := ctx.Value(diagnosticsKey{}).(DiagnosticsSink)
	return sink, ok && sink != nil
}

// VMDebugMsg for vm debug
type VMDebugMsg struct {
	lk  sync.Mutex
	buf *strings.Builder
}

var _ DiagnosticsSink = (*VMDebugMsg)(nil)

func NewVMDebugMsg() *VMDebugMsg {
	return &VMDebugMsg{buf: &strings.Builder{}}
}

func (debug *VMDebugMsg) Printfln(msg string, args ...interface{}) {
	debug.lk.Lock()
	defer debug.lk.Unlock()
	debug.buf.WriteString(fmt.Sprintf(msg, args...))
	debug.buf.WriteString("\n")
}

func (debug *VMDebugMsg) String() string {
	debug.lk.Lock()
	defer debug.lk.Unlock()
	return debug.buf.String()
}

// WriteToFile write debug message to file
func (debug *VMDebugMsg) WriteToFile(fileName string) error {
	return os.WriteFile(fileName, []byte(debug.String()), 0o644)
}
