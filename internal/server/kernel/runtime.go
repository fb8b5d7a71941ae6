// Package kernel executes notebook code in sandboxed containers and streams the
// output over the execution WebSocket.
package kernel

import (
	"context"
	"io"
	"strings"

	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

// ShellPrefix marks code that runs as a shell command instead of Python.
const ShellPrefix = "!"

// Request is one execution.
type Request struct {
	ID   string
	Code string
}

// Shell reports whether the code runs under /bin/sh. Surrounding whitespace
// is ignored.
func (r Request) Shell() bool {
	return strings.HasPrefix(strings.TrimSpace(r.Code), ShellPrefix)
}

// Command returns the container command for r.
func (r Request) Command() []string {
	code := strings.TrimSpace(r.Code)
	if r.Shell() {
		return []string{"/bin/sh", "-c", strings.TrimSpace(strings.TrimPrefix(code, ShellPrefix))}
	}
	return []string{"python", "-c", code}
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
}

// Runtime runs executions to completion.
//
// Run streams stdout and stderr as they are produced. When ctx ends first the
// process is killed and ctx.Err() is returned.
type Runtime interface {
	Ping(ctx context.Context) error
	Run(ctx context.Context, req Request, stdout, stderr io.Writer) (Result, error)
	Stats(ctx context.Context, executionID string) (protocol.ResourceStats, error)
	Close() error
}
