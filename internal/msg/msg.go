package msg

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/fatih/color"
	"go.trai.ch/zerr"
)

var (
	mu      sync.Mutex
	out     io.Writer = os.Stdout
	verbose bool
)

// SetVerbose enables Debug output.
func SetVerbose(v bool) {
	mu.Lock()
	verbose = v
	mu.Unlock()
}

// SetOutput redirects all messages. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	mu.Lock()
	out = w
	mu.Unlock()
}

func printLabel(label, format string, a ...any) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprint(out, label)
	fmt.Fprint(out, ": ")
	fmt.Fprintf(out, format, a...)
	fmt.Fprint(out, "\n")
}

func Error(format string, a ...any) {
	printLabel(color.HiRedString("error"), format, a...)
}

func Warn(format string, a ...any) {
	printLabel(color.YellowString("warn"), format, a...)
}

func Fatal(format string, a ...any) {
	printLabel(color.RedString("fatal"), format, a...)
	os.Exit(1)
}

func Info(format string, a ...any) {
	printLabel(color.HiGreenString("info"), format, a...)
}

func Debug(format string, a ...any) {
	mu.Lock()
	v := verbose
	mu.Unlock()
	if v {
		printLabel(color.HiBlackString("debug"), format, a...)
	}
}

// Step echoes a build action, ninja style: `[3/17] CC apps/sch/fsw/src/sch.c`.
func Step(n, total int, desc string) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "%s %s\n", color.HiBlackString("[%d/%d]", n, total), desc)
}

// Err prints an error followed by the structured fields attached anywhere in its chain,
// e.g. `unit=telemetry target=cpu1`. Joined errors are printed one by one.
func Err(err error) {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			Err(e)
		}
		return
	}

	fields := Fields(err)
	if len(fields) == 0 {
		Error("%v", err)
		return
	}
	Error("%v\n  %s", err, color.HiBlackString(fields))
}

// Fields renders the zerr metadata of an error chain as sorted key=value pairs. Outer values
// win over inner ones with the same key.
func Fields(err error) string {
	meta := make(map[string]any)
	for e := err; e != nil; e = errors.Unwrap(e) {
		if z, ok := e.(*zerr.Error); ok {
			for k, v := range z.Metadata() {
				if _, seen := meta[k]; !seen {
					meta[k] = v
				}
			}
		}
	}

	parts := make([]string, 0, len(meta))
	for _, k := range slices.Sorted(maps.Keys(meta)) {
		v := meta[k]
		if list, ok := v.([]string); ok {
			v = strings.Join(list, ",")
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

type IndentWriter struct {
	Indent    string
	W         io.Writer
	didIndent bool
}

func (w *IndentWriter) Write(p []byte) (n int, err error) {
	for _, c := range p {
		if !w.didIndent {
			w.W.Write([]byte(w.Indent))
			w.didIndent = true
		}
		w.W.Write([]byte{c}) // FIXME-perf: buffer this
		if c == '\n' || c == '\r' {
			w.didIndent = false
		}
	}
	return len(p), nil
}
