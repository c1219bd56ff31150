package gen

import "strings"

// ninjaWriter accumulates the text of a build.ninja file.
type ninjaWriter struct {
	sb strings.Builder
}

func (w *ninjaWriter) write(s ...string) {
	for _, str := range s {
		w.sb.WriteString(str)
	}
}

func (w *ninjaWriter) writeln(s ...string) {
	w.write(s...)
	w.sb.WriteByte('\n')
}

// paths writes each path escaped and preceded by a space.
func (w *ninjaWriter) paths(paths []string) {
	for _, p := range paths {
		w.write(" ", quote(p))
	}
}

// bind writes an indented variable binding of the current edge or rule.
func (w *ninjaWriter) bind(name, value string) {
	w.writeln("  ", name, " = ", ninjaVar(value))
}

func (w *ninjaWriter) String() string { return w.sb.String() }
