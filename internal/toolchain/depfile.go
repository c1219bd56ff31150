package toolchain

import (
	"os"
	"strings"
)

// ReadDepfile returns the prerequisites listed in a make-style dependency file as written by
// `-MMD -MF`. The targets themselves are not returned.
func ReadDepfile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDepfile(string(data)), nil
}

// ParseDepfile parses the rules of a dependency file. Backslash continuations are joined,
// `\ ` is an escaped space and `$$` a literal dollar.
func ParseDepfile(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\\\n", " ")

	var deps []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		sep := strings.Index(line, ": ")
		if sep < 0 {
			if !strings.HasSuffix(line, ":") {
				continue
			}
			sep = len(line) - 1
		}
		for _, dep := range splitDepList(line[sep+1:]) {
			if !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
		}
	}
	return deps
}

func splitDepList(s string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s) && s[i+1] == ' ':
			cur.WriteByte(' ')
			i++
		case c == '$' && i+1 < len(s) && s[i+1] == '$':
			cur.WriteByte('$')
			i++
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
