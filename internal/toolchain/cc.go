package toolchain

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	commonCCompilers   = []string{"gcc", "clang", "cc", "icx", "tcc"}
	commonCxxCompilers = []string{"g++", "clang++", "c++", "icpx"}
)

// findCompiler attempts to find a suitable C or C++ compiler. A non-empty prefix selects a
// cross toolchain (e.g. `arm-linux-gnueabihf-gcc`); otherwise CC/CXX and the common host
// compilers are tried.
func findCompiler(prefix string, needCxx bool) string {
	if prefix != "" {
		name := prefix + "gcc"
		if needCxx {
			name = prefix + "g++"
		}
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
		return name
	}

	env := "CC"
	compilersToTry := commonCCompilers
	if needCxx {
		env = "CXX"
		compilersToTry = commonCxxCompilers
	}
	if cc := os.Getenv(env); cc != "" {
		return cc
	}

	for _, compiler := range compilersToTry {
		path, err := exec.LookPath(compiler)
		if err == nil {
			return path
		}
	}

	return compilersToTry[0]
}

// findArchiver returns the archiver matching a toolchain prefix.
func findArchiver(prefix string) string {
	if prefix == "" {
		if ar := os.Getenv("AR"); ar != "" {
			return ar
		}
	}
	return prefix + "ar"
}

// IsCxx reports whether a source file is C++ by its extension.
func IsCxx(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cc", ".cpp", ".cxx", ".c++":
		return true
	}
	return false
}
