package gen

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/qobs-build/arcbuild/internal/job"
	"github.com/qobs-build/arcbuild/internal/toolchain"
)

// BuildState records the fingerprint of every job that last succeeded, for incremental builds.
type BuildState struct {
	Session string            `json:"session"`
	Jobs    map[string]string `json:"jobs"` // job id -> fingerprint

	mu        sync.Mutex
	hashCache map[string]string
}

func newBuildState() *BuildState {
	return &BuildState{Jobs: make(map[string]string), hashCache: make(map[string]string)}
}

// loadBuildState loads the previous build state from disk
func loadBuildState(path string) (*BuildState, error) {
	state := newBuildState()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil // no previous state, that's fine
		}
		return state, err
	}
	defer f.Close()
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(state); err != nil {
		return newBuildState(), err
	}
	if state.Jobs == nil {
		state.Jobs = make(map[string]string)
	}
	return state, nil
}

func (s *BuildState) save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (s *BuildState) get(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Jobs[id]
}

func (s *BuildState) set(id, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fingerprint == "" {
		delete(s.Jobs, id)
		return
	}
	s.Jobs[id] = fingerprint
}

// fileHash computes the xxhash of a file with an in-memory cache. Files produced during the
// build are hashed after their producer finished, so the cache never holds a stale entry.
func (s *BuildState) fileHash(path string) (string, error) {
	s.mu.Lock()
	if hash, ok := s.hashCache[path]; ok {
		s.mu.Unlock()
		return hash, nil
	}
	s.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	hash := strconv.FormatUint(h.Sum64(), 16)

	s.mu.Lock()
	s.hashCache[path] = hash
	s.mu.Unlock()
	return hash, nil
}

// forget drops cached hashes of files a job is about to rewrite.
func (s *BuildState) forget(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		delete(s.hashCache, p)
	}
}

// fingerprint hashes a job's command lines, working directories and the contents of its
// inputs, including the headers listed in the depfiles of its commands. An unreadable input
// yields "", which never matches a saved state.
func (s *BuildState) fingerprint(j *job.Job) string {
	h := xxhash.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.WriteString(p)
			h.WriteString("\x00")
		}
	}

	var inputs []string
	for _, cmd := range j.Cmds {
		write(cmd.Dir)
		write(cmd.Args...)
		write("\x01")
		inputs = append(inputs, cmd.Inputs...)

		if cmd.Depfile == "" {
			continue
		}
		deps, err := toolchain.ReadDepfile(cmd.Depfile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			write("no depfile")
		case err != nil:
			return ""
		default:
			inputs = append(inputs, deps...)
		}
	}
	if j.Install != nil {
		write("install", j.Install.Dst)
		inputs = append(inputs, j.Install.Src)
	}

	for _, in := range inputs {
		hash, err := s.fileHash(in)
		if err != nil {
			return ""
		}
		write(in, hash)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
