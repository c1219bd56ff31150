// Package index maps module names to fetch specs (`gh:nasa/osal@main`), so missions can declare
// `fetch = "index:osal"`. A mission keeps its own modules_index.json; a shared index is cached
// from a git remote and consulted for names the mission does not list.
package index

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/qobs-build/arcbuild/internal/msg"
)

const (
	IndexFilename = "modules_index.json"
	indexRepoURL  = "https://github.com/qobs-build/arcbuild-index.git"
	indexBranch   = "main"
)

type Index struct {
	// directory holding IndexFilename
	basePath string
	// module name -> fetch spec
	Deps map[string]string
}

func New(basePath string) *Index {
	return &Index{basePath: basePath, Deps: make(map[string]string)}
}

func ParseIndex(rdr io.Reader, basePath string) (*Index, error) {
	var deps map[string]string
	if err := json.NewDecoder(bufio.NewReader(rdr)).Decode(&deps); err != nil {
		return nil, fmt.Errorf("parse %s: %w", IndexFilename, err)
	}
	if deps == nil {
		deps = make(map[string]string)
	}
	return &Index{Deps: deps, basePath: basePath}, nil
}

func (idx *Index) Path() string { return filepath.Join(idx.basePath, IndexFilename) }

func (idx *Index) Save() error {
	f, err := os.Create(idx.Path())
	if err != nil {
		return err
	}
	defer f.Close()

	bufw := bufio.NewWriter(f)
	defer bufw.Flush()

	enc := json.NewEncoder(bufw)
	enc.SetIndent("", "  ")
	return enc.Encode(idx.Deps)
}

func ParseIndexInPath(basePath string) (*Index, error) {
	f, err := os.Open(filepath.Join(basePath, IndexFilename))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseIndex(f, basePath)
}

// LoadOrEmpty loads the index in basePath, or returns an empty one if there is none.
func LoadOrEmpty(basePath string) (*Index, error) {
	idx, err := ParseIndexInPath(basePath)
	if errors.Is(err, os.ErrNotExist) {
		return New(basePath), nil
	}
	return idx, err
}

// FetchIndex clones or updates the shared index into basePath.
func FetchIndex(basePath string) (*Index, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(basePath, ".git")); os.IsNotExist(err) {
		fmt.Printf("  %s module index\n", color.HiGreenString("Fetching"))
		_, err := git.PlainClone(basePath, &git.CloneOptions{
			URL:           indexRepoURL,
			ReferenceName: plumbing.NewBranchReferenceName(indexBranch),
			SingleBranch:  true,
			Depth:         1,
			Progress:      &msg.IndentWriter{Indent: "    ", W: os.Stdout},
		})
		if err != nil {
			return nil, err
		}
	} else {
		repo, err := git.PlainOpen(basePath)
		if err != nil {
			return nil, err
		}
		w, err := repo.Worktree()
		if err != nil {
			return nil, err
		}
		err = w.Pull(&git.PullOptions{
			RemoteName:    "origin",
			ReferenceName: plumbing.NewBranchReferenceName(indexBranch),
			SingleBranch:  true,
			Depth:         1,
			Progress:      &msg.IndentWriter{Indent: "    ", W: os.Stdout},
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil, err
		}
	}

	return ParseIndexInPath(basePath)
}

func sharedIndexPath() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "arcbuild", "index"), nil
}

// UpdateShared fetches the shared index into the user cache directory.
func UpdateShared() (*Index, error) {
	path, err := sharedIndexPath()
	if err != nil {
		return nil, err
	}
	return FetchIndex(path)
}

// CachedShared returns the shared index if it was fetched before, without touching the network.
func CachedShared() (*Index, bool) {
	path, err := sharedIndexPath()
	if err != nil {
		return nil, false
	}
	idx, err := ParseIndexInPath(path)
	if err != nil {
		return nil, false
	}
	return idx, true
}

// ForMission returns the mission's index, falling back to the cached shared index for names
// the mission does not list.
func ForMission(missionDir string) (*Index, error) {
	idx, err := LoadOrEmpty(missionDir)
	if err != nil {
		return nil, err
	}
	if shared, ok := CachedShared(); ok {
		for name, spec := range shared.Deps {
			if !idx.HasDep(name) {
				idx.SetDep(name, spec)
			}
		}
	}
	return idx, nil
}

func (idx *Index) Lookup(name string) (string, bool) {
	spec, ok := idx.Deps[name]
	return spec, ok
}

func (idx *Index) SetDep(name, spec string) {
	if idx.Deps == nil {
		idx.Deps = make(map[string]string)
	}
	idx.Deps[name] = spec
}

func (idx *Index) HasDep(name string) bool {
	_, exists := idx.Deps[name]
	return exists
}

func (idx *Index) RemoveDep(name string) bool {
	if idx.Deps == nil {
		return false
	}
	if _, ok := idx.Deps[name]; ok {
		delete(idx.Deps, name)
		return true
	}
	return false
}

// Names returns the module names in sorted order.
func (idx *Index) Names() []string {
	return slices.Sorted(maps.Keys(idx.Deps))
}

// Search returns the names whose name or fetch spec contains term, case insensitively.
func (idx *Index) Search(term string) []string {
	term = strings.ToLower(term)
	var found []string
	for _, name := range idx.Names() {
		if strings.Contains(strings.ToLower(name), term) ||
			strings.Contains(strings.ToLower(idx.Deps[name]), term) {
			found = append(found, name)
		}
	}
	return found
}
