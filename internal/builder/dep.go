package builder

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/qobs-build/arcbuild/internal/index"
	"github.com/qobs-build/arcbuild/internal/msg"
)

var depShortcuts = map[string]string{
	"gh:": "https://github.com/",
	"gl:": "https://gitlab.com/",
	"bb:": "https://bitbucket.org/",
	"sr:": "https://sr.ht/",
	"cb:": "https://codeberg.org/",
}

const (
	gitPrefix   = "git:"
	indexPrefix = "index:"
)

var (
	errIllegalDep  = errors.New("empty or illegal fetch string")
	errArchiveDep  = errors.New("archive downloads are not supported, use a git remote")
	errIndexNotSet = errors.New("no module index loaded")
)

// fetcher fetches units whose directory is missing into the deps directory.
type fetcher struct {
	depsDir string
	baseDir string
	index   *index.Index
}

// fetch makes the sources of a unit available and returns their directory. Local paths are
// returned as is, remotes are cloned once into {depsDir}/{name}.
func (f *fetcher) fetch(name, spec string) (string, error) {
	if spec == "" {
		return "", errIllegalDep
	}

	if rest, ok := strings.CutPrefix(spec, indexPrefix); ok {
		if f.index == nil {
			return "", errIndexNotSet
		}
		resolved, ok := f.index.Lookup(rest)
		if !ok {
			return "", fmt.Errorf("module %q not found in %s", rest, index.IndexFilename)
		}
		msg.Debug("index: %s -> %s", rest, resolved)
		return f.fetch(name, resolved)
	}

	var remote string
	switch {
	// git:https://github.com/nasa/osal.git@main#v6.0.0
	case strings.HasPrefix(spec, gitPrefix):
		remote = spec[len(gitPrefix):]
	case isURL(spec):
		return "", errArchiveDep
	default:
		// gh:nasa/osal
		for shortcut, url := range depShortcuts {
			if strings.HasPrefix(spec, shortcut) {
				remote = url + spec[len(shortcut):]
				break
			}
		}
	}

	if remote == "" {
		// otherwise it's a path
		if filepath.IsAbs(spec) {
			return filepath.Clean(spec), nil
		}
		return filepath.Join(f.baseDir, spec), nil
	}

	toWhere := filepath.Join(f.depsDir, name)
	if stat, err := os.Stat(toWhere); err == nil && stat.IsDir() {
		return toWhere, nil // already fetched
	}
	if err := os.MkdirAll(f.depsDir, 0755); err != nil {
		return "", err
	}
	msg.Info("fetching %s from %s", name, remote)
	if _, err := cloneGitRepo(remote, toWhere); err != nil {
		os.RemoveAll(toWhere)
		return "", fmt.Errorf("failed to fetch %q: %w", name, err)
	}
	return toWhere, nil
}

func isURL(maybeURL string) bool {
	u, err := url.Parse(maybeURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}

type gitURL struct {
	cleanURL    string
	branch      string
	commitOrTag string
}

// someone/something@master#0.1.0
// someone/something@feature-branch#12345abc
// someone/something#12345abc
func parseGitURL(rawURL string) (res gitURL) {
	parts := strings.SplitN(rawURL, "#", 2)
	baseURL := parts[0]
	if len(parts) == 2 {
		res.commitOrTag = parts[1]
	}

	// the last @ separates the branch, so ssh remotes (git@host:repo) keep their user
	if i := strings.LastIndex(baseURL, "@"); i > strings.LastIndex(baseURL, "/") {
		res.cleanURL = baseURL[:i]
		res.branch = baseURL[i+1:]
	} else {
		res.cleanURL = baseURL
	}

	if !strings.HasSuffix(res.cleanURL, ".git") {
		res.cleanURL += ".git"
	}

	return
}

// cloneGitRepo clones a Git remote into the specified directory
func cloneGitRepo(url, toWhere string) (string, error) {
	parsedURL := parseGitURL(url)

	cloneOptions := &git.CloneOptions{
		URL:               parsedURL.cleanURL,
		Progress:          &msg.IndentWriter{Indent: "    ", W: os.Stdout},
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	}

	if parsedURL.commitOrTag == "" {
		cloneOptions.Depth = 1 // we can do a shallow clone of the latest commit
	}

	if parsedURL.branch != "" {
		cloneOptions.ReferenceName = plumbing.NewBranchReferenceName(parsedURL.branch)
		cloneOptions.SingleBranch = true
	}

	repo, err := git.PlainClone(toWhere, cloneOptions)
	if err != nil {
		return toWhere, err
	}

	if parsedURL.commitOrTag != "" {
		w, err := repo.Worktree()
		if err != nil {
			return toWhere, fmt.Errorf("could not get worktree: %w", err)
		}

		revision := parsedURL.commitOrTag
		hash, err := repo.ResolveRevision(plumbing.Revision(revision))
		if err != nil {
			return toWhere, fmt.Errorf("could not resolve revision `%s`: %w", revision, err)
		}

		err = w.Checkout(&git.CheckoutOptions{
			Hash:  *hash,
			Force: true,
		})
		if err != nil {
			return toWhere, fmt.Errorf("failed to checkout `%s`: %w", revision, err)
		}
	}

	return toWhere, nil
}
