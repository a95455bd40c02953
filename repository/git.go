package repository

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/sirupsen/logrus"
)

// GitRepository serves configuration definitions from YAML files checked
// into a git repository, cloned into memory and periodically pulled.
//
// Unlike a filesystem repository, git blobs carry no per-file mtime, so
// GetUpdateTime reports the HEAD commit's author time for every path: a
// commit anywhere in the tracked branch is treated as a potential change to
// every file in it. This is coarser than the filesystem repository but
// matches the granularity go-git actually exposes.
type GitRepository struct {
	URL    string
	Branch string
	Auth   *http.BasicAuth

	mu   sync.Mutex
	repo *git.Repository
	fs   billy.Filesystem
	head time.Time
}

// NewGitRepository creates a GitRepository for the given clone URL and
// branch (empty branch uses the repository's default).
func NewGitRepository(url, branch string) (*GitRepository, error) {
	if url == "" {
		return nil, fmt.Errorf("git repository url is required")
	}
	return &GitRepository{URL: url, Branch: branch}, nil
}

func (g *GitRepository) ensureCloned(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.repo == nil {
		g.fs = memfs.New()
		logrus.Debugf("cloning %s into memory", g.URL)
		opts := &git.CloneOptions{URL: g.URL, Auth: g.Auth}
		if g.Branch != "" {
			opts.ReferenceName = plumbing.NewBranchReferenceName(g.Branch)
			opts.SingleBranch = true
		}
		r, err := git.CloneContext(ctx, memory.NewStorage(), g.fs, opts)
		if err != nil {
			return fmt.Errorf("clone %s: %w", g.URL, err)
		}
		g.repo = r
		return g.refreshHead()
	}

	w, err := g.repo.Worktree()
	if err != nil {
		return err
	}
	pullOpts := &git.PullOptions{Auth: g.Auth}
	if g.Branch != "" {
		pullOpts.ReferenceName = plumbing.NewBranchReferenceName(g.Branch)
		pullOpts.SingleBranch = true
	}
	err = w.PullContext(ctx, pullOpts)
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("pull %s: %w", g.URL, err)
	}
	return g.refreshHead()
}

// refreshHead must be called with mu held.
func (g *GitRepository) refreshHead() error {
	ref, err := g.repo.Head()
	if err != nil {
		return err
	}
	commit, err := g.repo.CommitObject(ref.Hash())
	if err != nil {
		return err
	}
	g.head = commit.Author.When
	return nil
}

func (g *GitRepository) Exists(ctx context.Context, path string) (bool, error) {
	if err := g.ensureCloned(ctx); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.fs.Stat(path)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (g *GitRepository) GetUpdateTime(ctx context.Context, _ string) (time.Time, error) {
	if err := g.ensureCloned(ctx); err != nil {
		return time.Time{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head, nil
}

func (g *GitRepository) Load(ctx context.Context, path string) (ParsedConfig, error) {
	if err := g.ensureCloned(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	file, err := g.fs.Open(path)
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	data, err := io.ReadAll(file)
	closeErr := file.Close()
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		logrus.WithError(closeErr).Warn("error closing git blob")
	}
	return ParseYAML(data)
}

func (g *GitRepository) GetAllLoadablesDefinitionNames(ctx context.Context) ([]string, error) {
	if err := g.ensureCloned(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var names []string
	root, err := g.fs.ReadDir("/")
	if err != nil {
		return nil, err
	}
	for _, entry := range root {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}
