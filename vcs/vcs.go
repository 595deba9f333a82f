package vcs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/johnstarich/dcsync/pipe"
	"github.com/pkg/errors"
	"gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
	"gopkg.in/src-d/go-git.v4/plumbing/storer"
)

// Repository is a Git repository with serialized commits
type Repository interface {
	// CommitFiles runs prepFiles with exclusive access, then commits the files at paths with message.
	// Nothing is committed if the files are unchanged.
	CommitFiles(prepFiles func() error, message string, paths ...string) error
	// Log returns up to limit commit messages, newest first. A limit <= 0 returns all of them.
	Log(limit int) ([]string, error)
}

// Open ensures a Git repo exists at path and returns it
func Open(path string) (Repository, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit: false,
	})
	if err == git.ErrRepositoryNotExists {
		repo, err = initRepo(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "Open store history")
	}
	return &syncRepo{repo: repo}, nil
}

type syncRepo struct {
	repo *git.Repository
	mu   sync.Mutex
}

func initRepo(path string) (*git.Repository, error) {
	var err error
	var repo *git.Repository
	var tree *git.Worktree
	var status git.Status
	err = pipe.OpFuncs{
		func() error {
			repo, err = git.PlainInit(path, false)
			return err
		},
		func() error {
			tree, err = repo.Worktree()
			return err
		},
		func() error {
			status, err = tree.Status()
			return err
		},
		func() error {
			var ops pipe.OpFuncs
			for file, stat := range status {
				// track existing store files, never temp files or secrets
				if stat.Worktree == git.Untracked && strings.HasSuffix(file, ".json") {
					file := file
					ops = append(ops, func() error {
						_, err := tree.Add(file)
						return err
					})
				}
			}
			if len(ops) == 0 {
				return nil
			}
			ops = append(ops, func() error {
				_, err := tree.Commit("Initial commit", &git.CommitOptions{Author: author()})
				return err
			})
			return ops.Do()
		},
	}.Do()
	return repo, err
}

func author() *object.Signature {
	return &object.Signature{
		Name: "dcsync",
		When: time.Now(),
	}
}

func (s *syncRepo) CommitFiles(prepFiles func() error, message string, paths ...string) error {
	if len(paths) == 0 {
		return errors.New("No files to commit")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	var tree *git.Worktree
	var repoStatus git.Status
	var rootPath string
	relPaths := make([]string, len(paths))
	return pipe.OpFuncs{
		prepFiles,
		func() error {
			tree, err = s.repo.Worktree()
			return err
		},
		func() error {
			_, headErr := s.repo.Head()
			switch headErr {
			case nil:
				// unstage everything else
				return tree.Reset(&git.ResetOptions{})
			case plumbing.ErrReferenceNotFound:
				return nil
			default:
				return headErr
			}
		},
		func() error {
			rootPath, err = filepath.Abs(tree.Filesystem.Root())
			return err
		},
		func() error {
			for i, path := range paths {
				abs, err := filepath.Abs(path)
				if err != nil {
					return err
				}
				relPaths[i], err = filepath.Rel(rootPath, abs)
				if err != nil {
					return err
				}
				if _, err := tree.Add(relPaths[i]); err != nil {
					return errors.Wrapf(err, "Failed to add %s to the git index", relPaths[i])
				}
			}
			return nil
		},
		func() error {
			repoStatus, err = tree.Status()
			return err
		},
		func() error {
			for _, path := range relPaths {
				if status, ok := repoStatus[path]; ok && status.Staging != git.Unmodified {
					_, err := tree.Commit(message, &git.CommitOptions{Author: author()})
					return err
				}
			}
			return nil
		},
	}.Do()
}

func (s *syncRepo) Log(limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.Head(); err == plumbing.ErrReferenceNotFound {
		return nil, nil
	}
	commits, err := s.repo.Log(&git.LogOptions{})
	if err != nil {
		return nil, err
	}
	var messages []string
	err = commits.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(messages) >= limit {
			return storer.ErrStop
		}
		messages = append(messages, c.Message)
		return nil
	})
	return messages, err
}
