package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/alexandremahdhaoui/nodebundle/pkg/bundle"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Unversioned is the version of a source tree outside of any git repository.
const Unversioned = "unversioned"

var commitRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Version returns the HEAD commit of the repository containing dir.
// A "-dirty" suffix is added when the worktree has uncommitted changes.
// Untracked files that the ingestion would skip (DefaultIgnores, dir's
// .gitignore, extra) or that live outside dir do not make it dirty.
// Outside of a repository, Version returns Unversioned.
func Version(dir string, extra []string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Unversioned, nil
	}
	if err != nil {
		return "", err
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// Repository without any commit yet.
		return Unversioned, nil
	}
	if err != nil {
		return "", err
	}

	version := head.Hash().String()

	wt, err := repo.Worktree()
	if err != nil {
		return version, nil //nolint:nilerr // bare repositories have no worktree to be dirty
	}

	status, err := wt.Status()
	if err != nil {
		return "", err
	}

	prefix, err := treePrefix(wt.Filesystem.Root(), dir)
	if err != nil {
		return "", err
	}

	matcher, err := compileIgnores(dir, extra)
	if err != nil {
		return "", err
	}

	for path, st := range status {
		if st.Staging == git.Unmodified && st.Worktree == git.Unmodified {
			continue
		}
		if st.Worktree == git.Untracked {
			rel, inTree := strings.CutPrefix(path, prefix)
			if !inTree || matcher.MatchesPath(rel) {
				continue
			}
		}
		return version + "-dirty", nil
	}

	return version, nil
}

// treePrefix returns the slash-separated path of dir relative to the worktree
// root, with a trailing slash, or "" when dir is the root.
func treePrefix(root, dir string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel) + "/", nil
}

// clone fetches src.Repo at src.Ref into dest.
// Branches and tags are cloned shallowly. Commit ids need the full history.
func clone(ctx context.Context, src bundle.Source, dest string) (Tree, error) {
	opts := &git.CloneOptions{
		URL:   src.Repo,
		Depth: 1,
	}

	isCommit := commitRe.MatchString(src.Ref)

	switch {
	case src.Ref == "":
	case isCommit:
		opts.Depth = 0
	default:
		// Try the ref as a branch first, then as a tag.
		opts.ReferenceName = plumbing.NewBranchReferenceName(src.Ref)
		opts.SingleBranch = true
	}

	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil && opts.ReferenceName.IsBranch() {
		_ = os.RemoveAll(dest)
		opts.ReferenceName = plumbing.NewTagReferenceName(src.Ref)
		repo, err = git.PlainCloneContext(ctx, dest, false, opts)
	}
	if err != nil {
		return Tree{}, fmt.Errorf("cloning %s: %w", src.Repo, err)
	}

	if isCommit {
		wt, err := repo.Worktree()
		if err != nil {
			return Tree{}, err
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(src.Ref)}); err != nil {
			return Tree{}, fmt.Errorf("checking out %s: %w", src.Ref, err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return Tree{}, err
	}

	// The clone is the build context; its git metadata is not part of it.
	if err := os.RemoveAll(filepath.Join(dest, ".git")); err != nil {
		return Tree{}, err
	}

	return Tree{Dir: dest, Version: head.Hash().String(), Files: countFiles(dest)}, nil
}

func countFiles(dir string) int {
	n := 0
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n
}
