// Package gitinfo resolves the HEAD commit of an optional git checkout.
// Mutation tickets pin this SHA so a stamp stops verifying once the
// underlying repository moves.
package gitinfo

import (
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5"
)

// NoRepoSHA is used when no repository is configured. Tickets still work;
// they just are not invalidated by repository movement.
const NoRepoSHA = "no-repo"

// Resolver reads the HEAD SHA of a configured checkout.
type Resolver struct {
	path string
}

// NewResolver creates a resolver for the given checkout path. An empty path
// is valid and yields NoRepoSHA.
func NewResolver(path string) *Resolver {
	return &Resolver{path: path}
}

// HeadSHA returns the current HEAD commit hash of the checkout.
func (r *Resolver) HeadSHA() (string, error) {
	if r.path == "" {
		return NoRepoSHA, nil
	}
	repo, err := git.PlainOpen(r.path)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", r.path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD of %s: %w", r.path, err)
	}
	return head.Hash().String(), nil
}

// HeadSHAOrFallback returns the HEAD SHA, degrading to NoRepoSHA with a
// warning when the checkout cannot be read.
func (r *Resolver) HeadSHAOrFallback() string {
	sha, err := r.HeadSHA()
	if err != nil {
		slog.Warn("Could not resolve repository HEAD; tickets will not pin a repo SHA", "error", err)
		return NoRepoSHA
	}
	return sha
}
