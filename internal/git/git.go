package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"

	"github.com/splax/launchpad/internal/workspace"
)

// Runner executes the git CLI in dir and returns its combined output.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

// ExecRunner runs git as a subprocess without interactive prompts.
func ExecRunner(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// CloneOptions configures a shallow clone.
type CloneOptions struct {
	URL    string
	Branch string
	// Depth defaults to 1.
	Depth int
}

// CommitInfo describes the HEAD commit of a checkout.
type CommitInfo struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	Date    time.Time `json:"date"`
}

// Service acquires repositories into a managed workspace.
type Service struct {
	ws      *workspace.Manager
	run     Runner
	timeout time.Duration
	log     *slog.Logger
}

// New constructs a Service. A nil runner uses ExecRunner.
func New(ws *workspace.Manager, run Runner, timeout time.Duration, log *slog.Logger) *Service {
	if run == nil {
		run = ExecRunner
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{ws: ws, run: run, timeout: timeout, log: log.With("component", "git")}
}

// Clone shallow-clones a single branch into a new workspace directory and
// returns its path. On failure the directory never survives.
func (s *Service) Clone(ctx context.Context, opts CloneOptions) (string, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return "", fmt.Errorf("repository URL cannot be empty")
	}
	branch := opts.Branch
	if branch == "" {
		branch = "main"
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = 1
	}
	dest, err := s.ws.Allocate("repo")
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	args := []string{"clone", "--depth", strconv.Itoa(depth), "--branch", branch, "--single-branch", "--", opts.URL, dest}
	if _, err := s.run(ctx, s.ws.Root(), args...); err != nil {
		if cleanupErr := s.ws.Cleanup(dest); cleanupErr != nil {
			s.log.Warn("failed to remove partial clone", "path", dest, "error", cleanupErr)
		}
		return "", fmt.Errorf("clone %s: %w", opts.URL, err)
	}
	s.log.Info("repository cloned", "url", opts.URL, "branch", branch, "path", dest)
	return dest, nil
}

// Pull checks out branch in an existing clone and pulls from origin.
func (s *Service) Pull(ctx context.Context, repoPath, branch string) error {
	if branch == "" {
		branch = "main"
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.run(ctx, repoPath, "checkout", branch); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	if _, err := s.run(ctx, repoPath, "pull", "origin", branch); err != nil {
		return fmt.Errorf("pull %s: %w", branch, err)
	}
	return nil
}

// CommitInfo reads the HEAD commit of repoPath.
func (s *Service) CommitInfo(repoPath string) (CommitInfo, error) {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read HEAD commit: %w", err)
	}
	subject, _, _ := strings.Cut(strings.TrimSpace(commit.Message), "\n")
	return CommitInfo{
		Hash:    commit.Hash.String(),
		Message: subject,
		Author:  commit.Author.Name,
		Email:   commit.Author.Email,
		Date:    commit.Author.When,
	}, nil
}

// Remove deletes a clone directory.
func (s *Service) Remove(path string) error {
	return s.ws.Cleanup(path)
}

// Cleanup removes clones older than olderThan and returns the count removed.
func (s *Service) Cleanup(olderThan time.Duration) int {
	removed, err := s.ws.Sweep(olderThan)
	if err != nil {
		s.log.Warn("workspace sweep incomplete", "error", err)
	}
	if removed > 0 {
		s.log.Info("workspace swept", "removed", removed)
	}
	return removed
}

// RunCleanupLoop sweeps every interval until ctx ends.
func (s *Service) RunCleanupLoop(ctx context.Context, interval, olderThan time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup(olderThan)
		}
	}
}

// IsNotRepository reports whether err came from opening a non-git directory.
func IsNotRepository(err error) bool {
	return errors.Is(err, gogit.ErrRepositoryNotExists)
}
