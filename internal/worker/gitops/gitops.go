// Package gitops manages the worker's clone of the user repository: workspace
// preparation, the session branch, and the periodic auto-push of agent edits.
package gitops

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
)

const autoPushInterval = 30 * time.Second

// Config describes one workspace.
type Config struct {
	// Dir is the workspace directory holding the clone.
	Dir string

	// RepositoryURL is the https clone URL without credentials.
	RepositoryURL string

	// Token authenticates against the hosting API during clone/fetch/push.
	Token string

	// Branch is the session branch all commits land on.
	Branch string

	// DefaultBranch seeds the session branch when it exists nowhere yet.
	DefaultBranch string

	// BotName and BotEmail form the committer identity.
	BotName  string
	BotEmail string
}

// Workspace is a git working copy bound to one session branch.
type Workspace struct {
	cfg    Config
	logger *logger.Logger

	pushMu sync.Mutex
}

// New creates a workspace handle. Nothing touches the filesystem until
// Prepare.
func New(cfg Config, log *logger.Logger) *Workspace {
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	return &Workspace{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "gitops"), zap.String("branch", cfg.Branch)),
	}
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.cfg.Dir }

// Branch returns the session branch name.
func (w *Workspace) Branch() string { return w.cfg.Branch }

// git runs one git command in the workspace and returns its combined output.
func (w *Workspace) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.cfg.Dir
	// Never let git prompt for credentials inside a container.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", apperrors.Wrap(err, fmt.Sprintf("git %s failed: %s",
			args[0], w.redact(string(output))))
	}
	return string(output), nil
}

// redact strips the access token from git output before it reaches logs or
// chat.
func (w *Workspace) redact(s string) string {
	if w.cfg.Token == "" {
		return s
	}
	return strings.ReplaceAll(s, w.cfg.Token, "***")
}

// authURL injects the hosting token into the clone URL. Tokenless
// configurations (local paths, pre-authenticated remotes) pass through.
func (w *Workspace) authURL() (string, error) {
	if w.cfg.Token == "" {
		return w.cfg.RepositoryURL, nil
	}
	u, err := url.Parse(w.cfg.RepositoryURL)
	if err != nil {
		return "", apperrors.Wrap(err, "invalid repository url")
	}
	u.User = url.UserPassword("x-access-token", w.cfg.Token)
	return u.String(), nil
}

// Prepare brings the workspace to a clean state on the session branch:
// clone or fetch, committer identity, branch checkout.
func (w *Workspace) Prepare(ctx context.Context) error {
	if err := w.ensureClone(ctx); err != nil {
		return err
	}
	if err := w.setIdentity(ctx); err != nil {
		return err
	}
	return w.checkoutSessionBranch(ctx)
}

// ensureClone reuses an existing clone of the same repository, otherwise
// deletes whatever occupies the directory and clones fresh.
func (w *Workspace) ensureClone(ctx context.Context) error {
	if w.isCloneOfRepo(ctx) {
		w.logger.Info("existing clone found, fetching")
		_, err := w.git(ctx, "fetch", "origin", "--prune")
		return err
	}

	if err := os.RemoveAll(w.cfg.Dir); err != nil {
		return apperrors.Wrap(err, "failed to clear workspace directory")
	}
	if err := os.MkdirAll(filepath.Dir(w.cfg.Dir), 0o755); err != nil {
		return apperrors.Wrap(err, "failed to create workspace parent")
	}

	cloneURL, err := w.authURL()
	if err != nil {
		return err
	}

	w.logger.Info("cloning repository", zap.String("dir", w.cfg.Dir))
	cmd := exec.CommandContext(ctx, "git", "clone", cloneURL, w.cfg.Dir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		return apperrors.Wrap(err, "git clone failed: "+w.redact(string(output)))
	}
	return nil
}

// isCloneOfRepo reports whether the directory already holds a clone of the
// configured repository.
func (w *Workspace) isCloneOfRepo(ctx context.Context) bool {
	if _, err := os.Stat(filepath.Join(w.cfg.Dir, ".git")); err != nil {
		return false
	}
	remote, err := w.git(ctx, "remote", "get-url", "origin")
	if err != nil {
		return false
	}
	return stripCredentials(strings.TrimSpace(remote)) == stripCredentials(w.cfg.RepositoryURL)
}

func stripCredentials(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.User = nil
	return strings.TrimSuffix(u.String(), ".git")
}

func (w *Workspace) setIdentity(ctx context.Context) error {
	if _, err := w.git(ctx, "config", "user.name", w.cfg.BotName); err != nil {
		return err
	}
	_, err := w.git(ctx, "config", "user.email", w.cfg.BotEmail)
	return err
}

// checkoutSessionBranch prefers, in order: the local branch, a remote
// tracking branch, a new branch off the default branch.
func (w *Workspace) checkoutSessionBranch(ctx context.Context) error {
	branch := w.cfg.Branch

	if _, err := w.git(ctx, "rev-parse", "--verify", branch); err == nil {
		_, err := w.git(ctx, "checkout", branch)
		return err
	}

	remote, err := w.git(ctx, "ls-remote", "--heads", "origin", branch)
	if err == nil && strings.TrimSpace(remote) != "" {
		w.logger.Info("tracking existing remote session branch")
		_, err := w.git(ctx, "checkout", "-b", branch, "--track", "origin/"+branch)
		return err
	}

	w.logger.Info("creating session branch", zap.String("base", w.cfg.DefaultBranch))
	if _, err := w.git(ctx, "checkout", "-b", branch, w.cfg.DefaultBranch); err != nil {
		// Shallow or renamed default; branch from wherever HEAD is.
		_, err = w.git(ctx, "checkout", "-b", branch)
		return err
	}
	return nil
}

// ChangedFiles returns the paths with uncommitted changes.
func (w *Workspace) ChangedFiles(ctx context.Context) ([]string, error) {
	output, err := w.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// CommitAndPush commits all pending changes and pushes the session branch.
// A clean tree is a no-op.
func (w *Workspace) CommitAndPush(ctx context.Context, message string) error {
	w.pushMu.Lock()
	defer w.pushMu.Unlock()
	return w.commitAndPushLocked(ctx, message)
}

func (w *Workspace) commitAndPushLocked(ctx context.Context, message string) error {
	files, err := w.ChangedFiles(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	if message == "" {
		message = autoSaveMessage(len(files))
	}

	if _, err := w.git(ctx, "add", "-A"); err != nil {
		return err
	}
	if _, err := w.git(ctx, "commit", "-m", message); err != nil {
		return err
	}
	if _, err := w.git(ctx, "push", "-u", "origin", w.cfg.Branch); err != nil {
		return err
	}

	w.logger.Info("pushed changes", zap.Int("files", len(files)))
	return nil
}

func autoSaveMessage(fileCount int) string {
	noun := "files"
	if fileCount == 1 {
		noun = "file"
	}
	return fmt.Sprintf("Auto-save: %d %s changed", fileCount, noun)
}

// StartAutoPush commits and pushes pending changes every 30 seconds. The
// returned stop function terminates the loop and waits for an in-flight push;
// it is safe to call more than once.
func (w *Workspace) StartAutoPush(ctx context.Context) (stop func()) {
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(autoPushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				w.pushMu.Lock()
				if err := w.commitAndPushLocked(ctx, ""); err != nil {
					w.logger.Warn("auto-push failed", zap.Error(err))
				}
				w.pushMu.Unlock()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stopCh) })
		<-done
	}
}
