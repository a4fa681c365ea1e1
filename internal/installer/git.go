package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v6"

	apperr "github.com/clawdesk/clawdesk/internal/errors"
)

// gitCloneOrPull clones url into dir, or fast-forwards an existing
// checkout. A diverged local checkout is reported rather than overwritten.
func gitCloneOrPull(ctx context.Context, url, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		repo, err := git.PlainOpen(dir)
		if err != nil {
			return apperr.New(apperr.CodeValidation, dir+" exists but is not a usable git checkout", err)
		}
		wt, err := repo.Worktree()
		if err != nil {
			return err
		}
		err = wt.PullContext(ctx, &git.PullOptions{})
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		if err != nil {
			return apperr.New(apperr.CodeTransientNetwork, "git pull failed", err)
		}
		return nil
	}

	_, err := git.PlainCloneContext(ctx, dir, &git.CloneOptions{URL: url, Depth: 1})
	if err != nil {
		return apperr.New(apperr.CodeTransientNetwork, "git clone failed", err)
	}
	return nil
}
