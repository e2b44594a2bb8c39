package fileutil

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Executor carries out the deletion of one file.
type Executor interface {
	Delete(ctx context.Context, path string) error
	// Name describes the action for logs and reports.
	Name() string
}

// TrashExecutor moves files to the system trash.
type TrashExecutor struct {
	// Root overrides the trash directory with a freedesktop layout
	// (files/ and info/). Empty means the platform default.
	Root string
}

func (e TrashExecutor) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Root != "" {
		return moveToLinuxTrash(path, e.Root)
	}
	return MoveToTrash(path)
}

func (TrashExecutor) Name() string { return "trash" }

// MoveExecutor moves files into Dir, renaming on collision.
type MoveExecutor struct {
	Dir string
}

func (e MoveExecutor) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Dir == "" {
		return fmt.Errorf("move destination is empty")
	}
	_, err := MoveFile(path, e.Dir)
	return err
}

func (e MoveExecutor) Name() string { return "move to " + e.Dir }

// PermanentExecutor removes files for good.
type PermanentExecutor struct{}

func (PermanentExecutor) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Remove(path)
}

func (PermanentExecutor) Name() string { return "permanent delete" }

// DryRunExecutor only logs what would be deleted.
type DryRunExecutor struct {
	Log logrus.FieldLogger
}

func (e DryRunExecutor) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if e.Log != nil {
		e.Log.WithField("source", path).Info("would delete")
	}
	return nil
}

func (DryRunExecutor) Name() string { return "dry run" }

// ForMode returns the executor for a mode name: trash, permanent, move or
// dry-run. dir is only used by move.
func ForMode(mode, dir string, log logrus.FieldLogger) (Executor, error) {
	switch mode {
	case "", "trash":
		return TrashExecutor{}, nil
	case "permanent":
		return PermanentExecutor{}, nil
	case "move":
		if dir == "" {
			return nil, fmt.Errorf("move mode requires a destination directory")
		}
		return MoveExecutor{Dir: dir}, nil
	case "dry-run":
		return DryRunExecutor{Log: log}, nil
	default:
		return nil, fmt.Errorf("unknown delete mode %q", mode)
	}
}
