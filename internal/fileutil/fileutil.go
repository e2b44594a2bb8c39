// Package fileutil moves, trashes and removes files on behalf of the
// deletion plan.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// MoveFile moves a file to the destination directory.
// If a file with the same name exists, it appends a counter (e.g., file_1.jpg).
// It returns the final destination path.
func MoveFile(src, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	filename := filepath.Base(src)
	destName := findUniqueName(filename, func(name string) bool {
		_, err := os.Stat(filepath.Join(destDir, name))
		return os.IsNotExist(err)
	})

	dest := filepath.Join(destDir, destName)
	return dest, moveFileAcrossFS(src, dest)
}

// findUniqueName finds a unique filename by appending a counter if needed.
// isAvailable should return true if the name can be used.
func findUniqueName(filename string, isAvailable func(string) bool) string {
	if isAvailable(filename) {
		return filename
	}

	ext := filepath.Ext(filename)
	name := strings.TrimSuffix(filename, ext)
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s_%d%s", name, counter, ext)
		if isAvailable(candidate) {
			return candidate
		}
	}
}

// moveFileAcrossFS moves a file, falling back to copy+delete for cross-filesystem moves.
func moveFileAcrossFS(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	// Check if it's a cross-device link error
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		// Cross-filesystem: copy then delete
		if err := copyFile(src, dest); err != nil {
			return err
		}
		return os.Remove(src)
	}

	return err
}

// copyFile copies a file from src to dest, keeping its mode.
func copyFile(src, dest string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	destFile, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode())
	if err != nil {
		return err
	}

	if _, err := io.Copy(destFile, srcFile); err != nil {
		destFile.Close()
		os.Remove(dest) // Clean up on failure
		return err
	}

	return destFile.Close()
}

// MoveToTrash moves a file to the system trash/recycle bin.
// - macOS: ~/.Trash
// - Linux: $XDG_DATA_HOME/Trash, else ~/.local/share/Trash (freedesktop.org layout)
// - Windows: Recycle Bin (via shell32.dll)
func MoveToTrash(src string) error {
	if runtime.GOOS == "windows" {
		return moveToWindowsTrash(src)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	return moveToTrashIn(src, trashRoot(runtime.GOOS, home, os.Getenv("XDG_DATA_HOME")), runtime.GOOS)
}

// trashRoot returns the trash directory for goos.
func trashRoot(goos, home, xdgDataHome string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, ".Trash")
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, "Trash")
		}
		return filepath.Join(home, ".local", "share", "Trash")
	default:
		// Others: use a fallback folder
		return filepath.Join(home, "pixmatch_trash")
	}
}

func moveToTrashIn(src, root, goos string) error {
	if goos == "linux" {
		return moveToLinuxTrash(src, root)
	}
	_, err := MoveFile(src, root)
	return err
}

// moveToLinuxTrash moves a file to Linux trash with proper .trashinfo metadata.
func moveToLinuxTrash(src, trashRoot string) error {
	trashFilesDir := filepath.Join(trashRoot, "files")
	trashInfoDir := filepath.Join(trashRoot, "info")

	for _, dir := range []string{trashFilesDir, trashInfoDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create trash directory: %w", err)
		}
	}

	filename := filepath.Base(src)
	absPath, err := filepath.Abs(src)
	if err != nil {
		return err
	}

	// Find unique name (must check both files dir and info dir)
	destName := findUniqueName(filename, func(name string) bool {
		_, err1 := os.Stat(filepath.Join(trashFilesDir, name))
		_, err2 := os.Stat(filepath.Join(trashInfoDir, name+".trashinfo"))
		return os.IsNotExist(err1) && os.IsNotExist(err2)
	})

	dest := filepath.Join(trashFilesDir, destName)
	infoPath := filepath.Join(trashInfoDir, destName+".trashinfo")

	// Create .trashinfo file
	info := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
		absPath,
		time.Now().Format("2006-01-02T15:04:05"))

	if err := os.WriteFile(infoPath, []byte(info), 0644); err != nil {
		return err
	}

	// Move the file
	if err := moveFileAcrossFS(src, dest); err != nil {
		os.Remove(infoPath) // Clean up .trashinfo if move fails
		return err
	}

	return nil
}
