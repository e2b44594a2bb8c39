// Package source enumerates image sources on disk and reads their bytes.
// Zip archives are expanded into one read-only source per image entry.
package source

import (
	"archive/zip"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"pixmatch/internal/hash"
	"pixmatch/internal/models"
)

// Candidate is an enumerated source with the metadata needed for cache
// lookups, before any bytes are read.
type Candidate struct {
	Source  models.ImageSource
	Size    int64
	ModTime time.Time
}

// Walk collects every supported image under roots. Roots may be folders,
// single images, or zip files. Overlapping roots yield each source once.
// Unreadable files and folders below a root are skipped.
func Walk(ctx context.Context, roots []string, log logrus.FieldLogger) ([]Candidate, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	seen := make(map[string]struct{})
	var out []Candidate
	add := func(c Candidate) {
		if _, ok := seen[c.Source.Key()]; ok {
			return
		}
		seen[c.Source.Key()] = struct{}{}
		out = append(out, c)
	}

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("failed to access %s: %w", root, err)
		}

		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if err != nil {
				log.WithField("source", p).WithError(err).Debug("skipping unreadable path")
				return nil // Skip errors
			}
			if d.IsDir() {
				return nil
			}

			switch {
			case hash.IsArchive(p):
				entries, err := listArchive(p)
				if err != nil {
					log.WithField("source", p).WithError(err).Warn("skipping unreadable archive")
					return nil
				}
				for _, c := range entries {
					add(c)
				}
			case hash.IsSupportedImage(p):
				info, err := d.Info()
				if err != nil {
					log.WithField("source", p).WithError(err).Debug("skipping file without stat")
					return nil
				}
				add(Candidate{
					Source:  models.ImageSource{Path: p},
					Size:    info.Size(),
					ModTime: info.ModTime(),
				})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk folder: %w", err)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Source.Key() < out[j].Source.Key()
	})
	return out, nil
}

// listArchive returns one candidate per supported image entry of the zip at p.
// Directories and nested archives are skipped.
func listArchive(p string) ([]Candidate, error) {
	r, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	var out []Candidate
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(f.Name)
		if hash.IsArchive(name) || !hash.IsSupportedImage(name) {
			continue
		}
		out = append(out, Candidate{
			Source:  models.ImageSource{Path: p, Entry: f.Name},
			Size:    int64(f.UncompressedSize64),
			ModTime: f.Modified,
		})
	}
	return out, nil
}
