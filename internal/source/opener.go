package source

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"pixmatch/internal/models"
)

// ErrEntryNotFound is returned when an archive no longer holds an entry.
var ErrEntryNotFound = errors.New("archive entry not found")

// Reader reads the raw bytes of a source.
type Reader interface {
	ReadAll(src models.ImageSource) ([]byte, error)
}

// Opener reads plain files directly and archive entries through a pool of
// open archives. It is safe for concurrent use.
type Opener struct {
	pool *ArchivePool
}

// NewOpener creates an Opener with an empty archive pool.
func NewOpener() *Opener {
	return &Opener{pool: NewArchivePool()}
}

// ReadAll returns the full contents of src.
func (o *Opener) ReadAll(src models.ImageSource) ([]byte, error) {
	if !src.ReadOnly() {
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return data, nil
	}
	return o.pool.ReadEntry(src.Path, src.Entry)
}

// Close releases every open archive. The Opener stays usable and reopens
// archives on demand.
func (o *Opener) Close() error {
	return o.pool.Close()
}

// ArchivePool keeps zip archives open between reads. Each archive has its own
// lock, so readers of different archives never wait on each other.
type ArchivePool struct {
	mu       sync.Mutex // guards archives
	archives map[string]*archive
}

type archive struct {
	mu      sync.Mutex
	reader  *zip.ReadCloser
	entries map[string]*zip.File
	err     error
}

// NewArchivePool creates an empty pool.
func NewArchivePool() *ArchivePool {
	return &ArchivePool{archives: make(map[string]*archive)}
}

func (p *ArchivePool) get(path string) *archive {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.archives[path]
	if !ok {
		a = &archive{}
		p.archives[path] = a
	}
	return a
}

// ReadEntry returns the contents of entry inside the zip at path.
func (p *ArchivePool) ReadEntry(path, entry string) ([]byte, error) {
	a := p.get(path)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reader == nil && a.err == nil {
		r, err := zip.OpenReader(path)
		if err != nil {
			a.err = fmt.Errorf("failed to open archive: %w", err)
		} else {
			a.reader = r
			a.entries = make(map[string]*zip.File, len(r.File))
			for _, f := range r.File {
				a.entries[f.Name] = f
			}
		}
	}
	if a.err != nil {
		return nil, a.err
	}

	f, ok := a.entries[entry]
	if !ok {
		return nil, fmt.Errorf("%w: %s!%s", ErrEntryNotFound, path, entry)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	return data, nil
}

// Close closes every archive in the pool.
func (p *ArchivePool) Close() error {
	p.mu.Lock()
	archives := p.archives
	p.archives = make(map[string]*archive)
	p.mu.Unlock()

	var errs []error
	for _, a := range archives {
		a.mu.Lock()
		if a.reader != nil {
			if err := a.reader.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.mu.Unlock()
	}
	return errors.Join(errs...)
}
