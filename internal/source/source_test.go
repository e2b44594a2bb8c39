package source

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"pixmatch/internal/models"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func writeZip(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("failed to create entry: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("failed to write entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	writeFile(t, path, buf.Bytes())
}

func keys(cands []Candidate) []string {
	var out []string
	for _, c := range cands {
		out = append(out, c.Source.Key())
	}
	return out
}

func TestWalk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"), []byte("a"))
	writeFile(t, filepath.Join(root, "sub", "b.PNG"), []byte("bb"))
	writeFile(t, filepath.Join(root, "notes.txt"), []byte("x"))
	writeZip(t, filepath.Join(root, "set.zip"), map[string][]byte{
		"c.gif":      []byte("ccc"),
		"dir/d.webp": []byte("dddd"),
		"inner.zip":  []byte("nested"),
		"readme.md":  []byte("md"),
	})

	cands, err := Walk(context.Background(), []string{root, filepath.Join(root, "sub")}, nil)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}

	zipPath := filepath.Join(root, "set.zip")
	want := []string{
		filepath.Join(root, "a.jpg"),
		zipPath + "!c.gif",
		zipPath + "!dir/d.webp",
		filepath.Join(root, "sub", "b.PNG"),
	}
	got := keys(cands)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate %d = %s, want %s", i, got[i], want[i])
		}
	}

	for _, c := range cands {
		if c.Source.Path == zipPath {
			if !c.Source.ReadOnly() {
				t.Errorf("%s should be read-only", c.Source)
			}
			if c.Source.Entry == "dir/d.webp" && c.Size != 4 {
				t.Errorf("entry size = %d, want 4", c.Size)
			}
		} else if c.Source.ReadOnly() {
			t.Errorf("%s should not be read-only", c.Source)
		}
	}
}

func TestWalk_MissingRoot(t *testing.T) {
	if _, err := Walk(context.Background(), []string{filepath.Join(t.TempDir(), "nope")}, nil); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestWalk_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"), []byte("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Walk(ctx, []string{root}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestOpener_ReadAll(t *testing.T) {
	root := t.TempDir()
	plain := filepath.Join(root, "a.jpg")
	zipPath := filepath.Join(root, "set.zip")
	writeFile(t, plain, []byte("plain"))
	writeZip(t, zipPath, map[string][]byte{"x.png": []byte("zipped")})

	o := NewOpener()
	defer o.Close()

	data, err := o.ReadAll(models.ImageSource{Path: plain})
	if err != nil || string(data) != "plain" {
		t.Errorf("plain read = %q, %v", data, err)
	}
	data, err = o.ReadAll(models.ImageSource{Path: zipPath, Entry: "x.png"})
	if err != nil || string(data) != "zipped" {
		t.Errorf("entry read = %q, %v", data, err)
	}
	if _, err := o.ReadAll(models.ImageSource{Path: zipPath, Entry: "gone.png"}); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}

	// Still usable after Close.
	if err := o.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := o.ReadAll(models.ImageSource{Path: zipPath, Entry: "x.png"}); err != nil {
		t.Errorf("read after Close failed: %v", err)
	}
}

func TestArchivePool_Concurrent(t *testing.T) {
	root := t.TempDir()
	entries := map[string][]byte{}
	for _, n := range []string{"1.png", "2.png", "3.png", "4.png"} {
		entries[n] = []byte("data-" + n)
	}
	a := filepath.Join(root, "a.zip")
	b := filepath.Join(root, "b.zip")
	writeZip(t, a, entries)
	writeZip(t, b, entries)

	pool := NewArchivePool()
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		for name, want := range entries {
			archivePath := a
			if i%2 == 1 {
				archivePath = b
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := pool.ReadEntry(archivePath, name)
				if err != nil || !bytes.Equal(got, want) {
					t.Errorf("ReadEntry(%s, %s) = %q, %v", archivePath, name, got, err)
				}
			}()
		}
	}
	wg.Wait()
}

func TestArchivePool_CorruptArchive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.zip")
	writeFile(t, p, []byte("not a zip"))

	pool := NewArchivePool()
	if _, err := pool.ReadEntry(p, "x.png"); err == nil {
		t.Error("expected error for corrupt archive")
	}
	if _, err := Walk(context.Background(), []string{p}, nil); err != nil {
		t.Errorf("Walk should skip a corrupt archive, got %v", err)
	}
}
