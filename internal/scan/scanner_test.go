package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pixmatch/internal/frames"
	"pixmatch/internal/models"
	"pixmatch/internal/source"
	"pixmatch/internal/testimg"
)

func TestNewScanner_Defaults(t *testing.T) {
	s := NewScanner(nil)

	if s.workers != 8 {
		t.Errorf("default workers = %d, want 8", s.workers)
	}
	if s.timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", s.timeout)
	}
	if s.progressFn != nil {
		t.Error("default progressFn should be nil")
	}
	if s.cache != nil {
		t.Error("default cache should be nil")
	}
}

func TestNewScanner_WithWorkers(t *testing.T) {
	s := NewScanner(nil, WithWorkers(4))
	if s.workers != 4 {
		t.Errorf("workers = %d, want 4", s.workers)
	}

	// Zero workers should not change default
	s = NewScanner(nil, WithWorkers(0))
	if s.workers != 8 {
		t.Errorf("workers with 0 = %d, want 8", s.workers)
	}

	// Negative workers should not change default
	s = NewScanner(nil, WithWorkers(-1))
	if s.workers != 8 {
		t.Errorf("workers with -1 = %d, want 8", s.workers)
	}
}

func TestNewScanner_MultipleOptions(t *testing.T) {
	s := NewScanner(nil,
		WithWorkers(16),
		WithTimeout(10*time.Second),
		WithProgress(func(_, _ int, _ string) {}),
		WithLogger(nil),
	)

	if s.workers != 16 {
		t.Errorf("workers = %d, want 16", s.workers)
	}
	if s.timeout != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", s.timeout)
	}
	if s.progressFn == nil {
		t.Error("progressFn should not be nil")
	}
	if s.log == nil {
		t.Error("nil logger should keep the default")
	}
}

func writeImages(t *testing.T, dir string, files map[string][]byte) []source.Candidate {
	t.Helper()
	for name, data := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatalf("failed to create image: %v", err)
		}
	}
	cands, err := source.Walk(context.Background(), []string{dir}, nil)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	return cands
}

func TestProcess_Empty(t *testing.T) {
	s := NewScanner(source.NewOpener())
	records, failures, err := s.Process(context.Background(), nil)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if records != nil || failures != nil {
		t.Errorf("expected nothing for no candidates, got %d records, %d failures", len(records), len(failures))
	}
}

func TestProcess_WithImages(t *testing.T) {
	tmpDir := t.TempDir()
	cands := writeImages(t, tmpDir, map[string][]byte{
		"img1.png":     testimg.PNG(t, testimg.Pattern(1, 40, 30)),
		"sub/img2.jpg": testimg.JPEG(t, testimg.Pattern(2, 64, 64), 90),
		"anim.gif":     testimg.GIF(t, testimg.Pattern(3, 16, 16), testimg.Pattern(4, 16, 16)),
		"broken.png":   []byte("not really a png"),
	})

	opener := source.NewOpener()
	defer opener.Close()

	s := NewScanner(opener, WithWorkers(2))
	records, failures, err := s.Process(context.Background(), cands)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if len(failures) != 1 || failures[0].Source.Name() != "broken.png" {
		t.Fatalf("expected broken.png to fail, got %v", failures)
	}
	var decodeErr *frames.DecodeError
	if !errors.As(failures[0], &decodeErr) {
		t.Errorf("expected DecodeError, got %v", failures[0].Err)
	}

	byName := make(map[string]*models.ImageRecord)
	for _, r := range records {
		byName[r.Source.Name()] = r
	}
	png := byName["img1.png"]
	if png == nil || png.Width != 40 || png.Height != 30 || png.Format != "png" {
		t.Errorf("unexpected png record: %+v", png)
	}
	if png != nil && png.Score <= float64(40*30) {
		t.Errorf("png score = %f, want lossless bonus over %d pixels", png.Score, 40*30)
	}
	if anim := byName["anim.gif"]; anim == nil || anim.FrameCount != 2 || len(anim.Fingerprints) != 2 {
		t.Errorf("unexpected gif record: %+v", anim)
	}
	for _, r := range records {
		if r.CompressedSize <= 0 || r.UncompressedSize <= 0 {
			t.Errorf("%s: sizes not filled: %d/%d", r.Key(), r.CompressedSize, r.UncompressedSize)
		}
	}
}

func TestProcess_ProgressCallback(t *testing.T) {
	cands := writeImages(t, t.TempDir(), map[string][]byte{
		"a.png": testimg.PNG(t, testimg.Pattern(1, 8, 8)),
		"b.png": testimg.PNG(t, testimg.Pattern(2, 8, 8)),
		"c.png": testimg.PNG(t, testimg.Pattern(3, 8, 8)),
	})

	var calls atomic.Int32
	var lastTotal atomic.Int32
	s := NewScanner(source.NewOpener(), WithProgress(func(scanned, total int, current string) {
		calls.Add(1)
		lastTotal.Store(int32(total))
	}))

	if _, _, err := s.Process(context.Background(), cands); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("progress called %d times, want 3", calls.Load())
	}
	if lastTotal.Load() != 3 {
		t.Errorf("total = %d, want 3", lastTotal.Load())
	}
}

func TestProcess_Cancelled(t *testing.T) {
	cands := writeImages(t, t.TempDir(), map[string][]byte{
		"a.png": testimg.PNG(t, testimg.Pattern(1, 8, 8)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records, _, err := NewScanner(source.NewOpener()).Process(ctx, cands)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if records != nil {
		t.Errorf("expected no records after cancellation, got %d", len(records))
	}
}

type memCache struct {
	mu   sync.Mutex
	recs map[string]*models.ImageRecord
	hits int
}

func (c *memCache) Get(cand source.Candidate) (*models.ImageRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.recs[cand.Source.Key()]
	if ok {
		c.hits++
		cp := *r
		return &cp, true
	}
	return nil, false
}

func (c *memCache) Put(cand source.Candidate, rec *models.ImageRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs[cand.Source.Key()] = rec
	return nil
}

type countingReader struct {
	source.Reader
	reads atomic.Int32
}

func (r *countingReader) ReadAll(src models.ImageSource) ([]byte, error) {
	r.reads.Add(1)
	return r.Reader.ReadAll(src)
}

func TestProcess_Cache(t *testing.T) {
	cands := writeImages(t, t.TempDir(), map[string][]byte{
		"a.png": testimg.PNG(t, testimg.Pattern(1, 8, 8)),
		"b.png": testimg.PNG(t, testimg.Pattern(2, 8, 8)),
	})

	cache := &memCache{recs: make(map[string]*models.ImageRecord)}
	reader := &countingReader{Reader: source.NewOpener()}
	s := NewScanner(reader, WithCache(cache))

	first, _, err := s.Process(context.Background(), cands)
	if err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	second, _, err := s.Process(context.Background(), cands)
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}

	if reader.reads.Load() != 2 {
		t.Errorf("expected 2 reads (second run cached), got %d", reader.reads.Load())
	}
	if cache.hits != 2 {
		t.Errorf("expected 2 cache hits, got %d", cache.hits)
	}
	for i := range first {
		if first[i].Fingerprints[0] != second[i].Fingerprints[0] || first[i].Score != second[i].Score {
			t.Errorf("%s: cached record differs", first[i].Key())
		}
	}
}

type slowReader struct{}

func (slowReader) ReadAll(models.ImageSource) ([]byte, error) {
	time.Sleep(200 * time.Millisecond)
	return nil, errors.New("too late")
}

func TestProcess_Timeout(t *testing.T) {
	cands := []source.Candidate{{Source: models.ImageSource{Path: "/x/slow.png"}}}
	s := NewScanner(slowReader{}, WithTimeout(10*time.Millisecond))

	records, failures, err := s.Process(context.Background(), cands)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(records) != 0 || len(failures) != 1 {
		t.Fatalf("expected one timeout failure, got %d records, %d failures", len(records), len(failures))
	}
}
