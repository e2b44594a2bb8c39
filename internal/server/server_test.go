package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pixmatch/internal/models"
	"pixmatch/internal/session"
	"pixmatch/internal/testimg"
)

// fixture scans a folder holding two equal files and an archived copy.
func fixture(t *testing.T) (*Server, string, string) {
	t.Helper()
	dir := t.TempDir()
	png := testimg.PNG(t, testimg.Pattern(3, 64, 64))
	for _, name := range []string{"a.png", "b.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), png, 0644); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("c.png")
	w.Write(png)
	zw.Close()
	zipPath := filepath.Join(dir, "set.zip")
	if err := os.WriteFile(zipPath, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	sess := session.New(session.WithWorkers(2))
	t.Cleanup(func() { sess.Close() })
	if err := sess.Scan(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return New(sess, "127.0.0.1:0", 0, nil), dir, zipPath
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleGroups(t *testing.T) {
	srv, _, _ := fixture(t)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/groups", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp groupsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if len(resp.Groups) != 1 || len(resp.Groups[0].Records) != 3 {
		t.Fatalf("unexpected groups: %+v", resp.Groups)
	}
	keeps := 0
	for _, r := range resp.Groups[0].Records {
		if r.Keep {
			keeps++
		}
		if r.Disposition != "none" || r.SizeHuman == "" {
			t.Errorf("unexpected record view: %+v", r)
		}
	}
	if keeps != 1 {
		t.Errorf("expected exactly one keep, got %d", keeps)
	}
}

func TestHandleCycle(t *testing.T) {
	srv, dir, zipPath := fixture(t)
	h := srv.Handler()
	entryKey := models.ImageSource{Path: zipPath, Entry: "c.png"}.Key()

	tests := []struct {
		name     string
		key      string
		eligible bool
		status   int
		want     string
	}{
		{"file to delete", filepath.Join(dir, "a.png"), false, http.StatusOK, "delete"},
		{"file to ignore", filepath.Join(dir, "a.png"), false, http.StatusOK, "ignore"},
		{"archive entry refused", entryKey, false, http.StatusConflict, ""},
		{"archive entry skips delete", entryKey, true, http.StatusOK, "ignore"},
		{"unknown key", filepath.Join(dir, "nope.png"), false, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/cycle", map[string]any{"key": tt.key, "eligible": tt.eligible})
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.want == "" {
				return
			}
			var resp map[string]string
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp["disposition"] != tt.want {
				t.Errorf("disposition = %q, want %q", resp["disposition"], tt.want)
			}
		})
	}

	if rec := do(t, h, http.MethodGet, "/api/cycle", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/cycle status = %d, want 405", rec.Code)
	}
}

func TestHandleDisposition(t *testing.T) {
	srv, dir, zipPath := fixture(t)
	h := srv.Handler()
	entryKey := models.ImageSource{Path: zipPath, Entry: "c.png"}.Key()
	a := filepath.Join(dir, "a.png")

	tests := []struct {
		name        string
		key         string
		disposition string
		status      int
	}{
		{"delete file", a, "delete", http.StatusOK},
		{"back to none", a, "keep", http.StatusOK},
		{"bad name", a, "shred", http.StatusBadRequest},
		{"archive entry delete", entryKey, "delete", http.StatusConflict},
		{"archive entry ignore", entryKey, "ignore", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/disposition", map[string]any{"key": tt.key, "disposition": tt.disposition})
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}

	if got := srv.session.Disposition(entryKey); got != models.Ignore {
		t.Errorf("entry disposition = %v, want ignore", got)
	}
	if got := srv.session.Disposition(a); got != models.None {
		t.Errorf("file disposition = %v, want none", got)
	}
}

func TestHandleExecute(t *testing.T) {
	srv, dir, _ := fixture(t)
	h := srv.Handler()

	victim := filepath.Join(dir, "b.png")
	if rec := do(t, h, http.MethodPost, "/api/cycle", map[string]any{"key": victim}); rec.Code != http.StatusOK {
		t.Fatalf("cycle failed: %s", rec.Body.String())
	}

	if rec := do(t, h, http.MethodPost, "/api/execute", map[string]any{"mode": "move"}); rec.Code != http.StatusBadRequest {
		t.Errorf("move without dir status = %d, want 400", rec.Code)
	}

	dest := filepath.Join(t.TempDir(), "dupes")
	rec := do(t, h, http.MethodPost, "/api/execute", map[string]any{"mode": "move", "dir": dest})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []execResult `json:"results"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Results) != 1 || resp.Results[0].Key != victim || resp.Results[0].Status != "deleted" {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
	if _, err := os.Stat(filepath.Join(dest, "b.png")); err != nil {
		t.Errorf("file not moved: %v", err)
	}
}

func TestHandlePolicy(t *testing.T) {
	srv, _, _ := fixture(t)
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/api/policy", map[string]any{"strength": 0}); rec.Code != http.StatusBadRequest {
		t.Errorf("strength 0 status = %d, want 400", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/policy", map[string]any{"strength": 10, "exact": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"policy":"exact"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandleImage(t *testing.T) {
	srv, _, zipPath := fixture(t)
	h := srv.Handler()

	key := models.ImageSource{Path: zipPath, Entry: "c.png"}.Key()
	rec := do(t, h, http.MethodGet, "/api/image?key="+key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q, want image/png", ct)
	}

	if rec := do(t, h, http.MethodGet, "/api/image", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing key status = %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/image?key=missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want 404", rec.Code)
	}
}

func TestHandleRemoveSource(t *testing.T) {
	srv, dir, _ := fixture(t)
	h := srv.Handler()
	a := filepath.Join(dir, "a.png")

	rec := do(t, h, http.MethodDelete, "/api/source?key="+url.QueryEscape(a), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if _, ok := srv.session.Record(a); ok {
		t.Error("record should be gone from the session")
	}
	if _, err := os.Stat(a); err != nil {
		t.Errorf("file must stay on disk: %v", err)
	}
	if groups := srv.session.Groups(); len(groups) != 1 || len(groups[0].Records) != 2 {
		t.Errorf("expected one group of two after removal, got %d groups", len(groups))
	}

	if rec := do(t, h, http.MethodDelete, "/api/source?key="+url.QueryEscape(a), nil); rec.Code != http.StatusNotFound {
		t.Errorf("second removal status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/source", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing key status = %d, want 400", rec.Code)
	}
}

func TestHandleRemoveRoot(t *testing.T) {
	srv, dir, _ := fixture(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodDelete, "/api/root?path="+url.QueryEscape(dir), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if len(srv.session.Records()) != 0 || len(srv.session.Groups()) != 0 {
		t.Errorf("records=%d groups=%d, want none", len(srv.session.Records()), len(srv.session.Groups()))
	}
	if rec := do(t, h, http.MethodDelete, "/api/root", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing path status = %d, want 400", rec.Code)
	}
}

func TestStart_IdleTimeout(t *testing.T) {
	sess := session.New()
	defer sess.Close()
	srv := New(sess, "127.0.0.1:0", 50*time.Millisecond, nil)

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after idle timeout")
	}
}

func TestStart_ContextCancel(t *testing.T) {
	sess := session.New()
	defer sess.Close()
	srv := New(sess, "127.0.0.1:0", 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}
