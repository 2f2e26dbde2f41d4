package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), "/api/download")
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}
	return store
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := []byte("%PDF-1.4\n% dummy pdf content\n")
	url, err := store.Put(ctx, "uploads/job-1/a.pdf", data)
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if url != "/api/download/uploads/job-1/a.pdf" {
		t.Fatalf("url = %q", url)
	}

	blob, size, err := store.Open(ctx, "uploads/job-1/a.pdf")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer blob.Close()
	if size != int64(len(data)) {
		t.Fatalf("size = %d, want %d", size, len(data))
	}
	got, err := io.ReadAll(blob)
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("content mismatch: %q", got)
	}
}

func TestLocalStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "uploads/x/a.txt", []byte("hello")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	deleted, err := store.Delete(ctx, "uploads/x/a.txt")
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if !deleted {
		t.Fatal("Delete = false, want true")
	}

	deleted, err = store.Delete(ctx, "uploads/x/a.txt")
	if err != nil {
		t.Fatalf("second Delete returned error: %v", err)
	}
	if deleted {
		t.Fatal("second Delete = true, want false")
	}
}

func TestLocalStoreList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"uploads/a/1.txt", "uploads/a/2.txt", "results/b/out.pdf"} {
		if _, err := store.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Put(%s) returned error: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "uploads/a/")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List = %v, want 2 keys", keys)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"../escape.txt", "a/../../escape.txt"} {
		if _, err := store.Put(ctx, key, []byte("x")); err == nil {
			t.Fatalf("Put(%q) = nil, want error", key)
		}
	}
}

func TestLocalStoreEscapesURL(t *testing.T) {
	store := newTestStore(t)
	url, err := store.Put(context.Background(), "uploads/x/日本語 レポート.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if url == "/api/download/uploads/x/日本語 レポート.pdf" {
		t.Fatalf("url is not escaped: %q", url)
	}
}

func TestDownloadHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newTestStore(t)

	data := []byte("%PDF-1.4\n% dummy pdf content\n")
	if _, err := store.Put(context.Background(), "results/job-1/merged.pdf", data); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	router := gin.New()
	router.GET("/api/download/*key", DownloadHandler(store))

	req := httptest.NewRequest(http.MethodGet, "/api/download/results/job-1/merged.pdf", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("content type = %q, want application/pdf", got)
	}
	if rec.Body.String() != string(data) {
		t.Fatal("body mismatch")
	}
	if got := rec.Header().Get("Content-Disposition"); got == "" {
		t.Fatal("Content-Disposition missing")
	}
}

func TestDownloadHandlerNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newTestStore(t)

	router := gin.New()
	router.GET("/api/download/*key", DownloadHandler(store))

	req := httptest.NewRequest(http.MethodGet, "/api/download/results/missing.pdf", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
