package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/file-forge/internal/executor"
	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/pdf"
	"github.com/yourusername/file-forge/internal/storage"
)

// minimalPDF は1ページだけの有効なPDFを生成します。xref のオフセットは
// 書き出し位置から計算します。
func minimalPDF(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	objects := []string{
		"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n",
		"2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n",
		"3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Resources << >> >>\nendobj\n",
	}
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		buf.WriteString(obj)
	}

	xrefPos := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(objects)+1, xrefPos)
	return buf.Bytes()
}

func buildMergeSubmitRequest(t *testing.T, files map[string][]byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("taskType", pdf.TaskTypeMerge); err != nil {
		t.Fatalf("WriteField returned error: %v", err)
	}
	for name, data := range files {
		part, err := writer.CreateFormFile("files[]", name)
		if err != nil {
			t.Fatalf("CreateFormFile returned error: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("part write returned error: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("writer close returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// 投入からポーリング完了までを実際の結合実行器で通す。
func TestSubmitMergePollDownloadPipeline(t *testing.T) {
	gin.SetMode(gin.TestMode)

	queue := newPoolQueue(3)
	store, err := storage.NewLocalStore(t.TempDir(), "/api/download")
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}

	registry := executor.NewRegistry()
	if err := registry.Register(pdf.TaskTypeMerge, pdf.NewMergeExecutor(store, t.TempDir())); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	router := gin.New()
	router.POST("/api/jobs", jobs.SubmitHandler(queue, store, jobs.SubmitOptions{}))
	router.GET("/api/jobs/:id", jobs.StatusHandler(jobs.NewStatusService(queue)))
	router.GET("/api/download/*key", storage.DownloadHandler(store))

	_, stop := startPool(t, queue, registry)
	defer stop()

	// 2つのPDFをアップロードして結合ジョブを投入
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, buildMergeSubmitRequest(t, map[string][]byte{
		"a.pdf": minimalPDF(t),
		"b.pdf": minimalPDF(t),
	}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var submitted struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("failed to decode submit response: %v", err)
	}
	if submitted.JobID == "" {
		t.Fatal("submit response has no jobId")
	}

	// ポーリングで終端状態を待つ
	var status jobs.StatusResponse
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not finish, last state = %s", submitted.JobID, status.State)
		}
		poll := httptest.NewRecorder()
		router.ServeHTTP(poll, httptest.NewRequest(http.MethodGet, "/api/jobs/"+submitted.JobID, nil))
		if poll.Code != http.StatusOK {
			t.Fatalf("poll status = %d, body = %s", poll.Code, poll.Body.String())
		}
		if err := json.Unmarshal(poll.Body.Bytes(), &status); err != nil {
			t.Fatalf("failed to decode status response: %v", err)
		}
		if status.State.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if status.State != jobs.StateCompleted {
		t.Fatalf("state = %s, error = %q, want %s", status.State, status.Error, jobs.StateCompleted)
	}
	if status.Progress != 100 {
		t.Fatalf("progress = %d, want 100", status.Progress)
	}
	if status.Result == nil || len(status.Result.Files) != 1 {
		t.Fatalf("result = %#v, want 1 output file", status.Result)
	}

	output := status.Result.Files[0]
	if output.Name != "merged.pdf" {
		t.Fatalf("output name = %q, want merged.pdf", output.Name)
	}
	if output.MimeType != "application/pdf" {
		t.Fatalf("output mimeType = %q, want application/pdf", output.MimeType)
	}
	if got := status.Result.Metadata["sourceFiles"]; got != float64(2) {
		t.Fatalf("metadata sourceFiles = %v, want 2", got)
	}
	if got := status.Result.Metadata["totalPages"]; got != float64(2) {
		t.Fatalf("metadata totalPages = %v, want 2", got)
	}

	// 結果URLからダウンロードできる
	download := httptest.NewRecorder()
	router.ServeHTTP(download, httptest.NewRequest(http.MethodGet, output.URL, nil))
	if download.Code != http.StatusOK {
		t.Fatalf("download status = %d, body = %s", download.Code, download.Body.String())
	}
	if !strings.HasPrefix(download.Body.String(), "%PDF-") {
		t.Fatalf("downloaded body does not look like a PDF (%d bytes)", download.Body.Len())
	}
}
