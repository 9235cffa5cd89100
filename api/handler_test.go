package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pi-docket/ConvertX-CN/dispatcher"
	"github.com/pi-docket/ConvertX-CN/engines"
	"github.com/pi-docket/ConvertX-CN/jobs"
	"github.com/pi-docket/ConvertX-CN/models"
	"github.com/pi-docket/ConvertX-CN/services"
	"github.com/pi-docket/ConvertX-CN/worker"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

type convertFunc func(ctx context.Context, req services.ConvertRequest) (io.ReadCloser, error)

func (f convertFunc) Convert(ctx context.Context, req services.ConvertRequest) (io.ReadCloser, error) {
	return f(ctx, req)
}

func upperCase(ctx context.Context, req services.ConvertRequest) (io.ReadCloser, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(bytes.ToUpper(data))), nil
}

type server struct {
	router *gin.Engine
	store  *jobs.Store
	pool   *worker.Pool
	table  *engines.Table
	health error
}

func newServer(t *testing.T, maxFileSize int64) *server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	table := engines.NewTable(
		models.Engine{ID: "pandoc", Name: "Pandoc", Enabled: true,
			Conversions: map[string][]string{"md": {"html", "pdf"}}},
		models.Engine{ID: "libreoffice", Name: "LibreOffice", Enabled: true,
			Conversions: map[string][]string{"docx": {"odt", "pdf"}, "md": {"pdf"}}},
	)
	store := jobs.NewStore(jobs.WithLogger(logger))
	storage := services.NewLocalStorage(t.TempDir(), t.TempDir())
	pool := worker.NewPool(worker.PoolConfig{Workers: 2, QueueSize: 8, Timeout: 5 * time.Second},
		store, storage, convertFunc(upperCase), nil, logger)
	sweeper := worker.NewSweeper(store, storage, nil, 24*time.Hour, logger)
	d := dispatcher.New(engines.NewResolver(table), store, storage, pool, nil, logger)

	s := &server{store: store, pool: pool, table: table}
	backend := healthFunc(func(context.Context) error { return s.health })
	h := NewHandler(d, table, sweeper, backend, Options{MaxFileSize: maxFileSize}, logger)
	s.router = NewRouter(h, logger)
	t.Cleanup(func() { pool.Stop(context.Background()) })
	return s
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func (s *server) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, response) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	var body response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec, body
}

func asUser(req *http.Request, id string, roles ...string) *http.Request {
	req.Header.Set(headerUserID, id)
	if len(roles) > 0 {
		req.Header.Set(headerUserRoles, strings.Join(roles, ","))
	}
	return req
}

func uploadRequest(t *testing.T, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(content))
	}
	for k, v := range fields {
		w.WriteField(k, v)
	}
	w.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decodeData(t *testing.T, body response, v any) {
	t.Helper()
	if err := json.Unmarshal(body.Data, v); err != nil {
		t.Fatalf("decode data %s: %v", body.Data, err)
	}
}

func (s *server) waitForStatus(t *testing.T, id, owner string, want models.JobStatus) models.ConversionJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := s.do(t, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil), owner))
		var job models.ConversionJob
		decodeData(t, body, &job)
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return models.ConversionJob{}
}

func TestHealth(t *testing.T) {
	s := newServer(t, 0)

	for _, path := range []string{"/health", "/api/v1/health"} {
		rec, body := s.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || !body.Success {
			t.Fatalf("%s = %d", path, rec.Code)
		}
		var data map[string]string
		decodeData(t, body, &data)
		if data["status"] != "healthy" || data["version"] != Version {
			t.Fatalf("%s data = %v", path, data)
		}
	}

	s.health = errors.New("connection refused")
	_, body := s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	var data map[string]string
	decodeData(t, body, &data)
	if data["status"] != "degraded" || data["backend"] != "unhealthy" {
		t.Fatalf("degraded data = %v", data)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newServer(t, 1<<20)
	s.pool.Start(context.Background())

	req := asUser(uploadRequest(t, "notes.md", "# hello", map[string]string{"target_format": "pdf"}), "u1")
	rec, body := s.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	var created jobCreated
	decodeData(t, body, &created)
	if created.Engine != "libreoffice" || created.Status != models.JobStatusPending {
		t.Fatalf("created = %+v", created)
	}
	if created.StatusURL != "/api/v1/jobs/"+created.JobID {
		t.Fatalf("status url = %q", created.StatusURL)
	}

	job := s.waitForStatus(t, created.JobID, "u1", models.JobStatusCompleted)
	if job.Progress != 100 || job.OutputFilename != "notes.pdf" {
		t.Fatalf("completed job = %+v", job)
	}

	rec, _ = s.do(t, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/result", nil), "u1"))
	if rec.Code != http.StatusOK || rec.Body.String() != "# HELLO" {
		t.Fatalf("result = %d %q", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "notes.pdf") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	_, body = s.do(t, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil), "u1"))
	var list struct {
		Jobs  []models.ConversionJob `json:"jobs"`
		Total int                    `json:"total"`
	}
	decodeData(t, body, &list)
	if list.Total != 1 || list.Jobs[0].ID != job.ID {
		t.Fatalf("list = %+v", list)
	}

	rec, _ = s.do(t, asUser(httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+job.ID, nil), "u1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec, body = s.do(t, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID, nil), "u1"))
	if rec.Code != http.StatusNotFound || body.Error.Code != "JOB_NOT_FOUND" {
		t.Fatalf("get after delete = %d %+v", rec.Code, body.Error)
	}
}

func TestCreateJob_PreferredEngine(t *testing.T) {
	s := newServer(t, 0)

	req := asUser(uploadRequest(t, "a.md", "x", map[string]string{
		"target_format": "html",
		"engine":        "pandoc",
		"options":       `{"toc":true}`,
	}), "u1")
	rec, body := s.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	var created jobCreated
	decodeData(t, body, &created)
	job, ok := s.store.Get(created.JobID)
	if !ok || job.EngineID != "pandoc" || string(job.Options) != `{"toc":true}` {
		t.Fatalf("stored job = %+v", job)
	}
}

func TestCreateJob_Rejections(t *testing.T) {
	s := newServer(t, 16)

	cases := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{"missing identity", uploadRequest(t, "a.md", "x", map[string]string{"target_format": "pdf"}),
			http.StatusUnauthorized, "UNAUTHORIZED"},
		{"missing file", asUser(uploadRequest(t, "", "", map[string]string{"target_format": "pdf"}), "u1"),
			http.StatusBadRequest, "MISSING_FILE"},
		{"missing target", asUser(uploadRequest(t, "a.md", "x", nil), "u1"),
			http.StatusBadRequest, "MISSING_TARGET_FORMAT"},
		{"unsupported", asUser(uploadRequest(t, "a.md", "x", map[string]string{"target_format": "odt"}), "u1"),
			http.StatusBadRequest, "INVALID_CONVERSION"},
		{"bad options", asUser(uploadRequest(t, "a.md", "x", map[string]string{"target_format": "pdf", "options": "{"}), "u1"),
			http.StatusBadRequest, "INVALID_CONVERSION"},
		{"too large", asUser(uploadRequest(t, "a.md", strings.Repeat("x", 17), map[string]string{"target_format": "pdf"}), "u1"),
			http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"},
	}
	for _, tc := range cases {
		rec, body := s.do(t, tc.req)
		if rec.Code != tc.status || body.Error == nil || body.Error.Code != tc.code {
			t.Errorf("%s: got %d %s", tc.name, rec.Code, rec.Body.String())
		}
	}
	if s.store.Len() != 0 {
		t.Fatalf("rejected requests created %d jobs", s.store.Len())
	}
}

func TestCreateJob_UnsupportedSuggestions(t *testing.T) {
	s := newServer(t, 0)

	_, body := s.do(t, asUser(uploadRequest(t, "a.md", "x", map[string]string{"target_format": "odt"}), "u1"))
	var details struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal(body.Error.Details, &details); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(details.Suggestions, []string{"html", "pdf"}) {
		t.Fatalf("suggestions = %v", details.Suggestions)
	}
}

func TestJobs_OwnerIsolationAndNotReady(t *testing.T) {
	s := newServer(t, 0)

	_, body := s.do(t, asUser(uploadRequest(t, "a.md", "x", map[string]string{"target_format": "pdf"}), "alice"))
	var created jobCreated
	decodeData(t, body, &created)

	for _, path := range []string{"/api/v1/jobs/" + created.JobID, "/api/v1/jobs/" + created.JobID + "/result"} {
		rec, body := s.do(t, asUser(httptest.NewRequest(http.MethodGet, path, nil), "bob"))
		if rec.Code != http.StatusNotFound || body.Error.Code != "JOB_NOT_FOUND" {
			t.Fatalf("bob GET %s = %d", path, rec.Code)
		}
	}
	rec, _ := s.do(t, asUser(httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+created.JobID, nil), "bob"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("bob DELETE = %d", rec.Code)
	}

	// Workers are not started, so the job stays pending.
	rec, body = s.do(t, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.JobID+"/result", nil), "alice"))
	if rec.Code != http.StatusConflict || body.Error.Code != "JOB_NOT_READY" {
		t.Fatalf("result before completion = %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJob_QueueFull(t *testing.T) {
	s := newServer(t, 0)

	var last *httptest.ResponseRecorder
	var body response
	for i := 0; i < 9; i++ {
		last, body = s.do(t, asUser(uploadRequest(t, "a.md", "x", map[string]string{"target_format": "pdf"}), "u1"))
	}
	if last.Code != http.StatusServiceUnavailable || body.Error.Code != "QUEUE_FULL" {
		t.Fatalf("ninth submission = %d %s", last.Code, last.Body.String())
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if s.store.Len() != 8 {
		t.Fatalf("store has %d jobs, want 8", s.store.Len())
	}
}

func TestEnginesAndFormats(t *testing.T) {
	s := newServer(t, 0)

	_, body := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/engines", nil))
	var list struct {
		Engines []models.Engine `json:"engines"`
		Total   int             `json:"total"`
	}
	decodeData(t, body, &list)
	if list.Total != 2 || list.Engines[0].ID != "libreoffice" {
		t.Fatalf("engines = %+v", list)
	}

	rec, body := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/engines/ghost", nil))
	if rec.Code != http.StatusNotFound || body.Error.Code != "ENGINE_NOT_FOUND" {
		t.Fatalf("unknown engine = %d", rec.Code)
	}

	_, body = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/engines/libreoffice/conversions", nil))
	var conv struct {
		Inputs  []string `json:"inputs"`
		Outputs []string `json:"outputs"`
	}
	decodeData(t, body, &conv)
	if !reflect.DeepEqual(conv.Inputs, []string{"docx", "md"}) || !reflect.DeepEqual(conv.Outputs, []string{"odt", "pdf"}) {
		t.Fatalf("conversions = %+v", conv)
	}

	_, body = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/formats", nil))
	var formats struct {
		Inputs      []string `json:"inputs"`
		OutputCount int      `json:"outputCount"`
	}
	decodeData(t, body, &formats)
	if !reflect.DeepEqual(formats.Inputs, []string{"docx", "md"}) || formats.OutputCount != 3 {
		t.Fatalf("formats = %+v", formats)
	}

	_, body = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/formats/MD/targets", nil))
	var targets struct {
		InputFormat string             `json:"inputFormat"`
		Converters  []converterTargets `json:"converters"`
		AllOutputs  []string           `json:"allOutputs"`
	}
	decodeData(t, body, &targets)
	if targets.InputFormat != "md" || len(targets.Converters) != 2 || targets.Converters[0].Engine != "libreoffice" {
		t.Fatalf("targets = %+v", targets)
	}
	if !reflect.DeepEqual(targets.AllOutputs, []string{"html", "pdf"}) {
		t.Fatalf("all outputs = %v", targets.AllOutputs)
	}

	rec, body = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/formats/xyz/targets", nil))
	if rec.Code != http.StatusNotFound || body.Error.Code != "FORMAT_NOT_SUPPORTED" {
		t.Fatalf("unknown format = %d", rec.Code)
	}
}

func TestValidate(t *testing.T) {
	s := newServer(t, 0)

	post := func(payload string) (int, map[string]any) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		rec, body := s.do(t, req)
		var data map[string]any
		if body.Success {
			decodeData(t, body, &data)
		}
		return rec.Code, data
	}

	code, data := post(`{"inputFormat":"md","outputFormat":"pdf"}`)
	if code != http.StatusOK || data["valid"] != true || data["engine"] != "libreoffice" {
		t.Fatalf("md->pdf = %d %v", code, data)
	}
	if got := data["availableEngines"].([]any); len(got) != 2 {
		t.Fatalf("available = %v", got)
	}

	code, data = post(`{"inputFormat":"md","outputFormat":"odt"}`)
	if code != http.StatusOK || data["valid"] != false || data["reason"] == "" {
		t.Fatalf("md->odt = %d %v", code, data)
	}

	if code, _ = post(`{"inputFormat":"md"}`); code != http.StatusBadRequest {
		t.Fatalf("missing output = %d", code)
	}
}

func TestAdmin(t *testing.T) {
	s := newServer(t, 0)
	s.do(t, asUser(uploadRequest(t, "a.md", "x", map[string]string{"target_format": "pdf"}), "u1"))

	rec, body := s.do(t, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil), "u1"))
	if rec.Code != http.StatusForbidden || body.Error.Code != "FORBIDDEN" {
		t.Fatalf("non-admin stats = %d", rec.Code)
	}

	_, body = s.do(t, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil), "root", "user", "Admin"))
	var stats struct {
		Jobs  map[string]int `json:"jobs"`
		Total int            `json:"total"`
	}
	decodeData(t, body, &stats)
	if stats.Total != 1 || stats.Jobs["pending"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	rec, body = s.do(t, asUser(httptest.NewRequest(http.MethodPost, "/api/v1/admin/cleanup", nil), "root", "admin"))
	if rec.Code != http.StatusBadRequest || body.Error.Code != "CONFIRMATION_REQUIRED" {
		t.Fatalf("cleanup without confirm = %d", rec.Code)
	}

	rec, body = s.do(t, asUser(httptest.NewRequest(http.MethodPost, "/api/v1/admin/cleanup?confirm=true&max_age_hours=0", nil), "root", "admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup = %d %s", rec.Code, rec.Body.String())
	}
	var result worker.SweepResult
	decodeData(t, body, &result)
	if result.JobsRemoved != 1 || s.store.Len() != 0 {
		t.Fatalf("cleanup result = %+v, remaining %d", result, s.store.Len())
	}

	req := httptest.NewRequest(http.MethodPut, "/api/v1/admin/engines/libreoffice", strings.NewReader(`{"enabled":false}`))
	req.Header.Set("Content-Type", "application/json")
	rec, _ = s.do(t, asUser(req, "root", "admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("disable engine = %d %s", rec.Code, rec.Body.String())
	}
	if e, _ := s.table.Get("libreoffice"); e.Enabled {
		t.Fatal("engine should be disabled")
	}

	req = httptest.NewRequest(http.MethodPut, "/api/v1/admin/engines/ghost", strings.NewReader(`{"enabled":true}`))
	req.Header.Set("Content-Type", "application/json")
	if rec, _ = s.do(t, asUser(req, "root", "admin")); rec.Code != http.StatusNotFound {
		t.Fatalf("toggle unknown engine = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/v1/admin/engines/pandoc", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	if rec, _ = s.do(t, asUser(req, "root", "admin")); rec.Code != http.StatusBadRequest {
		t.Fatalf("toggle without enabled = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, 0)
	s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/engines", nil))

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `path="/api/v1/engines"`) {
		t.Fatalf("metrics = %d", rec.Code)
	}
}
