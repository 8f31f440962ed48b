package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/calden/roomtemp/internal/config"
	"github.com/calden/roomtemp/internal/importer"
	"github.com/calden/roomtemp/internal/match"
	"github.com/calden/roomtemp/internal/models"
	"github.com/calden/roomtemp/internal/query"
	"github.com/calden/roomtemp/internal/store"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.WarnLevel)
}

func setupServer(t *testing.T) (*Server, store.Store) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Scopes: []config.ScopeConfig{
			{
				Name:     "main",
				Timezone: "UTC",
				Rooms: []config.RoomConfig{
					{Key: "main-101", Number: "101", Name: "Conference 101"},
				},
				Slots: []config.SlotConfig{
					{Label: "Morning", Minutes: 510, ToleranceMinutes: 15},
				},
			},
		},
	}
	cfg.ApplyDefaults()

	resolver := match.NewStaticResolver(map[string][]match.Room{
		"main": {{Key: "main-101", Number: "101", Name: "Conference 101"}},
	})
	imp := importer.New(st, resolver, cfg, testLogger())
	queries := query.NewService(st, resolver, cfg.Query.MaxPoints, testLogger())
	return New(st, imp, queries, resolver, cfg, testLogger()), st
}

// multipartImport builds the form an import request carries.
func multipartImport(t *testing.T, scope string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("scope", scope); err != nil {
		t.Fatalf("WriteField failed: %v", err)
	}
	part, err := writer.CreateFormFile("files", filename)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

var sampleCSV = []byte("Timestamp,Temperature (Fahrenheit),Relative Humidity (%)\n" +
	"2026-03-02 08:00:00,70,45\n" +
	"2026-03-02 08:30:00,72,44\n")

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("Expected ok status, got %q", resp["status"])
	}
}

func TestPreviewEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	body, contentType := multipartImport(t, "main", "Conference 101.csv", sampleCSV)
	req := httptest.NewRequest(http.MethodPost, "/api/imports/preview", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var summary models.PreviewSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if summary.ReadyCount != 1 || summary.ParsedRows != 2 {
		t.Errorf("Summary wrong: %+v", summary)
	}
	if summary.Files[0].RoomKey != "main-101" {
		t.Errorf("Mapping wrong: %+v", summary.Files[0])
	}
}

func TestPreviewEndpoint_MissingScope(t *testing.T) {
	srv, _ := setupServer(t)

	body, contentType := multipartImport(t, "", "Conference 101.csv", sampleCSV)
	req := httptest.NewRequest(http.MethodPost, "/api/imports/preview", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestCommitAndJobEndpoints(t *testing.T) {
	srv, _ := setupServer(t)

	body, contentType := multipartImport(t, "main", "Conference 101.csv", sampleCSV)
	req := httptest.NewRequest(http.MethodPost, "/api/imports", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result models.CommitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if result.NewReadings != 2 || result.JobID == "" {
		t.Fatalf("Commit result wrong: %+v", result)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/"+result.JobID, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var job models.ImportJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if job.Status != models.JobCompleted {
		t.Errorf("Expected completed job, got %+v", job)
	}
}

func TestJobEndpoint_NotFound(t *testing.T) {
	srv, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/no-such-job", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestSeriesEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	// Import through the same surface a client would use.
	body, contentType := multipartImport(t, "main", "Conference 101.csv", sampleCSV)
	req := httptest.NewRequest(http.MethodPost, "/api/imports", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Import failed: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet,
		"/api/series?scope=main&room=main-101&from=2026-03-02T00:00:00Z&to=2026-03-02T23:59:59Z", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var series []query.Series
	if err := json.Unmarshal(rec.Body.Bytes(), &series); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(series) != 1 || len(series[0].Points) != 2 {
		t.Fatalf("Series wrong: %+v", series)
	}
	if series[0].Granularity != query.GranularityRaw {
		t.Errorf("Expected raw granularity, got %q", series[0].Granularity)
	}
}

func TestSeriesEndpoint_BadRange(t *testing.T) {
	srv, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/series?scope=main&room=main-101&from=not-a-time&to=2026-03-02T23:59:59Z", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestSnapshotsEndpoint(t *testing.T) {
	srv, st := setupServer(t)

	snap := &models.RoomSnapshot{
		RoomKey: "main-101", DateLocal: "2026-03-02", SlotID: "morning",
		Status: models.SnapshotOK, TemperatureF: models.Float64Ptr(72),
	}
	if err := st.PutSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("PutSnapshot failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/snapshots?room=main-101&from=2026-03-01&to=2026-03-31", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var snaps []*models.RoomSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(snaps) != 1 || *snaps[0].TemperatureF != 72 {
		t.Errorf("Snapshots wrong: %+v", snaps)
	}
}

func TestRecomputeEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	payload := `{"scope":"main","from":"2026-03-02","to":"2026-03-02"}`
	req := httptest.NewRequest(http.MethodPost, "/api/recompute", bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/recompute", bytes.NewBufferString(`{}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty request, got %d", rec.Code)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	// Empty until something is imported.
	req := httptest.NewRequest(http.MethodGet, "/api/devices?scope=main", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var devices []*models.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("Expected no devices, got %+v", devices)
	}

	body, contentType := multipartImport(t, "main", "Conference 101.csv", sampleCSV)
	req = httptest.NewRequest(http.MethodPost, "/api/imports", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Import failed: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/devices?scope=main", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(devices) != 1 || devices[0].Mapping.RoomKey != "main-101" {
		t.Errorf("Devices wrong: %+v", devices)
	}
	if devices[0].EarliestLocal != "2026-03-02 08:00:00" {
		t.Errorf("Watermark wrong: %+v", devices[0])
	}
}

func TestCheckOrigin(t *testing.T) {
	srv, _ := setupServer(t)
	srv.cfg.Server.AllowedOrigins = []string{"http://localhost:5173"}

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"same-origin request", "", true},
		{"allowed origin", "http://localhost:5173", true},
		{"unknown origin", "http://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/jobs/x", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := srv.checkOrigin(req); got != tt.want {
				t.Errorf("Expected %v for origin %q, got %v", tt.want, tt.origin, got)
			}
		})
	}
}

func TestRoomsEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms?scope=main", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var rooms []match.Room
	if err := json.Unmarshal(rec.Body.Bytes(), &rooms); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Key != "main-101" {
		t.Errorf("Rooms wrong: %+v", rooms)
	}
}
