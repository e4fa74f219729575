package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/bigkaa/asset-console/internal/api/handlers"
	"github.com/bigkaa/asset-console/internal/api/middleware"
	"github.com/bigkaa/asset-console/internal/api/openapi"
	"github.com/bigkaa/asset-console/internal/backend"
	"github.com/bigkaa/asset-console/internal/bulkupload"
	"github.com/bigkaa/asset-console/internal/domain/model"
	"github.com/bigkaa/asset-console/internal/i18n"
	"github.com/bigkaa/asset-console/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// tokenProfiles: профили пользователей по токену.
type tokenProfiles map[string]*model.User

func (p tokenProfiles) Me(_ context.Context, token string) (*model.User, error) {
	u, ok := p[token]
	if !ok {
		return nil, backend.ErrUnauthorized
	}
	return u, nil
}

var users = tokenProfiles{
	"alice-token": {ID: "u-1", Username: "alice", Permissions: []string{"SITE:IMPORT", "SITE:VIEW"}},
	"bob-token":   {ID: "u-2", Username: "bob", Permissions: []string{"DEPRECIATION:VIEW"}},
	"root-token":  {ID: "u-0", Username: "root", Permissions: []string{"ALL"}},
}

type staticChecker struct{ status string }

func (c staticChecker) CheckReady() (string, string) { return c.status, "" }

// assetBackend: backend с эндпоинтами фичи sites.
// status, отличный от 200, возвращается на загрузку вместо потока.
type assetBackend struct {
	server  *httptest.Server
	mu      sync.Mutex
	sse     string
	status  int
	uploads int
}

func newAssetBackend(t *testing.T) *assetBackend {
	t.Helper()
	b := &assetBackend{status: http.StatusOK}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch r.URL.Path {
		case "/api/sites/bulk-upload":
			b.uploads++
			if b.status != http.StatusOK {
				w.WriteHeader(b.status)
				io.WriteString(w, `{"message":"Missing column: code"}`)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, b.sse)
		case "/api/sites/bulk-upload/error-report":
			w.Write([]byte("backend-report"))
		case "/api/sites/bulk-upload/template":
			w.Write([]byte("template"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *assetBackend) setStatus(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = code
}

func (b *assetBackend) uploadCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uploads
}

func (b *assetBackend) setSSE(records ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for _, r := range records {
		fmt.Fprintf(&sb, "data: %s\n\n", r)
	}
	b.sse = sb.String()
}

func newTestRouter(t *testing.T, b *assetBackend, maxUpload int64) http.Handler {
	t.Helper()
	h, _ := newTestConsole(t, b, maxUpload)
	return h
}

// newTestConsole собирает роутер консоли и возвращает кэш профилей,
// общий для аутентификации и сервиса загрузок.
func newTestConsole(t *testing.T, b *assetBackend, maxUpload int64) (http.Handler, *backend.CachedProfiles) {
	t.Helper()
	logger := testLogger()
	catalog := bulkupload.DefaultCatalog()

	bundle, err := i18n.Load(logger)
	if err != nil {
		t.Fatalf("i18n.Load: %v", err)
	}
	doc, err := openapi.Load()
	if err != nil {
		t.Fatalf("openapi.Load: %v", err)
	}
	validator, err := openapi.NewValidator(doc, bundle, logger)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	client := bulkupload.NewClientWithHTTP(b.server.URL, b.server.Client(), nil, logger)
	profiles := backend.NewCachedProfiles(users, 10, time.Minute)
	uploads := service.NewUploadService(catalog, client, nil, service.NewReportStore(10, time.Minute), profiles, logger)
	health := handlers.NewHealthHandler(staticChecker{"ok"}, staticChecker{"degraded"}, nil)
	h := handlers.NewAPIHandler(health, uploads, catalog, bundle, maxUpload, logger)

	return NewRouter(logger, Deps{
		Handler:   h,
		Auth:      middleware.NewAuthWithKeyfunc(nil, "access_token", "", profiles, logger),
		Validator: validator,
		Catalog:   catalog,
	}), profiles
}

// workbook создаёт .xlsx со строкой заголовка и rows строками данных.
func workbook(t *testing.T, rows int) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	f.SetSheetRow("Sheet1", "A1", &[]any{"code", "name"})
	for i := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		f.SetSheetRow("Sheet1", cell, &[]any{fmt.Sprintf("S-%d", i), "Site"})
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, feature, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bulk/"+feature+"/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func do(h http.Handler, req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// sseEvents разбирает ответ text/event-stream в пары (event, data).
func sseEvents(body string) [][2]string {
	var out [][2]string
	for _, frame := range strings.Split(body, "\n\n") {
		var ev, data string
		for _, line := range strings.Split(frame, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				ev = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				data = v
			}
		}
		if ev != "" {
			out = append(out, [2]string{ev, data})
		}
	}
	return out
}

func TestRouter_Health(t *testing.T) {
	h := newTestRouter(t, newAssetBackend(t), 1<<20)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/health/live", nil), "")
	if rec.Code != http.StatusOK {
		t.Errorf("live: статус %d", rec.Code)
	}

	rec = do(h, httptest.NewRequest(http.MethodGet, "/health/ready", nil), "")
	if rec.Code != http.StatusOK {
		t.Errorf("ready: статус %d", rec.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "degraded" || resp.Service != "asset-console" {
		t.Errorf("ready = %+v", resp)
	}
}

func TestRouter_Me(t *testing.T) {
	h := newTestRouter(t, newAssetBackend(t), 1<<20)

	if rec := do(h, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil), ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("без токена: статус %d, хотели 401", rec.Code)
	}
	if rec := do(h, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil), "stale"); rec.Code != http.StatusUnauthorized {
		t.Errorf("отклонённый токен: статус %d, хотели 401", rec.Code)
	}

	rec := do(h, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil), "alice-token")
	var me struct {
		Username    string   `json:"username"`
		IsAdmin     bool     `json:"isAdmin"`
		Permissions []string `json:"permissions"`
	}
	json.NewDecoder(rec.Body).Decode(&me)
	if me.Username != "alice" || me.IsAdmin || strings.Join(me.Permissions, ",") != "SITE:IMPORT,SITE:VIEW" {
		t.Errorf("me = %+v", me)
	}

	rec = do(h, httptest.NewRequest(http.MethodGet, "/api/v1/me/permissions", nil), "alice-token")
	var flags map[string]bool
	json.NewDecoder(rec.Body).Decode(&flags)
	want := map[string]bool{
		"menu.sites":          true,
		"menu.assets":         false,
		"menu.admin":          false,
		"bulk.any":            true,
		"bulk.sites.import":   true,
		"bulk.sites.export":   false,
		"bulk.vendors.import": false,
	}
	for k, v := range want {
		if flags[k] != v {
			t.Errorf("флаг %s = %v, хотели %v", k, flags[k], v)
		}
	}
}

func TestRouter_UploadStream(t *testing.T) {
	b := newAssetBackend(t)
	b.setSSE(
		`{"status":"PROCESSING","totalRecords":3,"processedRecords":1,"progressPercentage":33}`,
		`{"status":"COMPLETED_WITH_ERRORS","totalRecords":3,"successCount":2,"failureCount":1,"errors":[{"rowNumber":4,"fieldName":"code","errorMessage":"required","errorType":"VALIDATION"}]}`,
	)
	h := newTestRouter(t, b, 1<<20)

	req := uploadRequest(t, "sites", "sites.xlsx", workbook(t, 3))
	req.Header.Set("Accept-Language", "ru")
	rec := do(h, req, "alice-token")

	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d, тело: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := sseEvents(rec.Body.String())
	var kinds []string
	var reportURL string
	for _, e := range events {
		kinds = append(kinds, e[0])
		switch e[0] {
		case "report":
			var r struct{ URL string }
			json.Unmarshal([]byte(e[1]), &r)
			reportURL = r.URL
		case "notification":
			var n struct{ Key, Message string }
			json.Unmarshal([]byte(e[1]), &n)
			if n.Key == bulkupload.MsgCompletedWithErrors && !strings.HasPrefix(n.Message, "Загрузка завершена с ошибками: успешно 2") {
				t.Errorf("уведомление не переведено: %s", e[1])
			}
		}
	}
	if kinds[0] != "started" || kinds[len(kinds)-1] != "done" {
		t.Errorf("события = %v", kinds)
	}
	if reportURL == "" {
		t.Fatalf("нет события report: %v", kinds)
	}

	// Отчёт доступен владельцу и скрыт от других пользователей.
	rec = do(h, httptest.NewRequest(http.MethodGet, reportURL, nil), "alice-token")
	if rec.Code != http.StatusOK || rec.Body.String() != "backend-report" {
		t.Errorf("отчёт: статус %d, тело %q", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment; filename=Site_Errors_") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	rec = do(h, httptest.NewRequest(http.MethodGet, reportURL, nil), "root-token")
	if rec.Code != http.StatusOK {
		t.Errorf("администратор: статус %d", rec.Code)
	}
}

func TestRouter_UploadRejectedBeforeStream(t *testing.T) {
	b := newAssetBackend(t)

	tests := []struct {
		name     string
		feature  string
		filename string
		content  []byte
		token    string
		limit    int64
		want     int
	}{
		{"не xlsx", "sites", "sites.csv", []byte("a,b"), "alice-token", 1 << 20, http.StatusBadRequest},
		{"превышен размер", "sites", "sites.xlsx", workbook(t, 3), "alice-token", 64, http.StatusRequestEntityTooLarge},
		{"нет прав на фичу", "assets", "assets.xlsx", workbook(t, 1), "alice-token", 1 << 20, http.StatusForbidden},
		{"неизвестная фича", "unknown", "x.xlsx", workbook(t, 1), "root-token", 1 << 20, http.StatusNotFound},
		{"ключ фичи не по контракту", "Sites!", "x.xlsx", workbook(t, 1), "root-token", 1 << 20, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, b, tt.limit)
			rec := do(h, uploadRequest(t, tt.feature, tt.filename, tt.content), tt.token)

			if rec.Code != tt.want {
				t.Errorf("статус = %d, хотели %d, тело: %s", rec.Code, tt.want, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, хотели application/json", ct)
			}
		})
	}
}

// Книга без строк данных уходит в backend: консоль проверяет только расширение.
func TestRouter_UploadHeaderOnlyWorkbook(t *testing.T) {
	b := newAssetBackend(t)
	b.setSSE(`{"status":"FAILED","message":"No data rows"}`)
	h := newTestRouter(t, b, 1<<20)

	rec := do(h, uploadRequest(t, "sites", "sites.xlsx", workbook(t, 0)), "alice-token")

	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d, тело: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if n := b.uploadCalls(); n != 1 {
		t.Errorf("запросов загрузки в backend: %d, хотели 1", n)
	}

	events := sseEvents(rec.Body.String())
	if len(events) < 2 || events[0][0] != "started" {
		t.Fatalf("события = %v", events)
	}
	if !strings.Contains(events[0][1], `"rows":0`) {
		t.Errorf("started = %s", events[0][1])
	}
	if last := events[len(events)-1]; last[0] != "done" || !strings.Contains(last[1], `"state":"done_failed"`) {
		t.Errorf("последнее событие = %v", last)
	}
}

// Ошибки backend до начала потока приходят в уже открытый поток событий:
// уведомление различает 401 и 400, итог done_failed.
func TestRouter_UploadBackendErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantKey     string
		wantMessage string
		dropProfile bool
	}{
		{"401", http.StatusUnauthorized, bulkupload.MsgAuthRequired, "Your session has expired. Please log in again", true},
		{"400", http.StatusBadRequest, bulkupload.MsgRejected, "Upload rejected: Missing column: code", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newAssetBackend(t)
			b.setStatus(tt.status)
			h, profiles := newTestConsole(t, b, 1<<20)

			req := uploadRequest(t, "sites", "sites.xlsx", workbook(t, 2))
			req.Header.Set("Accept-Language", "en")
			rec := do(h, req, "alice-token")

			if rec.Code != http.StatusOK {
				t.Fatalf("статус %d, тело: %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
				t.Errorf("Content-Type = %q", ct)
			}

			var notes []string
			events := sseEvents(rec.Body.String())
			for _, e := range events {
				if e[0] != "notification" {
					continue
				}
				var n struct{ Key, Message string }
				json.Unmarshal([]byte(e[1]), &n)
				notes = append(notes, n.Key)
				if n.Key == tt.wantKey && n.Message != tt.wantMessage {
					t.Errorf("сообщение = %q, хотели %q", n.Message, tt.wantMessage)
				}
			}
			if len(notes) != 1 || notes[0] != tt.wantKey {
				t.Errorf("уведомления = %v, хотели [%s]", notes, tt.wantKey)
			}
			if last := events[len(events)-1]; last[0] != "done" || !strings.Contains(last[1], `"state":"done_failed"`) {
				t.Errorf("последнее событие = %v", last)
			}

			// Отклонённый токен не должен оставаться в кэше профилей.
			want := 1
			if tt.dropProfile {
				want = 0
			}
			if n := profiles.Len(); n != want {
				t.Errorf("профилей в кэше: %d, хотели %d", n, want)
			}
		})
	}
}

// Ответы об ошибках валидации переводятся на язык запроса.
func TestRouter_ValidationMessagesLocalized(t *testing.T) {
	h := newTestRouter(t, newAssetBackend(t), 1<<20)

	message := func(rec *httptest.ResponseRecorder) string {
		var resp struct {
			Error struct{ Code, Message string }
		}
		json.NewDecoder(rec.Body).Decode(&resp)
		return resp.Error.Message
	}

	req := uploadRequest(t, "sites", "sites.csv", []byte("a,b"))
	req.Header.Set("Accept-Language", "en")
	rec := do(h, req, "alice-token")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("статус %d", rec.Code)
	}
	if got := message(rec); got != "Only .xlsx files are accepted" {
		t.Errorf("сообщение = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/bulk-uploads?limit=ten", nil)
	req.Header.Set("Accept-Language", "en")
	rec = do(h, req, "alice-token")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("limit: статус %d, тело: %s", rec.Code, rec.Body.String())
	}
	if got := message(rec); !strings.HasPrefix(got, "Invalid parameter limit: ") {
		t.Errorf("сообщение = %q", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/depreciation/schedule",
		strings.NewReader(`{"capitalValue":100,"ratePercent":15,"method":"WDV","putToUseDate":"2026-04-01","asOfDate":"2025-03-31"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: i18n.LangCookieName, Value: "en"})
	rec = do(h, req, "bob-token")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("даты: статус %d, тело: %s", rec.Code, rec.Body.String())
	}
	if got := message(rec); got != "The put-to-use date is later than the calculation date" {
		t.Errorf("сообщение = %q", got)
	}
}

func TestRouter_Template(t *testing.T) {
	h := newTestRouter(t, newAssetBackend(t), 1<<20)

	rec := do(h, httptest.NewRequest(http.MethodGet, "/api/v1/bulk/sites/template", nil), "alice-token")
	if rec.Code != http.StatusOK || rec.Body.String() != "template" {
		t.Fatalf("статус %d, тело %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = do(h, httptest.NewRequest(http.MethodGet, "/api/v1/bulk/sites/export", nil), "alice-token")
	if rec.Code != http.StatusForbidden {
		t.Errorf("экспорт без прав: статус %d, хотели 403", rec.Code)
	}
}

func TestRouter_History(t *testing.T) {
	h := newTestRouter(t, newAssetBackend(t), 1<<20)

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"список", "/api/v1/bulk-uploads", "alice-token", http.StatusOK},
		{"без прав импорта", "/api/v1/bulk-uploads", "bob-token", http.StatusForbidden},
		{"limit вне диапазона", "/api/v1/bulk-uploads?limit=0", "alice-token", http.StatusBadRequest},
		{"неизвестный статус", "/api/v1/bulk-uploads?status=DONE", "alice-token", http.StatusBadRequest},
		{"id не uuid", "/api/v1/bulk-uploads/42", "alice-token", http.StatusBadRequest},
		{"нет попытки", "/api/v1/bulk-uploads/7f1d3c1e-95a4-4a8e-9f57-0c2c5d3f0a11", "alice-token", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, httptest.NewRequest(http.MethodGet, tt.path, nil), tt.token)
			if rec.Code != tt.want {
				t.Errorf("статус = %d, хотели %d, тело: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRouter_Depreciation(t *testing.T) {
	h := newTestRouter(t, newAssetBackend(t), 1<<20)

	post := func(body, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/depreciation/schedule", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return do(h, req, token)
	}

	valid := `{"capitalValue":100000,"ratePercent":15,"method":"WDV","putToUseDate":"2024-04-01","asOfDate":"2026-03-31"}`
	rec := post(valid, "bob-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d, тело: %s", rec.Code, rec.Body.String())
	}
	var sched struct {
		WrittenDownValue float64 `json:"writtenDownValue"`
		Rows             []any   `json:"rows"`
	}
	json.NewDecoder(rec.Body).Decode(&sched)
	if len(sched.Rows) != 2 || sched.WrittenDownValue != 72250 {
		t.Errorf("график = %+v", sched)
	}

	if rec := post(valid, "alice-token"); rec.Code != http.StatusForbidden {
		t.Errorf("без DEPRECIATION:VIEW: статус %d, хотели 403", rec.Code)
	}
	if rec := post(`{"capitalValue":100,"residualValue":200,"ratePercent":15,"method":"WDV","putToUseDate":"2024-04-01"}`, "bob-token"); rec.Code != http.StatusBadRequest {
		t.Errorf("остаток больше стоимости: статус %d, хотели 400", rec.Code)
	}
	if rec := post(`{"capitalValue":100,"ratePercent":15,"method":"DDB","putToUseDate":"2024-04-01"}`, "bob-token"); rec.Code != http.StatusBadRequest {
		t.Errorf("неизвестный метод: статус %d, хотели 400", rec.Code)
	}
}

func TestRouter_NotFound(t *testing.T) {
	h := newTestRouter(t, newAssetBackend(t), 1<<20)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set("Accept-Language", "en")
	rec := do(h, req, "")
	if rec.Code != http.StatusNotFound || rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("статус %d, Content-Type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), `"message":"Route not found"`) {
		t.Errorf("тело: %s", rec.Body.String())
	}
}
