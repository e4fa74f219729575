package bulkupload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/asset-console/internal/domain/model"
)

// fakeTransport: транспорт с подменяемыми ответами и журналом вызовов.
type fakeTransport struct {
	mu        sync.Mutex
	uploads   int
	downloads []downloadCall
	upload    func(ctx context.Context, n int) (*Stream, error)
	download  func(ctx context.Context, method, endpoint string, payload any) ([]byte, error)
}

type downloadCall struct {
	method   string
	endpoint string
	payload  any
}

func (f *fakeTransport) Upload(ctx context.Context, endpoint, filename string, content io.Reader) (*Stream, error) {
	f.mu.Lock()
	f.uploads++
	n := f.uploads
	f.mu.Unlock()
	return f.upload(ctx, n)
}

func (f *fakeTransport) Download(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, downloadCall{method, endpoint, payload})
	f.mu.Unlock()
	if f.download == nil {
		return []byte("xlsx"), nil
	}
	return f.download(ctx, method, endpoint, payload)
}

func (f *fakeTransport) downloadCalls() []downloadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]downloadCall(nil), f.downloads...)
}

// recorder собирает уведомления, вызовы колбэков и сохранённые файлы.
type recorder struct {
	mu            sync.Mutex
	notifications []Notification
	successes     int
	progress      []*model.UploadProgress
	saved         map[string][]byte
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recorder) Save(_ context.Context, filename string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		r.saved = make(map[string][]byte)
	}
	r.saved[filename] = data
	return nil
}

func (r *recorder) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notifications {
		out = append(out, n.Key)
	}
	return out
}

func (r *recorder) find(key string) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notifications {
		if n.Key == key {
			return n, true
		}
	}
	return Notification{}, false
}

var testFeature = Feature{
	Key:             "sites",
	Entity:          "Site",
	Scope:           "SITE",
	UploadPath:      "/api/sites/bulk-upload",
	TemplatePath:    "/api/sites/bulk-upload/template",
	ExportPath:      "/api/sites/export",
	ExportMethod:    http.MethodPost,
	ErrorReportPath: "/api/sites/bulk-upload/error-report",
}

var fixedNow = time.Date(2026, 10, 19, 10, 15, 30, 0, time.UTC)

func newTestSession(tr Transport, rec *recorder, tweak func(*Options)) *Session {
	opts := Options{
		Notifier: rec,
		Saver:    rec,
		OnSuccess: func(*model.UploadProgress) {
			rec.successes++
		},
		OnProgress: func(p *model.UploadProgress) {
			rec.progress = append(rec.progress, p)
		},
		Now:    func() time.Time { return fixedNow },
		Logger: testLogger(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	return NewSession(testFeature, tr, opts)
}

// staticStream возвращает транспорт, отдающий готовое тело SSE.
func staticStream(records ...string) func(ctx context.Context, n int) (*Stream, error) {
	return func(ctx context.Context, n int) (*Stream, error) {
		return NewStream(io.NopCloser(strings.NewReader(sseBody(records...))), testLogger()), nil
	}
}

func TestSession_CompletedScenario(t *testing.T) {
	rec := &recorder{}
	tr := &fakeTransport{upload: staticStream(
		`{"status":"PROCESSING","totalRecords":10,"processedRecords":4,"progressPercentage":40}`,
		`{"status":"COMPLETED","totalRecords":10,"processedRecords":10,"successCount":10,"failureCount":0,"progressPercentage":100}`,
	)}
	s := newTestSession(tr, rec, nil)

	if err := s.SelectFile("report.xlsx", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateFileSelected {
		t.Fatalf("State = %s, хотели file_selected", s.State())
	}

	last, err := s.Upload(context.Background())
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if last.Status != model.StatusCompleted {
		t.Errorf("Status = %s", last.Status)
	}
	if s.State() != StateDoneSuccess {
		t.Errorf("State = %s, хотели done_success", s.State())
	}
	if s.Progress().SuccessCount != 10 {
		t.Errorf("Progress().SuccessCount = %d", s.Progress().SuccessCount)
	}

	n, ok := rec.find(MsgCompleted)
	if !ok || n.Level != LevelSuccess || len(n.Args) != 1 || n.Args[0] != 10 {
		t.Errorf("уведомление об успехе = %+v (найдено %v)", n, ok)
	}
	if rec.successes != 1 {
		t.Errorf("OnSuccess вызван %d раз, хотели 1", rec.successes)
	}
	if len(rec.progress) != 2 || rec.progress[0].ProgressPercentage != 40 {
		t.Errorf("OnProgress: %d записей", len(rec.progress))
	}
	if calls := tr.downloadCalls(); len(calls) != 0 {
		t.Errorf("после COMPLETED не должно быть скачиваний: %+v", calls)
	}
}

func TestSession_FailedScenarioDownloadsReport(t *testing.T) {
	rec := &recorder{}
	tr := &fakeTransport{upload: staticStream(
		`{"status":"FAILED","message":"bad header row","errors":[{"rowNumber":2,"fieldName":"stateName","errorMessage":"required"}]}`,
	)}
	s := newTestSession(tr, rec, nil)
	_ = s.SelectFile("states.xlsx", []byte("x"))

	if _, err := s.Upload(context.Background()); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if s.State() != StateDoneFailed {
		t.Errorf("State = %s, хотели done_failed", s.State())
	}

	n, ok := rec.find(MsgFailed)
	if !ok || n.Level != LevelError || n.Args[0] != "bad header row" {
		t.Errorf("уведомление об ошибке = %+v", n)
	}
	if rec.successes != 0 {
		t.Errorf("OnSuccess вызван после FAILED")
	}

	calls := tr.downloadCalls()
	if len(calls) != 1 {
		t.Fatalf("скачиваний отчёта: %d, хотели 1", len(calls))
	}
	if calls[0].method != http.MethodPost || calls[0].endpoint != testFeature.ErrorReportPath {
		t.Errorf("запрос отчёта = %s %s", calls[0].method, calls[0].endpoint)
	}
	p, ok := calls[0].payload.(*model.UploadProgress)
	if !ok || len(p.Errors) != 1 || p.Errors[0].FieldName != "stateName" {
		t.Errorf("payload отчёта = %+v", calls[0].payload)
	}
	if _, ok := rec.saved["Site_Errors_2026-10-19T101530Z.xlsx"]; !ok {
		t.Errorf("отчёт не сохранён: %v", rec.saved)
	}
}

func TestSession_FailedWithoutRowErrorsNoReport(t *testing.T) {
	rec := &recorder{}
	tr := &fakeTransport{upload: staticStream(`{"status":"FAILED","message":"empty file"}`)}
	s := newTestSession(tr, rec, nil)
	_ = s.SelectFile("a.xlsx", nil)

	if _, err := s.Upload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls := tr.downloadCalls(); len(calls) != 0 {
		t.Errorf("скачиваний: %d, хотели 0", len(calls))
	}
}

func TestSession_PartialReportOnce(t *testing.T) {
	rec := &recorder{}
	partial := `{"status":"COMPLETED_WITH_ERRORS","successCount":8,"failureCount":1,"duplicateCount":1,"errors":[{"rowNumber":3,"fieldName":"code","errorMessage":"duplicate","errorType":"DUPLICATE"}]}`
	tr := &fakeTransport{upload: staticStream(partial, partial)}
	s := newTestSession(tr, rec, nil)
	_ = s.SelectFile("a.xlsx", nil)

	if _, err := s.Upload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateDonePartial {
		t.Errorf("State = %s, хотели done_partial", s.State())
	}
	n, _ := rec.find(MsgCompletedWithErrors)
	if n.Level != LevelWarning || len(n.Args) != 3 || n.Args[0] != 8 || n.Args[1] != 1 || n.Args[2] != 1 {
		t.Errorf("предупреждение = %+v", n)
	}
	if rec.successes != 1 {
		t.Errorf("OnSuccess вызван %d раз, хотели 1", rec.successes)
	}
	if calls := tr.downloadCalls(); len(calls) != 1 {
		t.Errorf("автоматических отчётов: %d, хотели 1", len(calls))
	}

	// Ручной повтор разрешён
	if _, err := s.DownloadErrorReport(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls := tr.downloadCalls(); len(calls) != 2 {
		t.Errorf("скачиваний после ручного повтора: %d, хотели 2", len(calls))
	}
}

func TestSession_ReportFallsBackToLocalRender(t *testing.T) {
	rec := &recorder{}
	tr := &fakeTransport{
		upload: staticStream(`{"status":"FAILED","message":"m","errors":[{"rowNumber":2,"fieldName":"f","errorMessage":"e"},{"rowNumber":5,"fieldName":"g","errorMessage":"e2"}]}`),
		download: func(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
			return nil, &StatusError{Code: 503, Body: "unavailable"}
		},
	}
	s := newTestSession(tr, rec, nil)
	_ = s.SelectFile("a.xlsx", nil)

	if _, err := s.Upload(context.Background()); err != nil {
		t.Fatal(err)
	}
	data, ok := rec.saved["Site_Errors_2026-10-19T101530Z.xlsx"]
	if !ok {
		t.Fatal("локальный отчёт не сохранён")
	}
	rows, err := CountRows(data)
	if err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Errorf("строк в отчёте %d, хотели 2", rows)
	}
	if _, ok := rec.find(MsgDownloadSaved); !ok {
		t.Error("нет уведомления о сохранении")
	}
}

func TestSession_InvalidFileTypeNoNetwork(t *testing.T) {
	rec := &recorder{}
	tr := &fakeTransport{upload: func(ctx context.Context, n int) (*Stream, error) {
		t.Error("Upload не должен вызываться")
		return nil, errors.New("unexpected")
	}}
	s := newTestSession(tr, rec, nil)

	err := s.SelectFile("data.csv", []byte("a,b"))
	if !errors.Is(err, ErrInvalidFileType) {
		t.Fatalf("err = %v, хотели ErrInvalidFileType", err)
	}
	if s.State() != StateIdle {
		t.Errorf("State = %s, хотели idle", s.State())
	}
	n, ok := rec.find(MsgInvalidFileType)
	if !ok || n.Level != LevelError || n.Args[0] != "data.csv" {
		t.Errorf("уведомление = %+v", n)
	}
	if _, err := s.Upload(context.Background()); !errors.Is(err, ErrNoFile) {
		t.Errorf("Upload без файла = %v, хотели ErrNoFile", err)
	}
	if tr.uploads != 0 {
		t.Errorf("сетевых запросов: %d", tr.uploads)
	}
}

// blockingStream отдаёт одну запись PROCESSING и ждёт отмены контекста.
func blockingStream(ctx context.Context, started chan<- struct{}) *Stream {
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, sseBody(`{"status":"PROCESSING","processedRecords":1}`))
		close(started)
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return NewStream(pr, testLogger())
}

func TestSession_NewUploadSupersedesInFlight(t *testing.T) {
	rec := &recorder{}
	started := make(chan struct{})
	tr := &fakeTransport{upload: func(ctx context.Context, n int) (*Stream, error) {
		if n == 1 {
			return blockingStream(ctx, started), nil
		}
		return NewStream(io.NopCloser(strings.NewReader(sseBody(
			`{"status":"COMPLETED","successCount":3}`,
		))), testLogger()), nil
	}}
	s := newTestSession(tr, rec, nil)
	_ = s.SelectFile("a.xlsx", nil)

	type result struct {
		p   *model.UploadProgress
		err error
	}
	first := make(chan result, 1)
	go func() {
		p, err := s.Upload(context.Background())
		first <- result{p, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("первая попытка не началась")
	}

	last, err := s.Upload(context.Background())
	if err != nil {
		t.Fatalf("вторая попытка: %v", err)
	}

	var a result
	select {
	case a = <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("первая попытка не завершилась")
	}
	if !errors.Is(a.err, ErrSuperseded) {
		t.Errorf("первая попытка err = %v, хотели ErrSuperseded", a.err)
	}

	if last.SuccessCount != 3 || s.State() != StateDoneSuccess {
		t.Errorf("итог = %+v, State = %s", last, s.State())
	}
	if rec.successes != 1 {
		t.Errorf("OnSuccess вызван %d раз, хотели 1", rec.successes)
	}
	keys := rec.keys()
	if len(keys) != 1 || keys[0] != MsgCompleted {
		t.Errorf("уведомления = %v, хотели только %s", keys, MsgCompleted)
	}
}

func TestSession_CloseDuringUploadIsSilent(t *testing.T) {
	rec := &recorder{}
	started := make(chan struct{})
	closed := 0
	tr := &fakeTransport{upload: func(ctx context.Context, n int) (*Stream, error) {
		return blockingStream(ctx, started), nil
	}}
	s := newTestSession(tr, rec, func(o *Options) {
		o.OnClose = func() { closed++ }
	})
	_ = s.SelectFile("a.xlsx", nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Upload(context.Background())
		done <- err
	}()
	<-started
	s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("err = %v, хотели ErrSuperseded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("попытка не завершилась после Close")
	}

	if s.State() != StateIdle || s.Progress() != nil {
		t.Errorf("после Close: State = %s, Progress = %v", s.State(), s.Progress())
	}
	if keys := rec.keys(); len(keys) != 0 {
		t.Errorf("уведомления после отмены: %v", keys)
	}
	if closed != 1 {
		t.Errorf("OnClose вызван %d раз", closed)
	}
}

func TestSession_TransportFailures(t *testing.T) {
	tests := []struct {
		name    string
		upload  func(ctx context.Context, n int) (*Stream, error)
		wantKey string
		wantErr error
	}{
		{
			name: "401",
			upload: func(ctx context.Context, n int) (*Stream, error) {
				return nil, ErrUnauthorized
			},
			wantKey: MsgAuthRequired,
			wantErr: ErrUnauthorized,
		},
		{
			name: "400",
			upload: func(ctx context.Context, n int) (*Stream, error) {
				return nil, &RejectedError{Message: "Invalid template"}
			},
			wantKey: MsgRejected,
		},
		{
			name: "сетевая ошибка",
			upload: func(ctx context.Context, n int) (*Stream, error) {
				return nil, errors.New("dial tcp: connection refused")
			},
			wantKey: MsgNetworkError,
		},
		{
			name:    "поток без итогового статуса",
			upload:  staticStream(`{"status":"PROCESSING"}`),
			wantKey: MsgIncomplete,
			wantErr: ErrIncompleteStream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			s := newTestSession(&fakeTransport{upload: tt.upload}, rec, nil)
			_ = s.SelectFile("a.xlsx", nil)

			_, err := s.Upload(context.Background())
			if err == nil {
				t.Fatal("ожидалась ошибка")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, хотели %v", err, tt.wantErr)
			}
			if s.State() != StateDoneFailed {
				t.Errorf("State = %s, хотели done_failed", s.State())
			}
			if keys := rec.keys(); len(keys) != 1 || keys[0] != tt.wantKey {
				t.Errorf("уведомления = %v, хотели [%s]", keys, tt.wantKey)
			}
		})
	}
}

func TestSession_AutoClose(t *testing.T) {
	rec := &recorder{}
	closed := make(chan struct{}, 1)
	tr := &fakeTransport{upload: staticStream(`{"status":"COMPLETED","successCount":1}`)}
	s := newTestSession(tr, rec, func(o *Options) {
		o.AutoCloseDelay = 10 * time.Millisecond
		o.OnClose = func() { closed <- struct{}{} }
	})
	_ = s.SelectFile("a.xlsx", nil)

	if _, err := s.Upload(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("диалог не закрылся автоматически")
	}
	if s.State() != StateIdle {
		t.Errorf("State = %s, хотели idle", s.State())
	}
}

func TestSession_RemoveFileResets(t *testing.T) {
	rec := &recorder{}
	tr := &fakeTransport{upload: staticStream(`{"status":"FAILED","message":"m","errors":[{"rowNumber":1}]}`)}
	s := newTestSession(tr, rec, nil)
	_ = s.SelectFile("a.xlsx", nil)
	_, _ = s.Upload(context.Background())

	s.RemoveFile()
	if s.State() != StateIdle || s.Progress() != nil {
		t.Errorf("после RemoveFile: State = %s", s.State())
	}
	if _, err := s.DownloadErrorReport(context.Background()); !errors.Is(err, ErrNoProgress) {
		t.Errorf("DownloadErrorReport = %v, хотели ErrNoProgress", err)
	}

	// Новая попытка снова получает автоматический отчёт
	_ = s.SelectFile("a.xlsx", nil)
	_, _ = s.Upload(context.Background())
	if calls := tr.downloadCalls(); len(calls) != 2 {
		t.Errorf("отчётов: %d, хотели 2", len(calls))
	}
}

func TestSession_TemplateAndExport(t *testing.T) {
	rec := &recorder{}
	tr := &fakeTransport{}
	s := newTestSession(tr, rec, nil)

	name, err := s.DownloadTemplate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if name != "Site_Template_2026-10-19T101530Z.xlsx" {
		t.Errorf("имя шаблона = %s", name)
	}

	name, err = s.Export(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if name != "Site_Export_2026-10-19T101530Z.xlsx" {
		t.Errorf("имя выгрузки = %s", name)
	}

	calls := tr.downloadCalls()
	if calls[0].method != http.MethodGet || calls[0].endpoint != testFeature.TemplatePath {
		t.Errorf("шаблон: %+v", calls[0])
	}
	if calls[1].method != http.MethodPost || calls[1].payload == nil {
		t.Errorf("выгрузка: %+v", calls[1])
	}
	if len(rec.saved) != 2 {
		t.Errorf("сохранено файлов: %d", len(rec.saved))
	}
}

func TestSession_DownloadFailureNotifies(t *testing.T) {
	rec := &recorder{}
	tr := &fakeTransport{download: func(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
		return nil, &StatusError{Code: 500, Body: "boom"}
	}}
	s := newTestSession(tr, rec, nil)

	if _, err := s.DownloadTemplate(context.Background()); err == nil {
		t.Fatal("ожидалась ошибка")
	}
	if _, ok := rec.find(MsgDownloadFailed); !ok {
		t.Errorf("уведомления = %v", rec.keys())
	}
}
