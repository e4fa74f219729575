// session.go: конечный автомат диалога массовой загрузки.
// Idle → FileSelected → Uploading → DoneSuccess | DonePartial | DoneFailed → Idle.
// Новая загрузка отменяет текущую и дожидается её завершения. Каждая попытка
// помечена поколением: устаревшая попытка не пишет состояние и не вызывает
// колбэки.
package bulkupload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bigkaa/asset-console/internal/domain/model"
)

// State: состояние диалога загрузки.
type State int

const (
	StateIdle State = iota
	StateFileSelected
	StateUploading
	StateDoneSuccess
	StateDonePartial
	StateDoneFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFileSelected:
		return "file_selected"
	case StateUploading:
		return "uploading"
	case StateDoneSuccess:
		return "done_success"
	case StateDonePartial:
		return "done_partial"
	case StateDoneFailed:
		return "done_failed"
	default:
		return "unknown"
	}
}

// Level: уровень уведомления.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Ключи текстов уведомлений (каталоги internal/i18n/locales).
const (
	MsgInvalidFileType     = "upload.invalid_file_type"
	MsgCompleted           = "upload.completed"
	MsgCompletedWithErrors = "upload.completed_with_errors"
	MsgFailed              = "upload.failed"
	MsgAuthRequired        = "upload.auth_required"
	MsgNetworkError        = "upload.network_error"
	MsgRejected            = "upload.rejected"
	MsgIncomplete          = "upload.incomplete"
	MsgDownloadSaved       = "download.saved"
	MsgDownloadFailed      = "download.failed"
)

// Notification: уведомление пользователю. Текст получается переводом Key
// с позиционными аргументами Args.
type Notification struct {
	Level Level  `json:"level"`
	Key   string `json:"key"`
	Args  []any  `json:"args,omitempty"`
}

// Notifier доставляет уведомления (toast в браузере, строка в терминале).
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc: адаптер функции к Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Saver сохраняет скачанный файл.
type Saver interface {
	Save(ctx context.Context, filename string, data []byte) error
}

// SaverFunc: адаптер функции к Saver.
type SaverFunc func(ctx context.Context, filename string, data []byte) error

func (f SaverFunc) Save(ctx context.Context, filename string, data []byte) error {
	return f(ctx, filename, data)
}

// DirSaver сохраняет файлы в каталог.
type DirSaver struct {
	Dir string
}

// Save записывает файл в каталог, создавая его при необходимости.
func (d DirSaver) Save(_ context.Context, filename string, data []byte) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("создание каталога %s: %w", d.Dir, err)
	}
	path := filepath.Join(d.Dir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("запись %s: %w", path, err)
	}
	return nil
}

// Transport: сетевая часть загрузки. Реализуется *Client.
type Transport interface {
	Upload(ctx context.Context, endpoint, filename string, content io.Reader) (*Stream, error)
	Download(ctx context.Context, method, endpoint string, payload any) ([]byte, error)
}

// Options: внедряемые зависимости и политика сессии.
// Колбэки и Notifier вызываются под блокировкой сессии и не должны
// вызывать её методы.
type Options struct {
	Notifier Notifier
	Saver    Saver
	// OnSuccess: после COMPLETED и COMPLETED_WITH_ERRORS (например, сброс кэша).
	OnSuccess func(p *model.UploadProgress)
	// OnProgress: каждая принятая запись прогресса, в порядке получения.
	OnProgress func(p *model.UploadProgress)
	// OnClose: диалог закрыт (вручную или по AutoCloseDelay).
	OnClose func()
	// AutoCloseDelay: закрыть после COMPLETED через задержку. 0 = не закрывать.
	AutoCloseDelay time.Duration
	// Now: источник времени для имён файлов и метрик.
	Now    func() time.Time
	Logger *slog.Logger
}

// attempt: одна попытка загрузки. current хранит последнюю попытку
// и после её завершения: ожидание закрытого done возвращается сразу.
type attempt struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// selectedFile: выбранный пользователем файл.
type selectedFile struct {
	name    string
	content []byte
}

// Session: один диалог массовой загрузки для одной фичи.
type Session struct {
	feature   Feature
	transport Transport
	opts      Options
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	file       *selectedFile
	progress   *model.UploadProgress
	reportSent bool
	gen        uint64
	current    *attempt
	closeTimer *time.Timer
}

// NewSession создаёт сессию в состоянии Idle.
func NewSession(feature Feature, transport Transport, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(Notification) {})
	}
	return &Session{
		feature:   feature,
		transport: transport,
		opts:      opts,
		logger: opts.Logger.With(
			slog.String("component", "bulkupload_session"),
			slog.String("feature", feature.Key),
		),
	}
}

// Feature возвращает конфигурацию фичи сессии.
func (s *Session) Feature() Feature {
	return s.feature
}

// State возвращает текущее состояние.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress возвращает последнюю принятую запись прогресса (nil до первого события).
func (s *Session) Progress() *model.UploadProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// SelectFile выбирает файл. Не-.xlsx отклоняется без сетевых запросов.
// Выбор нового файла отменяет текущую попытку.
func (s *Session) SelectFile(name string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !IsExcelFile(name) {
		s.opts.Notifier.Notify(Notification{Level: LevelError, Key: MsgInvalidFileType, Args: []any{filepath.Base(name)}})
		return ErrInvalidFileType
	}

	s.supersedeLocked()
	s.file = &selectedFile{name: name, content: content}
	s.state = StateFileSelected
	return nil
}

// RemoveFile убирает выбранный файл и возвращает сессию в Idle.
func (s *Session) RemoveFile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Close закрывает диалог: отменяет попытку, сбрасывает состояние, вызывает OnClose.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	if s.opts.OnClose != nil {
		s.opts.OnClose()
	}
}

// resetLocked возвращает сессию в Idle. Флаг отчёта об ошибках сбрасывается.
func (s *Session) resetLocked() {
	s.supersedeLocked()
	s.file = nil
	s.state = StateIdle
}

// supersedeLocked делает текущую попытку устаревшей и отменяет её.
func (s *Session) supersedeLocked() {
	s.gen++
	if s.current != nil {
		s.current.cancel()
	}
	s.stopCloseTimerLocked()
	s.progress = nil
	s.reportSent = false
}

func (s *Session) stopCloseTimerLocked() {
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
}

// Upload отправляет выбранный файл и читает поток прогресса до терминального
// статуса. Возвращает последнюю запись. Попытка, отменённая новой загрузкой,
// закрытием или контекстом, завершается молча с ErrSuperseded.
func (s *Session) Upload(ctx context.Context) (*model.UploadProgress, error) {
	s.mu.Lock()
	if s.file == nil {
		s.mu.Unlock()
		return nil, ErrNoFile
	}
	prev := s.current
	s.supersedeLocked()
	gen := s.gen
	actx, cancel := context.WithCancel(ctx)
	a := &attempt{gen: gen, cancel: cancel, done: make(chan struct{})}
	s.current = a
	s.state = StateUploading
	file := s.file
	s.mu.Unlock()

	defer close(a.done)
	defer cancel()

	// Предыдущая попытка должна полностью завершиться до начала новой
	if prev != nil {
		select {
		case <-prev.done:
		case <-actx.Done():
			return nil, s.abandon(gen, actx.Err())
		}
	}

	started := s.opts.Now()
	s.logger.Info("Загрузка начата", slog.String("filename", file.name), slog.Int("bytes", len(file.content)))

	stream, err := s.transport.Upload(actx, s.feature.UploadPath, file.name, bytes.NewReader(file.content))
	if err != nil {
		return nil, s.fail(actx, gen, err)
	}
	defer stream.Close()

	var last *model.UploadProgress
	for p, err := range stream.Records() {
		if err != nil {
			return last, s.fail(actx, gen, err)
		}
		if !s.apply(gen, p) {
			return last, s.abandon(gen, ErrSuperseded)
		}
		last = p
	}
	if actx.Err() != nil {
		return last, s.abandon(gen, actx.Err())
	}
	if !last.IsTerminal() {
		return last, s.fail(actx, gen, ErrIncompleteStream)
	}

	report := s.finish(gen, last)
	attemptDuration.WithLabelValues(s.feature.Key).Observe(s.opts.Now().Sub(started).Seconds())

	if report {
		if _, err := s.downloadErrorReport(actx, last); err != nil && actx.Err() == nil {
			s.logger.Warn("Автоматический отчёт об ошибках не сохранён", slog.String("error", err.Error()))
		}
	}
	return last, nil
}

// apply принимает запись прогресса, если попытка ещё актуальна.
func (s *Session) apply(gen uint64, p *model.UploadProgress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	s.progress = p
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(p)
	}
	return true
}

// finish обрабатывает терминальный статус. Возвращает true, если нужно
// скачать отчёт об ошибках (один раз на попытку).
func (s *Session) finish(gen uint64, p *model.UploadProgress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}

	var outcome string
	switch p.Status {
	case model.StatusCompleted:
		outcome = "completed"
		s.state = StateDoneSuccess
		s.opts.Notifier.Notify(Notification{Level: LevelSuccess, Key: MsgCompleted, Args: []any{p.SuccessCount}})
		if s.opts.OnSuccess != nil {
			s.opts.OnSuccess(p)
		}
		if s.opts.AutoCloseDelay > 0 {
			s.closeTimer = time.AfterFunc(s.opts.AutoCloseDelay, func() { s.autoClose(gen) })
		}
	case model.StatusCompletedWithErrors:
		outcome = "partial"
		s.state = StateDonePartial
		s.opts.Notifier.Notify(Notification{
			Level: LevelWarning,
			Key:   MsgCompletedWithErrors,
			Args:  []any{p.SuccessCount, p.FailureCount, p.DuplicateCount},
		})
		if s.opts.OnSuccess != nil {
			s.opts.OnSuccess(p)
		}
	default:
		outcome = "failed"
		s.state = StateDoneFailed
		s.opts.Notifier.Notify(Notification{Level: LevelError, Key: MsgFailed, Args: []any{p.Message}})
	}
	attemptsTotal.WithLabelValues(s.feature.Key, outcome).Inc()

	s.logger.Info("Загрузка завершена",
		slog.String("status", string(p.Status)),
		slog.Int("success", p.SuccessCount),
		slog.Int("failure", p.FailureCount),
		slog.Int("duplicate", p.DuplicateCount),
	)

	switch {
	case s.reportSent:
		return false
	case p.Status == model.StatusCompletedWithErrors:
	case p.Status == model.StatusFailed && p.HasErrors():
	default:
		return false
	}
	s.reportSent = true
	return true
}

// autoClose закрывает диалог, если с момента COMPLETED ничего не изменилось.
func (s *Session) autoClose(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateDoneSuccess {
		return
	}
	s.closeTimer = nil
	s.resetLocked()
	if s.opts.OnClose != nil {
		s.opts.OnClose()
	}
}

// fail переводит актуальную попытку в DoneFailed и уведомляет пользователя.
// Отменённая попытка завершается молча.
func (s *Session) fail(ctx context.Context, gen uint64, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return s.abandon(gen, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return fmt.Errorf("%w: %w", ErrSuperseded, err)
	}
	s.state = StateDoneFailed

	var rejected *RejectedError
	var outcome string
	switch {
	case errors.Is(err, ErrUnauthorized):
		outcome = "unauthorized"
		s.opts.Notifier.Notify(Notification{Level: LevelError, Key: MsgAuthRequired})
	case errors.As(err, &rejected):
		outcome = "rejected"
		s.opts.Notifier.Notify(Notification{Level: LevelError, Key: MsgRejected, Args: []any{rejected.Message}})
	case errors.Is(err, ErrIncompleteStream):
		outcome = "error"
		s.opts.Notifier.Notify(Notification{Level: LevelError, Key: MsgIncomplete})
	default:
		outcome = "error"
		s.opts.Notifier.Notify(Notification{Level: LevelError, Key: MsgNetworkError, Args: []any{err.Error()}})
	}
	attemptsTotal.WithLabelValues(s.feature.Key, outcome).Inc()
	s.logger.Warn("Загрузка не удалась", slog.String("error", err.Error()))
	return err
}

// abandon завершает отменённую попытку без уведомлений и колбэков.
// Если попытка всё ещё текущая (отменён контекст вызывающего), файл
// остаётся выбранным для повтора.
func (s *Session) abandon(gen uint64, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen {
		s.progress = nil
		if s.file != nil {
			s.state = StateFileSelected
		} else {
			s.state = StateIdle
		}
	}
	attemptsTotal.WithLabelValues(s.feature.Key, "superseded").Inc()
	s.logger.Debug("Попытка загрузки отменена", slog.Any("cause", cause))
	if errors.Is(cause, ErrSuperseded) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrSuperseded, cause)
}

// DownloadTemplate скачивает шаблон .xlsx для фичи.
func (s *Session) DownloadTemplate(ctx context.Context) (string, error) {
	return s.download(ctx, OpTemplate, func() ([]byte, error) {
		return DownloadTemplate(ctx, s.transport, s.feature)
	})
}

// Export скачивает выгрузку данных. Для POST-выгрузок filter уходит в теле
// запроса (nil: пустой фильтр), для GET игнорируется.
func (s *Session) Export(ctx context.Context, filter any) (string, error) {
	return s.download(ctx, OpExport, func() ([]byte, error) {
		return DownloadExport(ctx, s.transport, s.feature, filter)
	})
}

// DownloadErrorReport скачивает отчёт по последней записи прогресса.
// Ручной повтор разрешён всегда, одноразовый флаг касается только
// автоматического скачивания.
func (s *Session) DownloadErrorReport(ctx context.Context) (string, error) {
	p := s.Progress()
	if p == nil {
		return "", ErrNoProgress
	}
	return s.downloadErrorReport(ctx, p)
}

func (s *Session) downloadErrorReport(ctx context.Context, p *model.UploadProgress) (string, error) {
	return s.download(ctx, OpErrors, func() ([]byte, error) {
		data, _, err := DownloadErrorReport(ctx, s.transport, s.feature, p, s.logger)
		return data, err
	})
}

// download выполняет вспомогательное скачивание и сохраняет файл.
// Отменённое скачивание завершается без уведомления.
func (s *Session) download(ctx context.Context, op string, fetch func() ([]byte, error)) (string, error) {
	data, err := fetch()
	if err != nil {
		if ctx.Err() == nil {
			s.notifyDownloadFailed(err)
		}
		return "", err
	}

	filename := Filename(s.feature.Entity, op, s.opts.Now())
	return filename, s.save(ctx, filename, data)
}

func (s *Session) save(ctx context.Context, filename string, data []byte) error {
	if s.opts.Saver != nil {
		if err := s.opts.Saver.Save(ctx, filename, data); err != nil {
			s.notifyDownloadFailed(err)
			return err
		}
	}
	s.notify(Notification{Level: LevelSuccess, Key: MsgDownloadSaved, Args: []any{filename}})
	return nil
}

func (s *Session) notifyDownloadFailed(err error) {
	if errors.Is(err, ErrUnauthorized) {
		s.notify(Notification{Level: LevelError, Key: MsgAuthRequired})
		return
	}
	s.notify(Notification{Level: LevelError, Key: MsgDownloadFailed, Args: []any{err.Error()}})
}

func (s *Session) notify(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Notifier.Notify(n)
}
