// Пакет service: бизнес-логика Asset Console.
// uploads.go: оркестрация массовой загрузки для браузера. Одна сессия
// bulkupload на HTTP-запрос, события сессии ретранслируются вызывающему,
// итог попытки пишется в историю.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/asset-console/internal/bulkupload"
	"github.com/bigkaa/asset-console/internal/domain/model"
	"github.com/bigkaa/asset-console/internal/domain/permission"
	"github.com/bigkaa/asset-console/internal/repository"
)

// staleAfter: попытка в PROCESSING дольше этого считается прерванной.
const staleAfter = 6 * time.Hour

// historyTimeout: таймаут записи итога попытки после отключения браузера.
const historyTimeout = 5 * time.Second

// Сообщения истории для попыток без терминальной записи.
const (
	msgCancelled   = "загрузка отменена"
	msgInterrupted = "загрузка прервана перезапуском консоли"
)

// EventKind: тип события загрузки для браузера.
type EventKind string

const (
	// EventStarted: попытка создана, AttemptID известен.
	EventStarted EventKind = "started"
	// EventProgress: очередная запись прогресса.
	EventProgress EventKind = "progress"
	// EventNotification: уведомление пользователю (toast).
	EventNotification EventKind = "notification"
	// EventInvalidate: данные фичи изменились, списки нужно перечитать.
	EventInvalidate EventKind = "invalidate"
	// EventReport: отчёт об ошибках готов к скачиванию.
	EventReport EventKind = "report"
	// EventDone: попытка завершена, событий больше не будет.
	EventDone EventKind = "done"
)

// UploadEvent: событие попытки загрузки. Заполнены поля, соответствующие Kind.
type UploadEvent struct {
	Kind         EventKind
	AttemptID    string
	Feature      string
	Progress     *model.UploadProgress
	Notification *bulkupload.Notification
	// ReportFilename: имя файла отчёта (EventReport).
	ReportFilename string
	// State: итоговое состояние сессии (EventDone).
	State bulkupload.State
	// Rows: число строк данных в файле (EventStarted).
	Rows int
}

// UploadRequest: параметры загрузки от пользователя.
type UploadRequest struct {
	Feature  string
	Filename string
	Content  []byte
	Username string
	// Token: bearer-токен пользователя для backend.
	Token string
}

// UploadResult: итог попытки.
type UploadResult struct {
	AttemptID string
	Progress  *model.UploadProgress
	State     bulkupload.State
	Rows      int
}

// FeatureView: фича каталога с правами текущего пользователя.
type FeatureView struct {
	Key          string `json:"key"`
	Entity       string `json:"entity"`
	Scope        string `json:"scope"`
	HasTemplate  bool   `json:"hasTemplate"`
	HasExport    bool   `json:"hasExport"`
	ExportMethod string `json:"exportMethod"`
	AutoCloseMs  int64  `json:"autoCloseMs"`
	CanImport    bool   `json:"canImport"`
	CanExport    bool   `json:"canExport"`
}

// HistoryQuery: фильтры истории загрузок.
type HistoryQuery struct {
	Feature string
	Status  model.UploadStatus
	Limit   int
	Offset  int
}

// ProfileInvalidator сбрасывает закэшированный профиль владельца токена
// (backend.CachedProfiles).
type ProfileInvalidator interface {
	Invalidate(token string)
}

// UploadService: сервис массовой загрузки консоли.
type UploadService struct {
	catalog  *bulkupload.Catalog
	client   *bulkupload.Client
	attempts repository.UploadAttemptRepository
	reports  *ReportStore
	profiles ProfileInvalidator
	now      func() time.Time
	logger   *slog.Logger
}

// NewUploadService создаёт сервис.
// client: транспорт backend без токена, токен подставляется на каждый запрос.
// attempts может быть nil: история загрузок не ведётся.
// profiles может быть nil. Иначе профиль сбрасывается, когда backend
// отвечает 401 на запрос с токеном пользователя.
func NewUploadService(
	catalog *bulkupload.Catalog,
	client *bulkupload.Client,
	attempts repository.UploadAttemptRepository,
	reports *ReportStore,
	profiles ProfileInvalidator,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		catalog:  catalog,
		client:   client,
		attempts: attempts,
		reports:  reports,
		profiles: profiles,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "upload_service")),
	}
}

// Feature возвращает фичу каталога или ErrFeatureNotFound.
func (s *UploadService) Feature(key string) (bulkupload.Feature, error) {
	f, ok := s.catalog.Get(key)
	if !ok {
		return bulkupload.Feature{}, fmt.Errorf("%w: %s", ErrFeatureNotFound, key)
	}
	return f, nil
}

// Features возвращает каталог с флагами прав пользователя.
// Фичи без прав на импорт и экспорт не показываются.
func (s *UploadService) Features(ev *permission.Evaluator) []FeatureView {
	var out []FeatureView
	for _, f := range s.catalog.All() {
		v := FeatureView{
			Key:          f.Key,
			Entity:       f.Entity,
			Scope:        f.Scope,
			HasTemplate:  f.TemplatePath != "",
			HasExport:    f.ExportPath != "",
			ExportMethod: f.ExportMethod,
			AutoCloseMs:  f.AutoCloseDelay.Milliseconds(),
			CanImport:    ev.Allows(f.ImportRequirement()),
			CanExport:    ev.Allows(f.ExportRequirement()),
		}
		if v.CanImport || v.CanExport {
			out = append(out, v)
		}
	}
	return out
}

// transport возвращает клиент backend с токеном пользователя.
func (s *UploadService) transport(token string) *bulkupload.Client {
	return s.client.WithTokenProvider(func(context.Context) (string, error) {
		return token, nil
	})
}

// checkAuth сбрасывает профиль из кэша, если backend отклонил токен.
// Следующий запрос пользователя заново проверит токен через /api/auth/me.
func (s *UploadService) checkAuth(token string, err error) error {
	if s.profiles != nil && token != "" && errors.Is(err, bulkupload.ErrUnauthorized) {
		s.profiles.Invalidate(token)
		s.logger.Debug("Профиль сброшен из кэша после 401 backend")
	}
	return err
}

// Upload выполняет одну попытку загрузки и вызывает emit для каждого события.
// Ошибки валидации (фича, расширение файла) возвращаются до первого
// события, содержимое файла проверяет backend. Ошибки backend доставляются
// событием notification, Upload в этом случае возвращает результат
// со State = DoneFailed и ошибку.
// emit вызывается последовательно из одной горутины.
func (s *UploadService) Upload(ctx context.Context, req UploadRequest, emit func(UploadEvent)) (*UploadResult, error) {
	feature, err := s.Feature(req.Feature)
	if err != nil {
		return nil, err
	}
	if !bulkupload.IsExcelFile(req.Filename) {
		return nil, fmt.Errorf("%w: %w", ErrValidation, bulkupload.ErrInvalidFileType)
	}
	rows, err := bulkupload.CountRows(req.Content)
	if err != nil {
		s.logger.Debug("Строки файла не подсчитаны",
			slog.String("filename", req.Filename),
			slog.String("error", err.Error()),
		)
	}

	attempt := &model.UploadAttempt{
		ID:       uuid.NewString(),
		Feature:  feature.Key,
		Filename: req.Filename,
		Username: req.Username,
	}
	logger := s.logger.With(
		slog.String("attempt_id", attempt.ID),
		slog.String("feature", feature.Key),
		slog.String("username", req.Username),
	)
	if s.attempts != nil {
		if err := s.attempts.Create(ctx, attempt); err != nil {
			logger.Warn("Попытка не записана в историю", slog.String("error", err.Error()))
		}
	}

	event := func(e UploadEvent) {
		e.AttemptID = attempt.ID
		e.Feature = feature.Key
		emit(e)
	}
	event(UploadEvent{Kind: EventStarted, Rows: rows})

	session := bulkupload.NewSession(feature, s.transport(req.Token), bulkupload.Options{
		Notifier: bulkupload.NotifierFunc(func(n bulkupload.Notification) {
			event(UploadEvent{Kind: EventNotification, Notification: &n})
		}),
		OnProgress: func(p *model.UploadProgress) {
			event(UploadEvent{Kind: EventProgress, Progress: p})
		},
		OnSuccess: func(*model.UploadProgress) {
			event(UploadEvent{Kind: EventInvalidate})
		},
		Saver: bulkupload.SaverFunc(func(_ context.Context, filename string, data []byte) error {
			s.reports.PutFile(attempt.ID, filename, data)
			event(UploadEvent{Kind: EventReport, ReportFilename: filename})
			return nil
		}),
		Now:    s.now,
		Logger: logger,
	})

	if err := session.SelectFile(req.Filename, req.Content); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	logger.Info("Загрузка файла", slog.String("filename", req.Filename), slog.Int("rows", rows))
	last, uploadErr := session.Upload(ctx)
	uploadErr = s.checkAuth(req.Token, uploadErr)

	result := &UploadResult{
		AttemptID: attempt.ID,
		Progress:  last,
		State:     session.State(),
		Rows:      rows,
	}
	if last.IsTerminal() {
		s.reports.PutProgress(attempt.ID, feature.Key, req.Username, last)
	}

	switch {
	case uploadErr == nil:
		attempt.ApplyProgress(last)
	case errors.Is(uploadErr, bulkupload.ErrSuperseded):
		attempt.ApplyProgress(last)
		attempt.Status = model.StatusFailed
		attempt.Message = msgCancelled
	default:
		attempt.ApplyProgress(last)
		attempt.Status = model.StatusFailed
		attempt.Message = uploadErr.Error()
	}
	s.finishAttempt(ctx, attempt, logger)

	event(UploadEvent{Kind: EventDone, Progress: last, State: result.State})
	return result, uploadErr
}

// finishAttempt записывает итог попытки. Браузер мог уже отключиться,
// поэтому отмена запроса не прерывает запись.
func (s *UploadService) finishAttempt(ctx context.Context, a *model.UploadAttempt, logger *slog.Logger) {
	if s.attempts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()

	if err := s.attempts.Finish(ctx, a); err != nil {
		logger.Warn("Итог попытки не записан в историю", slog.String("error", err.Error()))
	}
}

// Template скачивает шаблон фичи. Возвращает имя файла и содержимое.
func (s *UploadService) Template(ctx context.Context, key, token string) (string, []byte, error) {
	f, err := s.Feature(key)
	if err != nil {
		return "", nil, err
	}
	data, err := bulkupload.DownloadTemplate(ctx, s.transport(token), f)
	if err != nil {
		return "", nil, s.checkAuth(token, err)
	}
	return bulkupload.Filename(f.Entity, bulkupload.OpTemplate, s.now()), data, nil
}

// Export скачивает выгрузку данных фичи. filter: JSON-фильтр для POST-выгрузок.
func (s *UploadService) Export(ctx context.Context, key, token string, filter any) (string, []byte, error) {
	f, err := s.Feature(key)
	if err != nil {
		return "", nil, err
	}
	data, err := bulkupload.DownloadExport(ctx, s.transport(token), f, filter)
	if err != nil {
		return "", nil, s.checkAuth(token, err)
	}
	return bulkupload.Filename(f.Entity, bulkupload.OpExport, s.now()), data, nil
}

// ErrorReport строит отчёт об ошибках по записи прогресса, присланной
// браузером. local равно true, если отчёт построен консолью.
func (s *UploadService) ErrorReport(ctx context.Context, key, token string, p *model.UploadProgress) (filename string, data []byte, local bool, err error) {
	f, err := s.Feature(key)
	if err != nil {
		return "", nil, false, err
	}
	if p == nil || p.Status == "" {
		return "", nil, false, fmt.Errorf("%w: %w", ErrValidation, bulkupload.ErrNoProgress)
	}
	data, local, err = bulkupload.DownloadErrorReport(ctx, s.transport(token), f, p, s.logger)
	if err != nil {
		return "", nil, false, s.checkAuth(token, err)
	}
	return bulkupload.Filename(f.Entity, bulkupload.OpErrors, s.now()), data, local, nil
}

// StoredReport возвращает отчёт попытки из хранилища. Если файл ещё не
// получен (попытка без автоматического отчёта), отчёт запрашивается по
// сохранённой записи прогресса. Чужие попытки видит только администратор.
func (s *UploadService) StoredReport(ctx context.Context, attemptID, token string, ev *permission.Evaluator) (string, []byte, error) {
	r, ok := s.reports.Get(attemptID)
	if !ok {
		return "", nil, ErrAttemptNotFound
	}
	if !s.canSee(ev, r.Username) {
		return "", nil, ErrAttemptNotFound
	}
	if r.HasFile() {
		return r.Filename, r.Data, nil
	}

	filename, data, _, err := s.ErrorReport(ctx, r.Feature, token, r.Progress)
	if err != nil {
		return "", nil, err
	}
	s.reports.PutFile(attemptID, filename, data)
	return filename, data, nil
}

// History возвращает историю загрузок. Администратор видит все попытки,
// остальные: свои и только по фичам, где есть право импорта.
func (s *UploadService) History(ctx context.Context, ev *permission.Evaluator, q HistoryQuery) ([]*model.UploadAttempt, int, error) {
	if s.attempts == nil {
		return nil, 0, nil
	}
	filter := repository.AttemptFilter{
		Status: q.Status,
		Limit:  q.Limit,
		Offset: q.Offset,
	}
	if q.Feature != "" {
		f, err := s.Feature(q.Feature)
		if err != nil {
			return nil, 0, err
		}
		if !ev.Allows(f.ImportRequirement()) {
			return nil, 0, ErrForbidden
		}
		filter.Features = []string{f.Key}
	}

	if !ev.IsAdmin() {
		user := ev.User()
		if user == nil {
			return nil, 0, ErrForbidden
		}
		filter.Username = user.Username
		if len(filter.Features) == 0 {
			filter.Features = s.importable(ev)
			if len(filter.Features) == 0 {
				return nil, 0, ErrForbidden
			}
		}
	}

	items, total, err := s.attempts.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("история загрузок: %w", err)
	}
	return items, total, nil
}

// Attempt возвращает попытку из истории.
func (s *UploadService) Attempt(ctx context.Context, id string, ev *permission.Evaluator) (*model.UploadAttempt, error) {
	if s.attempts == nil {
		return nil, ErrAttemptNotFound
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrAttemptNotFound
	}
	a, err := s.attempts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("попытка %s: %w", id, err)
	}
	if !s.canSee(ev, a.Username) {
		return nil, ErrAttemptNotFound
	}
	return a, nil
}

// RecoverStale закрывает попытки, оставшиеся в PROCESSING после
// аварийной остановки консоли.
func (s *UploadService) RecoverStale(ctx context.Context) (int64, error) {
	if s.attempts == nil {
		return 0, nil
	}
	n, err := s.attempts.FailStale(ctx, s.now().Add(-staleAfter), msgInterrupted)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("Зависшие попытки закрыты", slog.Int64("count", n))
	}
	return n, nil
}

func (s *UploadService) canSee(ev *permission.Evaluator, owner string) bool {
	if ev.IsAdmin() {
		return true
	}
	user := ev.User()
	return user != nil && user.Username == owner
}

// importable: ключи фич, на импорт которых у пользователя есть право.
func (s *UploadService) importable(ev *permission.Evaluator) []string {
	var keys []string
	for _, f := range s.catalog.All() {
		if ev.Allows(f.ImportRequirement()) {
			keys = append(keys, f.Key)
		}
	}
	return keys
}
