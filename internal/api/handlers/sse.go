// sse.go: трансляция событий загрузки в браузер (text/event-stream).
// Формат: event: <kind>\ndata: {json}\n\n
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bigkaa/asset-console/internal/domain/model"
	"github.com/bigkaa/asset-console/internal/i18n"
	"github.com/bigkaa/asset-console/internal/service"
)

// sseRelay пишет события попытки в ответ. Заголовки SSE отправляются при
// первом событии: до него обработчик ещё может ответить JSON-ошибкой.
type sseRelay struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	bundle   *i18n.Bundle
	lang     string
	filename string
	started  bool
	logger   *slog.Logger
}

type startedEvent struct {
	AttemptID string `json:"attemptId"`
	Feature   string `json:"feature"`
	Filename  string `json:"filename"`
	Rows      int    `json:"rows"`
}

type notificationEvent struct {
	Level   string `json:"level"`
	Key     string `json:"key"`
	Message string `json:"message"`
}

type invalidateEvent struct {
	Feature string `json:"feature"`
}

type reportEvent struct {
	AttemptID string `json:"attemptId"`
	Filename  string `json:"filename"`
	URL       string `json:"url"`
}

type doneEvent struct {
	AttemptID string             `json:"attemptId"`
	State     string             `json:"state"`
	Status    model.UploadStatus `json:"status,omitempty"`
}

func newSSERelay(w http.ResponseWriter, bundle *i18n.Bundle, lang, filename string, logger *slog.Logger) *sseRelay {
	return &sseRelay{
		w:        w,
		rc:       http.NewResponseController(w),
		bundle:   bundle,
		lang:     lang,
		filename: filename,
		logger:   logger,
	}
}

// Started: были ли отправлены заголовки потока.
func (s *sseRelay) Started() bool {
	return s.started
}

// Emit отправляет одно событие. Вызывается из одной горутины.
func (s *sseRelay) Emit(ev service.UploadEvent) {
	var payload any
	switch ev.Kind {
	case service.EventStarted:
		payload = startedEvent{AttemptID: ev.AttemptID, Feature: ev.Feature, Filename: s.filename, Rows: ev.Rows}
	case service.EventProgress:
		payload = ev.Progress
	case service.EventNotification:
		n := ev.Notification
		payload = notificationEvent{
			Level:   string(n.Level),
			Key:     n.Key,
			Message: s.bundle.Translatef(s.lang, n.Key, n.Args...),
		}
	case service.EventInvalidate:
		payload = invalidateEvent{Feature: ev.Feature}
	case service.EventReport:
		payload = reportEvent{
			AttemptID: ev.AttemptID,
			Filename:  ev.ReportFilename,
			URL:       "/api/v1/bulk-uploads/" + ev.AttemptID + "/error-report",
		}
	case service.EventDone:
		d := doneEvent{AttemptID: ev.AttemptID, State: ev.State.String()}
		if ev.Progress != nil {
			d.Status = ev.Progress.Status
		}
		payload = d
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Ошибка сериализации события загрузки",
			slog.String("event", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.start()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	_ = s.rc.Flush()
}

// start отправляет заголовки SSE.
func (s *sseRelay) start() {
	if s.started {
		return
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Отключаем буферизацию Nginx
	// Поток длится до итогового статуса, WriteTimeout сервера к нему не применяется.
	_ = s.rc.SetWriteDeadline(time.Time{})
	s.w.WriteHeader(http.StatusOK)
}
