// metrics.go: Prometheus-метрики массовой загрузки.
package bulkupload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// attemptsTotal: завершённые попытки загрузки по фиче и исходу.
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ac_bulk_upload_attempts_total",
		Help: "Количество попыток массовой загрузки по исходу",
	}, []string{"feature", "outcome"}) // outcome: completed, partial, failed, rejected, unauthorized, error, superseded

	// attemptDuration: длительность попытки от запроса до терминального статуса.
	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ac_bulk_upload_duration_seconds",
		Help:    "Длительность попытки массовой загрузки в секундах",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"feature"})

	// framesTotal: кадры SSE-потока, decoded или skipped.
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ac_bulk_upload_frames_total",
		Help: "Количество кадров SSE-потока прогресса",
	}, []string{"result"})

	// downloadsTotal: вспомогательные скачивания по операции и статусу.
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ac_bulk_downloads_total",
		Help: "Количество скачиваний шаблонов, выгрузок и отчётов об ошибках",
	}, []string{"operation", "status"})
)
