// reports.go: хранилище итоговых записей загрузок и отчётов об ошибках.
// Консоль не хранит файлы на диске: отчёт живёт в памяти до истечения TTL,
// браузер скачивает его по ссылке из SSE-события report.
package service

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bigkaa/asset-console/internal/domain/model"
)

// StoredReport: итог попытки загрузки и (если уже получен) файл отчёта.
type StoredReport struct {
	AttemptID string
	Feature   string
	Username  string
	Progress  *model.UploadProgress
	Filename  string
	Data      []byte
}

// HasFile: true, если файл отчёта уже получен.
func (r *StoredReport) HasFile() bool {
	return len(r.Data) > 0
}

// ReportStore: LRU с TTL, ключом служит ID попытки.
type ReportStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, *StoredReport]
}

// NewReportStore создаёт хранилище (AC_REPORT_CACHE_SIZE, AC_REPORT_CACHE_TTL).
func NewReportStore(size int, ttl time.Duration) *ReportStore {
	return &ReportStore{
		cache: expirable.NewLRU[string, *StoredReport](size, nil, ttl),
	}
}

// PutProgress сохраняет итоговую запись попытки. Ранее полученный файл
// отчёта сохраняется.
func (s *ReportStore) PutProgress(attemptID, feature, username string, p *model.UploadProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.entryLocked(attemptID)
	r.Feature = feature
	r.Username = username
	r.Progress = p
	s.cache.Add(attemptID, r)
}

// PutFile сохраняет файл отчёта попытки.
func (s *ReportStore) PutFile(attemptID, filename string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.entryLocked(attemptID)
	r.Filename = filename
	r.Data = data
	s.cache.Add(attemptID, r)
}

// Get возвращает копию записи.
func (s *ReportStore) Get(attemptID string) (StoredReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.cache.Get(attemptID)
	if !ok {
		return StoredReport{}, false
	}
	return *r, true
}

// Len: количество записей.
func (s *ReportStore) Len() int {
	return s.cache.Len()
}

func (s *ReportStore) entryLocked(attemptID string) *StoredReport {
	if r, ok := s.cache.Peek(attemptID); ok {
		cp := *r
		return &cp
	}
	return &StoredReport{AttemptID: attemptID}
}
