package bulkupload

import (
	"fmt"
	"strings"
	"time"
)

// Операции в именах скачиваемых файлов.
const (
	OpTemplate = "Template"
	OpExport   = "Export"
	OpErrors   = "Errors"
)

// Filename формирует имя файла <Entity>_<Operation>_<ISO-дата без двоеточий>.xlsx.
// Пример: Site_Errors_2026-10-19T101530Z.xlsx.
func Filename(entity, operation string, now time.Time) string {
	ts := strings.ReplaceAll(now.UTC().Format("2006-01-02T15:04:05Z"), ":", "")
	return fmt.Sprintf("%s_%s_%s.xlsx", entity, operation, ts)
}
