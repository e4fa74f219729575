// report.go: локальная работа с .xlsx. Отчёт об ошибках строк, если
// эндпоинт backend недоступен, и подсчёт строк загружаемого файла.
package bulkupload

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/bigkaa/asset-console/internal/domain/model"
)

const (
	errorsSheet  = "Errors"
	summarySheet = "Summary"
)

// errorHeaders: заголовки листа Errors.
var errorHeaders = []any{"Row", "Field", "Error", "Rejected value", "Type"}

// RenderErrorReport строит .xlsx с ошибками строк и сводкой по загрузке.
func RenderErrorReport(p *model.UploadProgress) ([]byte, error) {
	if p == nil {
		return nil, ErrNoProgress
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", errorsSheet); err != nil {
		return nil, fmt.Errorf("переименование листа: %w", err)
	}
	if err := f.SetSheetRow(errorsSheet, "A1", &errorHeaders); err != nil {
		return nil, fmt.Errorf("заголовки отчёта: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("стиль заголовков: %w", err)
	}
	if err := f.SetCellStyle(errorsSheet, "A1", "E1", bold); err != nil {
		return nil, fmt.Errorf("стиль заголовков: %w", err)
	}

	for i, e := range p.Errors {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := []any{e.RowNumber, e.FieldName, e.ErrorMessage, rejectedCell(e.RejectedValue), string(e.ErrorType)}
		if err := f.SetSheetRow(errorsSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("строка отчёта %d: %w", i+2, err)
		}
	}
	_ = f.SetColWidth(errorsSheet, "B", "B", 20)
	_ = f.SetColWidth(errorsSheet, "C", "C", 48)
	_ = f.SetColWidth(errorsSheet, "D", "D", 24)

	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("лист сводки: %w", err)
	}
	summary := [][]any{
		{"Status", string(p.Status)},
		{"Message", p.Message},
		{"Total", p.TotalRecords},
		{"Processed", p.ProcessedRecords},
		{"Success", p.SuccessCount},
		{"Failed", p.FailureCount},
		{"Duplicates", p.DuplicateCount},
		{"Skipped", p.SkippedCount},
		{"Timestamp", p.Timestamp},
	}
	for i, row := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return nil, fmt.Errorf("строка сводки: %w", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("сериализация отчёта: %w", err)
	}
	return buf.Bytes(), nil
}

// rejectedCell приводит отклонённое значение к виду ячейки.
// JSON-числа приходят как float64, целые пишутся без дробной части.
func rejectedCell(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string, bool:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// CountRows возвращает число строк данных первого листа без заголовка.
// Счёт нужен только для отображения: книга из одного заголовка даёт 0,
// ошибка означает, что файл не читается как .xlsx. Решение о приёме
// файла принимает backend.
func CountRows(content []byte) (int, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return 0, fmt.Errorf("чтение .xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return 0, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return 0, fmt.Errorf("чтение листа %s: %w", sheets[0], err)
	}
	if len(rows) <= 1 {
		return 0, nil
	}
	return len(rows) - 1, nil
}
