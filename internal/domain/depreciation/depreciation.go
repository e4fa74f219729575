// Пакет depreciation: расчёт амортизации и остаточной стоимости (WDV) активов.
// Период расчёта: финансовый год (по умолчанию с 1 апреля), первый и
// последний годы учитываются пропорционально числу дней использования.
package depreciation

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Method: метод начисления амортизации.
type Method string

const (
	// MethodWDV: метод уменьшаемого остатка (written-down value).
	MethodWDV Method = "WDV"
	// MethodSLM: линейный метод (straight-line).
	MethodSLM Method = "SLM"
)

// DefaultFYStartMonth: месяц начала финансового года по умолчанию.
const DefaultFYStartMonth = time.April

// Ошибки валидации входных данных.
var (
	ErrInvalidCapital  = errors.New("стоимость актива должна быть положительной")
	ErrInvalidResidual = errors.New("ликвидационная стоимость должна быть в диапазоне [0, стоимость)")
	ErrInvalidRate     = errors.New("ставка амортизации должна быть в диапазоне (0, 100]")
	ErrInvalidDates    = errors.New("дата ввода в эксплуатацию позже даты расчёта")
	ErrUnknownMethod   = errors.New("неизвестный метод амортизации")
)

// Asset: параметры актива для расчёта.
type Asset struct {
	CapitalValue  float64
	ResidualValue float64
	RatePercent   float64
	Method        Method
	PutToUseDate  time.Time
	// FYStartMonth: месяц начала финансового года (0 = апрель).
	FYStartMonth time.Month
}

// YearRow: строка графика амортизации за один финансовый год.
type YearRow struct {
	FinancialYear string    `json:"financialYear"`
	PeriodStart   time.Time `json:"periodStart"`
	PeriodEnd     time.Time `json:"periodEnd"`
	DaysUsed      int       `json:"daysUsed"`
	DaysInYear    int       `json:"daysInYear"`
	Opening       float64   `json:"opening"`
	Depreciation  float64   `json:"depreciation"`
	Closing       float64   `json:"closing"`
}

// Schedule: полный график амортизации на дату расчёта.
type Schedule struct {
	Method                  Method    `json:"method"`
	AsOf                    time.Time `json:"asOf"`
	CapitalValue            float64   `json:"capitalValue"`
	WrittenDownValue        float64   `json:"writtenDownValue"`
	AccumulatedDepreciation float64   `json:"accumulatedDepreciation"`
	Rows                    []YearRow `json:"rows"`
}

// Validate проверяет параметры актива.
func (a Asset) Validate() error {
	if a.CapitalValue <= 0 {
		return ErrInvalidCapital
	}
	if a.ResidualValue < 0 || a.ResidualValue >= a.CapitalValue {
		return ErrInvalidResidual
	}
	if a.RatePercent <= 0 || a.RatePercent > 100 {
		return ErrInvalidRate
	}
	switch a.Method {
	case MethodWDV, MethodSLM:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMethod, a.Method)
	}
	return nil
}

// Calculate строит график амортизации от даты ввода до asOf включительно.
func Calculate(a Asset, asOf time.Time) (*Schedule, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	start := truncateDay(a.PutToUseDate)
	end := truncateDay(asOf)
	if start.After(end) {
		return nil, ErrInvalidDates
	}

	month := a.FYStartMonth
	if month == 0 {
		month = DefaultFYStartMonth
	}

	sched := &Schedule{
		Method:       a.Method,
		AsOf:         end,
		CapitalValue: round2(a.CapitalValue),
	}

	value := a.CapitalValue
	for fyStart := fiscalYearStart(start, month); !fyStart.After(end); fyStart = fyStart.AddDate(1, 0, 0) {
		fyEnd := fyStart.AddDate(1, 0, -1)

		periodStart := maxTime(fyStart, start)
		periodEnd := minTime(fyEnd, end)

		row := YearRow{
			FinancialYear: fiscalYearLabel(fyStart),
			PeriodStart:   periodStart,
			PeriodEnd:     periodEnd,
			DaysUsed:      daysBetween(periodStart, periodEnd),
			DaysInYear:    daysBetween(fyStart, fyEnd),
			Opening:       round2(value),
		}

		dep := yearDepreciation(a, value) * float64(row.DaysUsed) / float64(row.DaysInYear)
		// Остаточная стоимость не опускается ниже ликвидационной.
		if value-dep < a.ResidualValue {
			dep = value - a.ResidualValue
		}
		value -= dep

		row.Depreciation = round2(dep)
		row.Closing = round2(value)
		sched.Rows = append(sched.Rows, row)
	}

	sched.WrittenDownValue = round2(value)
	sched.AccumulatedDepreciation = round2(a.CapitalValue - value)
	return sched, nil
}

// WrittenDownValue возвращает остаточную стоимость актива на дату.
func WrittenDownValue(a Asset, asOf time.Time) (float64, error) {
	sched, err := Calculate(a, asOf)
	if err != nil {
		return 0, err
	}
	return sched.WrittenDownValue, nil
}

// yearDepreciation: амортизация за полный год при текущей стоимости value.
func yearDepreciation(a Asset, value float64) float64 {
	rate := a.RatePercent / 100
	if a.Method == MethodSLM {
		return (a.CapitalValue - a.ResidualValue) * rate
	}
	return value * rate
}

// fiscalYearStart возвращает начало финансового года, содержащего дату.
func fiscalYearStart(d time.Time, month time.Month) time.Time {
	year := d.Year()
	if d.Month() < month {
		year--
	}
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

// fiscalYearLabel: "2024-25" или "2024" для календарного года.
func fiscalYearLabel(fyStart time.Time) string {
	if fyStart.Month() == time.January {
		return fmt.Sprintf("%d", fyStart.Year())
	}
	return fmt.Sprintf("%d-%02d", fyStart.Year(), (fyStart.Year()+1)%100)
}

// daysBetween: число дней между датами включительно.
func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours()/24) + 1
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
