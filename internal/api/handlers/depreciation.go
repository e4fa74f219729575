// depreciation.go: калькулятор графика амортизации.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/bigkaa/asset-console/internal/api/errors"
	"github.com/bigkaa/asset-console/internal/domain/depreciation"
)

const dateLayout = "2006-01-02"

// scheduleRequest: тело POST /api/v1/depreciation/schedule.
type scheduleRequest struct {
	CapitalValue  float64 `json:"capitalValue" validate:"gt=0"`
	ResidualValue float64 `json:"residualValue" validate:"gte=0,ltfield=CapitalValue"`
	RatePercent   float64 `json:"ratePercent" validate:"gt=0,lte=100"`
	Method        string  `json:"method" validate:"required,oneof=WDV SLM"`
	PutToUseDate  string  `json:"putToUseDate" validate:"required,datetime=2006-01-02"`
	AsOfDate      string  `json:"asOfDate" validate:"omitempty,datetime=2006-01-02"`
	FYStartMonth  int     `json:"fyStartMonth" validate:"omitempty,min=1,max=12"`
}

// newValidator создаёт валидатор, сообщающий JSON-имена полей.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DepreciationSchedule: POST /api/v1/depreciation/schedule.
// Без asOfDate расчёт ведётся на текущую дату.
func (h *APIHandler) DepreciationSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, h.bundle.T(r.Context(), "error.invalid_json"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apierrors.ValidationError(w, h.bundle.T(r.Context(), "error.invalid_fields", validationDetails(err)))
		return
	}

	putToUse, _ := time.Parse(dateLayout, req.PutToUseDate)
	asOf := h.now().UTC()
	if req.AsOfDate != "" {
		asOf, _ = time.Parse(dateLayout, req.AsOfDate)
	}

	sched, err := depreciation.Calculate(depreciation.Asset{
		CapitalValue:  req.CapitalValue,
		ResidualValue: req.ResidualValue,
		RatePercent:   req.RatePercent,
		Method:        depreciation.Method(req.Method),
		PutToUseDate:  putToUse,
		FYStartMonth:  time.Month(req.FYStartMonth),
	}, asOf)
	if err != nil {
		apierrors.ValidationError(w, h.validationMessage(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// validationDetails собирает ошибки валидатора в одну строку
// вида "capitalValue: gt=0; method: oneof=WDV SLM".
func validationDetails(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), rule))
	}
	return strings.Join(parts, "; ")
}
