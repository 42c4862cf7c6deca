package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

var validate = validator.New()

// validateInput проверяет struct-теги входных данных и сводит нарушения
// в одну ошибку VALIDATION вида "field:tag, field:tag".
func validateInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate %T: %w", in, err)
	}
	violations := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		violations = append(violations, fmt.Sprintf("%s:%s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return domain.Validationf("invalid input: %s", strings.Join(violations, ", "))
}
