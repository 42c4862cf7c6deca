package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound возвращается, если сущность отсутствует или скрыта soft delete.
	ErrNotFound = errors.New("not found")
	// ErrValidation - входные данные нарушают бизнес-ограничения.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock - списание больше доступного остатка.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidStatusTransition - недопустимый переход статуса документа.
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	// ErrDuplicateInvoice - для заказа уже выставлен счёт.
	ErrDuplicateInvoice = errors.New("invoice already exists for order")
	// ErrOrganizationMismatch - строка принадлежит другой организации.
	ErrOrganizationMismatch = errors.New("organization mismatch")
	// ErrUnauthorized - вызывающий не аутентифицирован.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden - у вызывающего нет прав на операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrRetryable - таймаут ожидания блокировки, таймаут транзакции или deadlock; операцию можно повторить.
	ErrRetryable = errors.New("transaction aborted, retry")
	// ErrInternal - непредвиденная ошибка инфраструктуры.
	ErrInternal = errors.New("internal error")
)

// ErrorKind классифицирует ошибки для транспортного слоя.
type ErrorKind string

const (
	KindNotFound                ErrorKind = "NOT_FOUND"
	KindValidation              ErrorKind = "VALIDATION"
	KindInsufficientStock       ErrorKind = "INSUFFICIENT_STOCK"
	KindInvalidStatusTransition ErrorKind = "INVALID_STATUS_TRANSITION"
	KindDuplicateInvoice        ErrorKind = "DUPLICATE_INVOICE"
	KindOrganizationMismatch    ErrorKind = "ORGANIZATION_MISMATCH"
	KindUnauthorized            ErrorKind = "UNAUTHORIZED"
	KindForbidden               ErrorKind = "FORBIDDEN"
	KindRetryable               ErrorKind = "RETRYABLE"
	KindInternal                ErrorKind = "INTERNAL"
)

// InsufficientStockError несёт детали нехватки остатка.
type InsufficientStockError struct {
	SKU       string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.SKU, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// InvalidStatusTransitionError несёт текущий и целевой статус.
type InvalidStatusTransitionError struct {
	Current DocumentStatus
	Target  DocumentStatus
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.Current, e.Target)
}

func (e *InvalidStatusTransitionError) Unwrap() error { return ErrInvalidStatusTransition }

// Validationf оборачивает ErrValidation с пояснением.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf оборачивает ErrNotFound с пояснением.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

var kindOrder = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInsufficientStock, KindInsufficientStock},
	{ErrInvalidStatusTransition, KindInvalidStatusTransition},
	{ErrDuplicateInvoice, KindDuplicateInvoice},
	{ErrOrganizationMismatch, KindOrganizationMismatch},
	{ErrNotFound, KindNotFound},
	{ErrValidation, KindValidation},
	{ErrUnauthorized, KindUnauthorized},
	{ErrForbidden, KindForbidden},
	{ErrRetryable, KindRetryable},
}

// KindOf возвращает категорию ошибки; всё нераспознанное считается INTERNAL.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, candidate := range kindOrder {
		if errors.Is(err, candidate.err) {
			return candidate.kind
		}
	}
	return KindInternal
}

// PublicMessage возвращает текст, безопасный для клиента.
// Детали INTERNAL-ошибок наружу не уходят.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if KindOf(err) == KindInternal {
		return ErrInternal.Error()
	}
	return err.Error()
}

// IsRetryable проверяет, можно ли повторить операцию.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}
