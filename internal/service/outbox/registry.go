package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

// ErrNoHandler возвращается для события, тип которого никто не обрабатывает.
// Такое событие проходит обычный цикл повторов и попадает в FAILED.
var ErrNoHandler = errors.New("no handler registered for event type")

// Handler выполняет побочный эффект события.
// Обработчик обязан быть идемпотентным: событие может прийти повторно после сбоя воркера.
type Handler func(ctx context.Context, event domain.OutboxEvent) error

// Registry сопоставляет типам событий их обработчики.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.EventType]Handler
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.EventType]Handler)}
}

// Register назначает обработчик типу события, заменяя предыдущий.
func (r *Registry) Register(eventType domain.EventType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = handler
}

// Types возвращает зарегистрированные типы.
func (r *Registry) Types() []domain.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.EventType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Dispatch вызывает обработчик события. Паника обработчика превращается в ошибку.
func (r *Registry) Dispatch(ctx context.Context, event domain.OutboxEvent) (err error) {
	r.mu.RLock()
	handler, ok := r.handlers[event.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, event.Type)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler for %s panicked: %v", event.Type, recovered)
		}
	}()
	return handler(ctx, event)
}
