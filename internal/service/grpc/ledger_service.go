package grpcsvc

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/erp-ledger/internal/audit"
	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/catalog"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/documents"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/invoices"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/ledger"
)

// Services - прикладные сервисы, которые выставляет API.
type Services struct {
	Catalog   *catalog.Service
	Stock     *ledger.Service
	Documents *documents.Service
	Invoices  *invoices.Service
}

// LedgerServer реализует gRPC API складского журнала.
// Каждый вызов проверяет вызывающего, роль и пишет запись аудита.
type LedgerServer struct {
	svc    Services
	audit  audit.Logger
	logger *log.Entry
	now    func() time.Time
}

// NewLedgerServer конструирует сервер с зависимостями.
func NewLedgerServer(svc Services, auditLogger audit.Logger, logger *log.Entry) *LedgerServer {
	if logger == nil {
		logger = log.WithField("component", "ledger-grpc")
	}
	if auditLogger == nil {
		auditLogger = audit.NewLogrusLogger(logger.WithField("layer", "audit"))
	}
	return &LedgerServer{svc: svc, audit: auditLogger, logger: logger, now: time.Now}
}

type access int

const (
	accessRead access = iota
	accessMutate
	accessAdmin
)

type operation struct {
	name     string
	resource string
	access   access
}

// handle выполняет общий конвейер вызова: вызывающий, права, разбор запроса, аудит, ответ.
func handle[Req any](
	s *LedgerServer,
	ctx context.Context,
	in *structpb.Struct,
	op operation,
	fn func(ctx context.Context, actor domain.Actor, req Req) (any, string, error),
) (*structpb.Struct, error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	var (
		resp       any
		resourceID string
	)
	err = authorize(actor, op.access)
	if err == nil {
		var req Req
		if err = decodeRequest(in, &req); err == nil {
			resp, resourceID, err = fn(ctx, actor, req)
		}
	}
	s.record(ctx, actor, op, resourceID, err)

	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			s.logger.WithError(err).WithField("method", op.name).Error("request failed")
		}
		return nil, toStatus(err)
	}

	out, err := encodeResponse(resp)
	if err != nil {
		s.logger.WithError(err).WithField("method", op.name).Error("failed to encode response")
		return nil, status.Error(codes.Internal, domain.ErrInternal.Error())
	}
	return out, nil
}

func authorize(actor domain.Actor, required access) error {
	switch required {
	case accessMutate:
		if !actor.CanMutate() {
			return fmt.Errorf("%w: role %s cannot modify data", domain.ErrForbidden, actor.Role)
		}
	case accessAdmin:
		if actor.Role != domain.RoleAdmin {
			return fmt.Errorf("%w: admin role required", domain.ErrForbidden)
		}
	}
	return nil
}

// record пишет аудит изменений и отказов в доступе; ошибки получателя только логируются.
func (s *LedgerServer) record(ctx context.Context, actor domain.Actor, op operation, resourceID string, err error) {
	kind := domain.KindOf(err)
	if op.access == accessRead && kind != domain.KindForbidden && kind != domain.KindOrganizationMismatch {
		return
	}

	entry := audit.Entry{
		OccurredAt:     s.now().UTC(),
		UserID:         actor.UserID,
		OrganizationID: actor.OrganizationID,
		Role:           string(actor.Role),
		Action:         op.name,
		ResourceType:   op.resource,
		ResourceID:     resourceID,
		Result:         audit.ResultOK,
	}
	if err != nil {
		entry.Result = string(kind)
		entry.Message = domain.PublicMessage(err)
	}

	if auditErr := s.audit.Record(context.WithoutCancel(ctx), entry); auditErr != nil {
		s.logger.WithError(auditErr).WithField("action", op.name).Warn("failed to record audit entry")
	}
}

func parseKind(value string) (domain.DocumentKind, error) {
	kind := domain.DocumentKind(strings.ToUpper(strings.TrimSpace(value)))
	if !kind.Valid() {
		return "", domain.Validationf("unknown document kind %q", value)
	}
	return kind, nil
}

func parseStatus(value string) (domain.DocumentStatus, error) {
	st := domain.DocumentStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch st {
	case "", domain.StatusDraft, domain.StatusApproved, domain.StatusCancelled:
		return st, nil
	}
	return "", domain.Validationf("unknown document status %q", value)
}

// --- склад ---

// IncreaseStock оприходует товар на склад.
func (s *LedgerServer) IncreaseStock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "IncreaseStock", resource: "stock", access: accessMutate}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req stockChangeRequest) (any, string, error) {
		result, err := s.svc.Stock.IncreaseStock(ctx, stockChange(actor, req))
		if err != nil {
			return nil, "", err
		}
		return toMutationResponse(result), result.Stock.ID, nil
	})
}

// DecreaseStock списывает товар со склада.
func (s *LedgerServer) DecreaseStock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "DecreaseStock", resource: "stock", access: accessMutate}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req stockChangeRequest) (any, string, error) {
		result, err := s.svc.Stock.DecreaseStock(ctx, stockChange(actor, req))
		if err != nil {
			return nil, "", err
		}
		return toMutationResponse(result), result.Stock.ID, nil
	})
}

// AdjustStock устанавливает остаток по итогам инвентаризации.
func (s *LedgerServer) AdjustStock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "AdjustStock", resource: "stock", access: accessMutate}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req adjustStockRequest) (any, string, error) {
		result, err := s.svc.Stock.AdjustStock(ctx, ledger.StockAdjustment{
			OrganizationID: actor.OrganizationID,
			ProductID:      req.ProductID,
			WarehouseID:    req.WarehouseID,
			NewQuantity:    req.NewQuantity,
			Reason:         req.Reason,
			UserID:         actor.UserID,
		})
		if err != nil {
			return nil, "", err
		}
		return toMutationResponse(result), result.Stock.ID, nil
	})
}

// GetStockLevel возвращает остаток пары.
func (s *LedgerServer) GetStockLevel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "GetStockLevel", resource: "stock", access: accessRead}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req stockPairRequest) (any, string, error) {
		level, err := s.svc.Stock.GetStockLevel(ctx, actor.OrganizationID, req.ProductID, req.WarehouseID)
		if err != nil {
			return nil, "", err
		}
		return toStockLevelResponse(level), level.ID, nil
	})
}

// ListMovements возвращает журнал движений, новые первыми.
func (s *LedgerServer) ListMovements(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "ListMovements", resource: "stock_movement", access: accessRead}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req listMovementsRequest) (any, string, error) {
		movements, err := s.svc.Stock.ListMovements(ctx, domain.MovementFilter{
			OrganizationID: actor.OrganizationID,
			ProductID:      req.ProductID,
			WarehouseID:    req.WarehouseID,
			Limit:          req.Limit,
		})
		if err != nil {
			return nil, "", err
		}
		resp := movementsResponse{Movements: make([]movementResponse, 0, len(movements))}
		for _, m := range movements {
			resp.Movements = append(resp.Movements, toMovementResponse(m))
		}
		return resp, "", nil
	})
}

// ReconcileStock сверяет остаток пары с суммой движений.
func (s *LedgerServer) ReconcileStock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "ReconcileStock", resource: "stock", access: accessRead}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req stockPairRequest) (any, string, error) {
		rec, err := s.svc.Stock.Reconcile(ctx, actor.OrganizationID, req.ProductID, req.WarehouseID)
		if err != nil {
			return nil, "", err
		}
		return reconciliationResponse{
			ProductID:   rec.ProductID,
			WarehouseID: rec.WarehouseID,
			Balance:     rec.Balance,
			MovementSum: rec.MovementSum,
			Drift:       rec.Drift(),
		}, "", nil
	})
}

func stockChange(actor domain.Actor, req stockChangeRequest) ledger.StockChange {
	return ledger.StockChange{
		OrganizationID: actor.OrganizationID,
		ProductID:      req.ProductID,
		WarehouseID:    req.WarehouseID,
		Quantity:       req.Quantity,
		ReferenceType:  domain.ReferenceType(strings.ToUpper(strings.TrimSpace(req.ReferenceType))),
		Reference:      req.Reference,
		Note:           req.Note,
		UserID:         actor.UserID,
	}
}

// --- справочники ---

// CreateOrganization заводит новую организацию. Доступно только администратору.
func (s *LedgerServer) CreateOrganization(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "CreateOrganization", resource: "organization", access: accessAdmin}
	return handle(s, ctx, in, op, func(ctx context.Context, _ domain.Actor, req createOrganizationRequest) (any, string, error) {
		org, err := s.svc.Catalog.CreateOrganization(ctx, req.Name)
		if err != nil {
			return nil, "", err
		}
		return organizationResponse{ID: org.ID, Name: org.Name, CreatedAt: org.CreatedAt}, org.ID, nil
	})
}

// CreateProduct заводит товар и нулевые остатки на всех складах.
func (s *LedgerServer) CreateProduct(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "CreateProduct", resource: "product", access: accessMutate}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req createProductRequest) (any, string, error) {
		product, err := s.svc.Catalog.CreateProduct(ctx, catalog.NewProduct{
			OrganizationID: actor.OrganizationID,
			SKU:            req.SKU,
			Name:           req.Name,
			Unit:           req.Unit,
			Price:          req.Price,
		})
		if err != nil {
			return nil, "", err
		}
		return toProductResponse(product), product.ID, nil
	})
}

// CreateWarehouse заводит склад и нулевые остатки по всем товарам.
func (s *LedgerServer) CreateWarehouse(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "CreateWarehouse", resource: "warehouse", access: accessMutate}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req createWarehouseRequest) (any, string, error) {
		warehouse, err := s.svc.Catalog.CreateWarehouse(ctx, catalog.NewWarehouse{
			OrganizationID: actor.OrganizationID,
			Code:           req.Code,
			Name:           req.Name,
		})
		if err != nil {
			return nil, "", err
		}
		return toWarehouseResponse(warehouse), warehouse.ID, nil
	})
}

// DeleteProduct скрывает товар, история движений остаётся.
func (s *LedgerServer) DeleteProduct(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "DeleteProduct", resource: "product", access: accessMutate}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req productRequest) (any, string, error) {
		if err := s.svc.Catalog.DeleteProduct(ctx, actor.OrganizationID, req.ProductID); err != nil {
			return nil, req.ProductID, err
		}
		return deletedResponse{Deleted: true}, req.ProductID, nil
	})
}

// SetMinQuantity задаёт порог пополнения пары.
func (s *LedgerServer) SetMinQuantity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "SetMinQuantity", resource: "stock", access: accessMutate}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req setMinQuantityRequest) (any, string, error) {
		stock, err := s.svc.Catalog.SetMinQuantity(ctx, actor.OrganizationID, req.ProductID, req.WarehouseID, req.MinQuantity)
		if err != nil {
			return nil, "", err
		}
		return toStockResponse(stock), stock.ID, nil
	})
}

// ListProducts возвращает активные товары организации.
func (s *LedgerServer) ListProducts(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "ListProducts", resource: "product", access: accessRead}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, _ emptyRequest) (any, string, error) {
		products, err := s.svc.Catalog.ListProducts(ctx, actor.OrganizationID)
		if err != nil {
			return nil, "", err
		}
		resp := productsResponse{Products: make([]productResponse, 0, len(products))}
		for _, p := range products {
			resp.Products = append(resp.Products, toProductResponse(p))
		}
		return resp, "", nil
	})
}

// ListWarehouses возвращает активные склады организации.
func (s *LedgerServer) ListWarehouses(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "ListWarehouses", resource: "warehouse", access: accessRead}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, _ emptyRequest) (any, string, error) {
		warehouses, err := s.svc.Catalog.ListWarehouses(ctx, actor.OrganizationID)
		if err != nil {
			return nil, "", err
		}
		resp := warehousesResponse{Warehouses: make([]warehouseResponse, 0, len(warehouses))}
		for _, w := range warehouses {
			resp.Warehouses = append(resp.Warehouses, toWarehouseResponse(w))
		}
		return resp, "", nil
	})
}

// RegisterUser объявляет о новом пользователе организации.
func (s *LedgerServer) RegisterUser(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "RegisterUser", resource: "user", access: accessAdmin}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req registerUserRequest) (any, string, error) {
		userID, err := s.svc.Catalog.RegisterUser(ctx, catalog.NewUser{
			OrganizationID: actor.OrganizationID,
			Email:          req.Email,
		})
		if err != nil {
			return nil, "", err
		}
		return userResponse{UserID: userID}, userID, nil
	})
}

// --- документы ---

// CreateDocument создаёт черновик заказа или продажи.
func (s *LedgerServer) CreateDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "CreateDocument", resource: "document", access: accessMutate}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req createDocumentRequest) (any, string, error) {
		kind, err := parseKind(req.Kind)
		if err != nil {
			return nil, "", err
		}
		items := make([]documents.NewLineItem, 0, len(req.Items))
		for _, item := range req.Items {
			items = append(items, documents.NewLineItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice,
			})
		}
		doc, err := s.svc.Documents.Create(ctx, documents.NewDocument{
			Kind:           kind,
			OrganizationID: actor.OrganizationID,
			WarehouseID:    req.WarehouseID,
			Items:          items,
			UserID:         actor.UserID,
		})
		if err != nil {
			return nil, "", err
		}
		return toDocumentResponse(doc), doc.ID, nil
	})
}

// ApproveDocument утверждает документ и списывает товар.
func (s *LedgerServer) ApproveDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "ApproveDocument", resource: "document", access: accessMutate}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req documentRequest) (any, string, error) {
		kind, err := parseKind(req.Kind)
		if err != nil {
			return nil, req.DocumentID, err
		}
		doc, err := s.svc.Documents.Approve(ctx, kind, actor.OrganizationID, req.DocumentID, actor.UserID)
		if err != nil {
			return nil, req.DocumentID, err
		}
		return toDocumentResponse(doc), doc.ID, nil
	})
}

// CancelDocument отменяет утверждённый документ и возвращает товар.
func (s *LedgerServer) CancelDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "CancelDocument", resource: "document", access: accessMutate}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req documentRequest) (any, string, error) {
		kind, err := parseKind(req.Kind)
		if err != nil {
			return nil, req.DocumentID, err
		}
		doc, err := s.svc.Documents.Cancel(ctx, kind, actor.OrganizationID, req.DocumentID, actor.UserID)
		if err != nil {
			return nil, req.DocumentID, err
		}
		return toDocumentResponse(doc), doc.ID, nil
	})
}

// GetDocument возвращает документ с позициями.
func (s *LedgerServer) GetDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "GetDocument", resource: "document", access: accessRead}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req documentRequest) (any, string, error) {
		kind, err := parseKind(req.Kind)
		if err != nil {
			return nil, req.DocumentID, err
		}
		doc, err := s.svc.Documents.GetByID(ctx, kind, actor.OrganizationID, req.DocumentID)
		if err != nil {
			return nil, req.DocumentID, err
		}
		return toDocumentResponse(doc), doc.ID, nil
	})
}

// ListDocuments возвращает документы организации, новые первыми.
func (s *LedgerServer) ListDocuments(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "ListDocuments", resource: "document", access: accessRead}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req listDocumentsRequest) (any, string, error) {
		kind, err := parseKind(req.Kind)
		if err != nil {
			return nil, "", err
		}
		st, err := parseStatus(req.Status)
		if err != nil {
			return nil, "", err
		}
		docs, err := s.svc.Documents.List(ctx, domain.DocumentFilter{
			Kind:           kind,
			OrganizationID: actor.OrganizationID,
			Status:         st,
			Limit:          req.Limit,
		})
		if err != nil {
			return nil, "", err
		}
		resp := documentsResponse{Documents: make([]documentResponse, 0, len(docs))}
		for _, doc := range docs {
			resp.Documents = append(resp.Documents, toDocumentResponse(doc))
		}
		return resp, "", nil
	})
}

// --- счета ---

// CreateInvoice выставляет счёт по утверждённому заказу.
func (s *LedgerServer) CreateInvoice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "CreateInvoice", resource: "invoice", access: accessMutate}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req orderRequest) (any, string, error) {
		invoice, err := s.svc.Invoices.CreateInvoice(ctx, actor.OrganizationID, req.OrderID, actor.UserID)
		if err != nil {
			return nil, "", err
		}
		return toInvoiceResponse(invoice), invoice.ID, nil
	})
}

// ListInvoices возвращает счета заказа.
func (s *LedgerServer) ListInvoices(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op := operation{name: "ListInvoices", resource: "invoice", access: accessRead}
	return handle(s, ctx, in, op, func(ctx context.Context, actor domain.Actor, req orderRequest) (any, string, error) {
		list, err := s.svc.Invoices.ListByOrder(ctx, actor.OrganizationID, req.OrderID)
		if err != nil {
			return nil, "", err
		}
		resp := invoicesResponse{Invoices: make([]invoiceResponse, 0, len(list))}
		for _, inv := range list {
			resp.Invoices = append(resp.Invoices, toInvoiceResponse(inv))
		}
		return resp, "", nil
	})
}
