package grpcsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

// Заголовки идентификации, которые проставляет шлюз аутентификации.
const (
	MetadataUserID         = "x-user-id"
	MetadataOrganizationID = "x-organization-id"
	MetadataRole           = "x-role"

	errorDomain = "erp-ledger"
)

// actorFromContext читает вызывающего из входящих метаданных.
func actorFromContext(ctx context.Context) (domain.Actor, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return domain.Actor{}, domain.ErrUnauthorized
	}

	actor := domain.Actor{
		UserID:         firstValue(md, MetadataUserID),
		OrganizationID: firstValue(md, MetadataOrganizationID),
		Role:           domain.Role(strings.ToLower(firstValue(md, MetadataRole))),
	}
	if actor.UserID == "" || actor.OrganizationID == "" {
		return domain.Actor{}, domain.ErrUnauthorized
	}
	switch actor.Role {
	case domain.RoleAdmin, domain.RoleManager, domain.RoleViewer:
	default:
		return domain.Actor{}, domain.ErrUnauthorized
	}
	return actor, nil
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

var codeByKind = map[domain.ErrorKind]codes.Code{
	domain.KindNotFound:                codes.NotFound,
	domain.KindValidation:              codes.InvalidArgument,
	domain.KindInsufficientStock:       codes.FailedPrecondition,
	domain.KindInvalidStatusTransition: codes.FailedPrecondition,
	domain.KindDuplicateInvoice:        codes.AlreadyExists,
	domain.KindOrganizationMismatch:    codes.PermissionDenied,
	domain.KindUnauthorized:            codes.Unauthenticated,
	domain.KindForbidden:               codes.PermissionDenied,
	domain.KindRetryable:               codes.Aborted,
	domain.KindInternal:                codes.Internal,
}

// toStatus переводит доменную ошибку в gRPC status.
// Вид ошибки и её детали передаются в ErrorInfo.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	kind := domain.KindOf(err)
	code, ok := codeByKind[kind]
	if !ok {
		code = codes.Internal
	}

	st := status.New(code, domain.PublicMessage(err))
	info := &errdetails.ErrorInfo{
		Reason:   string(kind),
		Domain:   errorDomain,
		Metadata: errorMetadata(err),
	}
	if detailed, detailErr := st.WithDetails(info); detailErr == nil {
		st = detailed
	}
	return st.Err()
}

func errorMetadata(err error) map[string]string {
	var insufficient *domain.InsufficientStockError
	if errors.As(err, &insufficient) {
		return map[string]string{
			"sku":       insufficient.SKU,
			"available": strconv.FormatInt(insufficient.Available, 10),
			"requested": strconv.FormatInt(insufficient.Requested, 10),
		}
	}
	var transition *domain.InvalidStatusTransitionError
	if errors.As(err, &transition) {
		return map[string]string{
			"current": string(transition.Current),
			"target":  string(transition.Target),
		}
	}
	return nil
}

// ErrorReason возвращает вид доменной ошибки из деталей status.
func ErrorReason(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == errorDomain {
			return info.GetReason()
		}
	}
	return ""
}

// decodeRequest раскладывает Struct в типизированный запрос; лишние поля отклоняются.
func decodeRequest(in *structpb.Struct, out any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return domain.Validationf("malformed request: %v", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return domain.Validationf("malformed request: %v", err)
	}
	return nil
}

// encodeResponse собирает Struct из ответа.
func encodeResponse(in any) (*structpb.Struct, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
