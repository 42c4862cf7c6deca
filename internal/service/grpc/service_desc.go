package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName - полное имя gRPC-сервиса.
const ServiceName = "erp.ledger.v1.LedgerService"

// LedgerServiceServer - методы API. Запросы и ответы передаются как google.protobuf.Struct.
type LedgerServiceServer interface {
	IncreaseStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecreaseStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AdjustStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStockLevel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMovements(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReconcileStock(context.Context, *structpb.Struct) (*structpb.Struct, error)

	CreateOrganization(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateProduct(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateWarehouse(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteProduct(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetMinQuantity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListProducts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListWarehouses(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterUser(context.Context, *structpb.Struct) (*structpb.Struct, error)

	CreateDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApproveDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDocuments(context.Context, *structpb.Struct) (*structpb.Struct, error)

	CreateInvoice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListInvoices(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(LedgerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(LedgerServiceServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// LedgerServiceDesc описывает сервис для grpc.Server.RegisterService.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc("IncreaseStock", LedgerServiceServer.IncreaseStock),
		methodDesc("DecreaseStock", LedgerServiceServer.DecreaseStock),
		methodDesc("AdjustStock", LedgerServiceServer.AdjustStock),
		methodDesc("GetStockLevel", LedgerServiceServer.GetStockLevel),
		methodDesc("ListMovements", LedgerServiceServer.ListMovements),
		methodDesc("ReconcileStock", LedgerServiceServer.ReconcileStock),
		methodDesc("CreateOrganization", LedgerServiceServer.CreateOrganization),
		methodDesc("CreateProduct", LedgerServiceServer.CreateProduct),
		methodDesc("CreateWarehouse", LedgerServiceServer.CreateWarehouse),
		methodDesc("DeleteProduct", LedgerServiceServer.DeleteProduct),
		methodDesc("SetMinQuantity", LedgerServiceServer.SetMinQuantity),
		methodDesc("ListProducts", LedgerServiceServer.ListProducts),
		methodDesc("ListWarehouses", LedgerServiceServer.ListWarehouses),
		methodDesc("RegisterUser", LedgerServiceServer.RegisterUser),
		methodDesc("CreateDocument", LedgerServiceServer.CreateDocument),
		methodDesc("ApproveDocument", LedgerServiceServer.ApproveDocument),
		methodDesc("CancelDocument", LedgerServiceServer.CancelDocument),
		methodDesc("GetDocument", LedgerServiceServer.GetDocument),
		methodDesc("ListDocuments", LedgerServiceServer.ListDocuments),
		methodDesc("CreateInvoice", LedgerServiceServer.CreateInvoice),
		methodDesc("ListInvoices", LedgerServiceServer.ListInvoices),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "erp/ledger/v1/ledger.proto",
}

// RegisterLedgerServiceServer регистрирует реализацию на сервере.
func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

// Invoke вызывает метод сервиса через соединение клиента.
func Invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

var _ LedgerServiceServer = (*LedgerServer)(nil)
