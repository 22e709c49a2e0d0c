package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/olyamironova/spot-exchange/internal/api/dto"
	"github.com/olyamironova/spot-exchange/internal/core"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/logging"
	"github.com/olyamironova/spot-exchange/internal/middleware"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

type GRPCServer struct {
	Eng *core.Engine
	log *logging.Logger
}

var _ ExchangeServer = (*GRPCServer)(nil)

func NewGRPCServer(eng *core.Engine, log *logging.Logger) *GRPCServer {
	return &GRPCServer{Eng: eng, log: log.Named("grpc")}
}

// NewServer builds a grpc.Server with the exchange service and bearer-token
// authentication registered.
func NewServer(auth *middleware.Auth, svc *GRPCServer) *grpc.Server {
	g := grpc.NewServer(grpc.UnaryInterceptor(AuthInterceptor(auth)))
	g.RegisterService(&ServiceDesc, svc)
	return g
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, g *grpc.Server, log *logging.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc: listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()
	log.Info("grpc listening", zap.String("addr", addr))
	return g.Serve(lis)
}

type userCtxKey struct{}

// public methods skip authentication.
var public = map[string]bool{
	FullMethod("GetOrderBook"): true,
}

// AuthInterceptor reads the bearer token from the "authorization" metadata.
func AuthInterceptor(auth *middleware.Auth) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if public[info.FullMethod] {
			return handler(ctx, req)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		user, err := auth.VerifyHeader(header)
		if err != nil {
			return nil, toStatus(err)
		}
		return handler(context.WithValue(ctx, userCtxKey{}, user), req)
	}
}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userCtxKey{}).(string)
	return u
}

func decode(in *structpb.Struct, dst any) error {
	b, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidOrder, err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func (s *GRPCServer) reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		if codeFor(err) == codes.Internal {
			s.log.Error("rpc failed", zap.Error(err))
		}
		return nil, toStatus(err)
	}
	out, err := encode(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *GRPCServer) CreateOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req dto.CreateOrderRequest
	if err := decode(in, &req); err != nil {
		return s.reply(nil, err)
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		return s.reply(nil, err)
	}
	o, err := s.Eng.CreateOrder(ctx, core.CreateOrderRequest{
		UserID: userFrom(ctx),
		Symbol: req.Symbol,
		Side:   side,
		Price:  req.Price,
		Amount: req.Amount,
	})
	if err != nil {
		return s.reply(nil, err)
	}
	return s.reply(dto.FromOrder(o), nil)
}

func (s *GRPCServer) CancelOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		OrderID string `json:"order_id"`
	}
	if err := decode(in, &req); err != nil {
		return s.reply(nil, err)
	}
	o, err := s.Eng.CancelOrder(ctx, req.OrderID, userFrom(ctx))
	if err != nil {
		return s.reply(nil, err)
	}
	return s.reply(dto.FromOrder(o), nil)
}

func (s *GRPCServer) GetOrderBook(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Symbol string `json:"symbol"`
		Limit  int    `json:"limit"`
	}
	if err := decode(in, &req); err != nil {
		return s.reply(nil, err)
	}
	snap, err := s.Eng.GetOrderBook(ctx, req.Symbol, req.Limit)
	if err != nil {
		return s.reply(nil, err)
	}
	return s.reply(dto.FromSnapshot(snap), nil)
}

func (s *GRPCServer) GetBalances(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	bs, err := s.Eng.GetBalances(ctx, userFrom(ctx))
	if err != nil {
		return s.reply(nil, err)
	}
	return s.reply(map[string]any{"balances": dto.FromBalances(bs)}, nil)
}

func (s *GRPCServer) Deposit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req dto.BalanceChangeRequest
	if err := decode(in, &req); err != nil {
		return s.reply(nil, err)
	}
	b, err := s.Eng.Deposit(ctx, userFrom(ctx), req.Asset, req.Amount)
	if err != nil {
		return s.reply(nil, err)
	}
	return s.reply(dto.FromBalance(b), nil)
}
