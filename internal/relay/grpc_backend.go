package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// RelayMethod is the full gRPC method name backends implement. Request and
// response are google.protobuf.Struct values shaped like Payload and Response.
const RelayMethod = "/relay.v1.Backend/Relay"

var errConnectionShutdown = errors.New("connection shutdown")

// GRPCBackendConfig holds configuration for the gRPC backend.
type GRPCBackendConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// GRPCBackend delivers payloads over a unary gRPC call.
type GRPCBackend struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPCBackend builds the client connection and waits until it is ready.
func NewGRPCBackend(cfg GRPCBackendConfig, logger *slog.Logger) (*GRPCBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = 2 * time.Minute
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 10 * time.Second
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("backend at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to gRPC backend", "address", cfg.Address)
	return &GRPCBackend{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection state did not change from %s", state)
		}
	}
}

// Deliver implements Backend.
func (b *GRPCBackend) Deliver(ctx context.Context, payload Payload) (*Response, error) {
	req, err := structpb.NewStruct(map[string]any{
		"phone_number": payload.PhoneNumber,
		"message":      payload.Message,
		"message_id":   payload.MessageID,
		"timestamp":    float64(payload.Timestamp),
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	out := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, RelayMethod, req, out); err != nil {
		return nil, fmt.Errorf("relay rpc: %w", err)
	}
	return responseFromStruct(out), nil
}

func responseFromStruct(s *structpb.Struct) *Response {
	fields := s.GetFields()
	return &Response{
		Status:   fields["status"].GetStringValue(),
		Reason:   fields["reason"].GetStringValue(),
		Response: fields["response"].GetStringValue(),
	}
}

// Close closes the connection.
func (b *GRPCBackend) Close() error {
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

var _ Backend = (*GRPCBackend)(nil)
