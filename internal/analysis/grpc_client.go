package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// StartAnalysisMethod is the full gRPC method name of the start operation.
const StartAnalysisMethod = "/analysis.v1.AnalysisService/StartAnalysis"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcClient calls the analysis service over gRPC using google.protobuf.Struct
// messages, so no generated stubs are required.
type GrpcClient struct {
	conn   *grpc.ClientConn
	cfg    GrpcClientConfig
	logger *slog.Logger
}

// NewGrpcClient dials the analysis service and waits until it is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create analysis client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("analysis service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to analysis service", "address", cfg.Address)
	return &GrpcClient{conn: conn, cfg: cfg, logger: logger}, nil
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
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// StartAnalysis invokes StartAnalysis with a Struct request.
func (c *GrpcClient) StartAnalysis(ctx context.Context, req StartRequest) (*StartResponse, error) {
	in, err := startRequestStruct(req)
	if err != nil {
		return nil, err
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, StartAnalysisMethod, in, out); err != nil {
		return nil, grpcStartError(err)
	}

	id := sessionIDFromStruct(out)
	if id == "" {
		return nil, ErrEmptySessionID
	}
	c.logger.Info("Analysis started", "session_id", id, "project_name", req.ProjectName, "scenario", req.Scenario)
	return &StartResponse{SessionID: id}, nil
}

func startRequestStruct(req StartRequest) (*structpb.Struct, error) {
	target, err := targetPayload(req.Target)
	if err != nil {
		return nil, err
	}

	focus := make([]any, 0, len(req.Config.FocusAreas))
	for _, f := range req.Config.FocusAreas {
		focus = append(focus, f)
	}

	in, err := structpb.NewStruct(map[string]any{
		"project_name": req.ProjectName,
		"scenario":     req.Scenario,
		"target":       target,
		"config": map[string]any{
			"depth":       string(req.Config.Depth),
			"timeframe":   req.Config.Timeframe,
			"focus_areas": focus,
			"language":    req.Config.Language,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode start request: %w", err)
	}
	return in, nil
}

func sessionIDFromStruct(s *structpb.Struct) string {
	fields := s.GetFields()
	for _, key := range []string{"sessionId", "session_id"} {
		if v := fields[key].GetStringValue(); v != "" {
			return v
		}
	}
	return ""
}

func grpcStartError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("start request failed: %w", err)
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied:
		return &StartError{StatusCode: 400, Message: st.Message()}
	case codes.DeadlineExceeded:
		return fmt.Errorf("start request failed: %w", context.DeadlineExceeded)
	default:
		return fmt.Errorf("start request failed: %w", err)
	}
}
