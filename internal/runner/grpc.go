package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// ExecuteMethod is the unary RPC the batch service exposes. Request and reply
// are google.protobuf.Struct carrying the same JSON shape as the HTTP endpoint.
const ExecuteMethod = "/evalpipe.BatchRunner/Execute"

// #region client-struct

// GRPCRunner sends the whole batch in one unary call.
type GRPCRunner struct {
	conn   grpc.ClientConnInterface
	closer func() error
	log    *zap.Logger
}

// #endregion client-struct

// #region constructor

// DialGRPC connects to the batch service at cfg.URL (host:port).
func DialGRPC(cfg config.RunnerConfig, log *zap.Logger) (*GRPCRunner, error) {
	conn, err := grpc.NewClient(cfg.URL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", cfg.URL, err)
	}
	r := NewGRPCRunner(conn, log)
	r.closer = conn.Close
	return r, nil
}

// NewGRPCRunner wraps an existing connection. Tests pass a fake.
func NewGRPCRunner(conn grpc.ClientConnInterface, log *zap.Logger) *GRPCRunner {
	return &GRPCRunner{conn: conn, log: logging.OrNop(log).Named("runner")}
}

func (r *GRPCRunner) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// #endregion constructor

// #region execute

func (r *GRPCRunner) Execute(ctx context.Context, cases []store.TestCase, opts Options) (BatchResult, error) {
	const op = "batch runner"
	in, err := encodeStruct(toWire(cases, opts))
	if err != nil {
		return BatchResult{}, err
	}
	reply := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, ExecuteMethod, in, reply); err != nil {
		return BatchResult{}, apperr.Upstream(op, fmt.Errorf("execute rpc: %w", err))
	}

	raw, err := protojson.Marshal(reply)
	if err != nil {
		return BatchResult{}, apperr.Upstream(op, fmt.Errorf("encode reply: %w", err))
	}
	var res BatchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return BatchResult{}, apperr.Upstream(op, fmt.Errorf("decode reply: %w", err))
	}
	if err := Validate(&res); err != nil {
		return BatchResult{}, err
	}
	r.log.Debug("batch complete", zap.Int("total", res.Summary.Total), zap.String("eval_run_id", res.EvalRunID))
	return res, nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("encode batch request: %w", err)
	}
	return s, nil
}

// #endregion execute
