package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/smallnest/clawbridge/internal/logger"
	"github.com/smallnest/clawbridge/orchestrator"
	"github.com/smallnest/clawbridge/protocol"
	"go.uber.org/zap"
)

// Method names
const (
	MethodCommand            = "claude.command"
	MethodPermissionResponse = "claude.permission_response"
	MethodAbort              = "claude.abort"
	MethodStatus             = "claude.status"
	MethodSessions           = "claude.sessions"
	MethodHealth             = "health"
)

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

// Handler JSON-RPC 方法处理器
type Handler struct {
	registry *MethodRegistry
	orch     *orchestrator.Orchestrator
	ctx      context.Context
	version  string
	log      *zap.Logger
	runs     sync.WaitGroup
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithVersion sets the version reported by health.
func WithVersion(v string) HandlerOption {
	return func(h *Handler) { h.version = v }
}

// NewHandler 创建处理器。ctx 约束由 claude.command 启动的所有会话。
func NewHandler(ctx context.Context, orch *orchestrator.Orchestrator, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry: NewMethodRegistry(),
		orch:     orch,
		ctx:      ctx,
		version:  "dev",
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logger.L()
	}

	// 注册系统方法
	h.registerSystemMethods()

	// 注册会话方法
	h.registerSessionMethods()

	return h
}

// Methods lists the registered method names.
func (h *Handler) Methods() []string { return h.registry.Methods() }

// Wait blocks until every session started through the handler has returned.
func (h *Handler) Wait() { h.runs.Wait() }

// HandleRequest 处理请求
func (h *Handler) HandleRequest(call *Call, req *JSONRPCRequest) *JSONRPCResponse {
	if req == nil {
		return NewErrorResponse("", ErrorInvalidRequest, "nil request")
	}
	if call == nil {
		call = &Call{}
	}
	call.Params = req.Params

	result, err := h.registry.Call(req.Method, call)
	if err != nil {
		h.log.Error("Method execution failed",
			zap.String("method", req.Method),
			zap.String("conn_id", call.ConnID),
			zap.Error(err))
		code := ErrorInternalError
		var mnf *MethodNotFoundError
		if errors.As(err, &mnf) {
			code = ErrorMethodNotFound
		}
		var ip *InvalidParamsError
		if errors.As(err, &ip) {
			code = ErrorInvalidParams
		}
		return NewErrorResponse(req.ID, code, err.Error())
	}

	return NewSuccessResponse(req.ID, result)
}

// Dispatch parses one inbound record and runs it. Records that are not
// JSON-RPC requests get a parse-error response.
func (h *Handler) Dispatch(call *Call, data []byte) *JSONRPCResponse {
	if call == nil {
		call = &Call{}
	}
	req, err := ParseRequest(data)
	if err != nil {
		h.log.Warn("Failed to parse message",
			zap.String("conn_id", call.ConnID),
			zap.Error(err))
		return NewErrorResponse("", ErrorParseError, "Parse error")
	}

	h.log.Debug("Gateway request",
		zap.String("conn_id", call.ConnID),
		zap.String("method", req.Method),
	)

	return h.HandleRequest(call, req)
}

// registerSystemMethods 注册系统方法
func (h *Handler) registerSystemMethods() {
	// health - 健康检查
	h.registry.Register(MethodHealth, func(*Call) (interface{}, error) {
		return map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
			"version":   h.version,
			"protocol":  ProtocolVersion,
		}, nil
	})
}

// registerSessionMethods 注册会话方法
func (h *Handler) registerSessionMethods() {
	// claude.command - 异步启动一个会话，消息推送到调用方连接
	h.registry.Register(MethodCommand, func(call *Call) (interface{}, error) {
		var cmd protocol.Command
		if err := call.Decode(&cmd); err != nil {
			return nil, err
		}
		if err := cmd.Validate(); err != nil {
			return nil, &InvalidParamsError{Message: err.Error()}
		}

		out := call.Sink
		connID := call.ConnID
		h.runs.Add(1)
		go func() {
			defer h.runs.Done()
			id, err := h.orch.Run(h.ctx, cmd.Command, cmd.Options, out)
			if err != nil {
				h.log.Warn("Session ended with error",
					zap.String("conn_id", connID),
					zap.String("session_id", id),
					zap.Error(err))
			}
		}()

		return map[string]interface{}{
			"started":   true,
			"sessionId": cmd.Options.SessionID,
		}, nil
	})

	// claude.permission_response - 回答工具审批
	h.registry.Register(MethodPermissionResponse, func(call *Call) (interface{}, error) {
		var resp protocol.PermissionResponse
		if err := call.Decode(&resp); err != nil {
			return nil, err
		}
		if err := resp.Validate(); err != nil {
			return nil, &InvalidParamsError{Message: err.Error()}
		}
		resolved := h.orch.Broker().Resolve(resp.SessionID, resp.RequestID, resp.Result)
		return map[string]interface{}{"resolved": resolved}, nil
	})

	// claude.abort - 取消会话
	h.registry.Register(MethodAbort, func(call *Call) (interface{}, error) {
		var req protocol.Abort
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.SessionID) == "" {
			return nil, &InvalidParamsError{Message: "sessionId is required"}
		}
		ok := h.orch.Abort(req.SessionID)
		if err := call.Sink.Send(protocol.SessionAborted(req.SessionID, ok)); err != nil {
			h.log.Warn("Failed to deliver session-aborted",
				zap.String("session_id", req.SessionID),
				zap.Error(err))
		}
		return map[string]interface{}{"success": ok}, nil
	})

	// claude.status - 查询会话状态
	h.registry.Register(MethodStatus, func(call *Call) (interface{}, error) {
		var req sessionParams
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.SessionID) == "" {
			return nil, &InvalidParamsError{Message: "sessionId is required"}
		}
		return map[string]interface{}{
			"sessionId": req.SessionID,
			"isActive":  h.orch.IsActive(req.SessionID),
		}, nil
	})

	// claude.sessions - 列出活跃会话
	h.registry.Register(MethodSessions, func(*Call) (interface{}, error) {
		return map[string]interface{}{"sessions": h.orch.ActiveSessions()}, nil
	})
}
