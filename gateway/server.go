package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallnest/clawbridge/config"
	"github.com/smallnest/clawbridge/internal/logger"
	"github.com/smallnest/clawbridge/sink"
	"go.uber.org/zap"
)

// ErrConnectionClosed is returned by Push after the connection has closed.
var ErrConnectionClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 本地桥接服务，由 auth_token 控制访问
		return true
	},
}

// Server WebSocket 网关服务器
type Server struct {
	cfg           config.GatewayConfig
	handler       *Handler
	log           *zap.Logger
	server        *http.Server
	listener      net.Listener
	mu            sync.RWMutex
	running       bool
	connections   map[string]*Connection
	connectionsMu sync.RWMutex
}

// NewServer 创建网关服务器
func NewServer(cfg config.GatewayConfig, handler *Handler) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		cfg:         cfg,
		handler:     handler,
		log:         logger.L(),
		connections: make(map[string]*Connection),
	}
}

// HTTPHandler returns the routes served by the gateway.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket 端点
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)

	// 健康检查端点
	mux.HandleFunc("/health", s.handleHealth)

	if s.cfg.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// Start 启动服务器。监听失败时同步返回错误。
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	// WebSocket 连接是长连接，不设置 HTTP 写超时
	s.server = &http.Server{
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	go func() {
		s.log.Info("Gateway server started",
			zap.String("addr", ln.Addr().String()),
			zap.String("path", s.cfg.Path),
			zap.Bool("auth", s.cfg.EnableAuth),
		)

		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("Gateway server error", zap.Error(err))
		}
	}()

	// 监听上下文取消
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop 停止服务器
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	// 关闭所有 WebSocket 连接
	s.closeAllConnections()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			s.log.Error("Failed to shutdown gateway server", zap.Error(err))
			return err
		}
	}

	s.log.Info("Gateway server stopped")
	return nil
}

// IsRunning 检查是否运行中
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ConnectionCount 返回当前连接数
func (s *Server) ConnectionCount() int {
	s.connectionsMu.RLock()
	defer s.connectionsMu.RUnlock()
	return len(s.connections)
}

// closeAllConnections 关闭所有 WebSocket 连接
func (s *Server) closeAllConnections() {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()

	for id, conn := range s.connections {
		conn.Close()
		delete(s.connections, id)
	}
}

// addConnection 添加连接
func (s *Server) addConnection(conn *Connection) {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()
	s.connections[conn.ID] = conn
}

// removeConnection 移除连接
func (s *Server) removeConnection(id string) {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()
	delete(s.connections, id)
}

// handleHealth 健康检查处理器
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"time":        time.Now().Unix(),
		"connections": s.ConnectionCount(),
	})
}

// handleWebSocket WebSocket 连接处理器
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// 检查认证
	if s.cfg.EnableAuth && !s.authenticate(r) {
		s.log.Warn("Rejected unauthenticated WebSocket connection", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// 升级到 WebSocket
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	conn := NewConnection(ws, s.cfg)
	s.addConnection(conn)

	s.log.Info("WebSocket connection established",
		zap.String("conn_id", conn.ID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// 发送欢迎消息
	welcome := NewNotification("connected", map[string]interface{}{
		"connId":  conn.ID,
		"version": ProtocolVersion,
	})
	if err := conn.SendJSON(welcome); err != nil {
		s.log.Warn("Failed to send welcome", zap.String("conn_id", conn.ID), zap.Error(err))
	}

	// 启动心跳
	go conn.heartbeat()

	// 处理消息
	go s.handleWebSocketMessages(conn)
}

// authenticate 验证 WebSocket 连接
func (s *Server) authenticate(r *http.Request) bool {
	// 从查询参数获取 token
	token := r.URL.Query().Get("token")
	if token == "" {
		// 支持 "Bearer <token>" 格式
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	if token == "" {
		return false
	}

	// 使用恒定时间比较防止时序攻击
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// handleWebSocketMessages 处理 WebSocket 消息
func (s *Server) handleWebSocketMessages(conn *Connection) {
	defer func() {
		conn.Close()
		s.removeConnection(conn.ID)
		s.log.Info("WebSocket connection closed",
			zap.String("conn_id", conn.ID),
		)
	}()

	out, err := sink.New(conn)
	if err != nil {
		s.log.Error("Connection cannot receive messages", zap.Error(err))
		return
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Error("WebSocket error",
					zap.String("conn_id", conn.ID),
					zap.Error(err))
			}
			break
		}

		// 只处理文本消息
		if messageType != websocket.TextMessage {
			continue
		}

		resp := s.handler.Dispatch(&Call{ConnID: conn.ID, Sink: out}, data)
		if err := conn.SendJSON(resp); err != nil {
			s.log.Error("Failed to send WebSocket response",
				zap.String("conn_id", conn.ID),
				zap.Error(err))
		}
	}
}

// Connection WebSocket 连接。Push 使其可以作为 sink 使用。
type Connection struct {
	*websocket.Conn
	ID           string
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
	done         chan struct{}
}

// NewConnection 创建连接
func NewConnection(ws *websocket.Conn, cfg config.GatewayConfig) *Connection {
	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}
	c := &Connection{
		Conn:         ws,
		ID:           uuid.New().String(),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
	if c.pongTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
		})
	}
	return c
}

// SendJSON 发送 JSON 消息
func (c *Connection) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendMessage(websocket.TextMessage, data)
}

// SendMessage 发送消息
func (c *Connection) SendMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		if err := c.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.WriteMessage(messageType, data)
}

// Push implements sink.Pusher: each envelope is one text frame.
func (c *Connection) Push(data []byte) error {
	return c.SendMessage(websocket.TextMessage, data)
}

// heartbeat 心跳
func (c *Connection) heartbeat() {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// Close 关闭连接
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	// 发送关闭帧
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))

	return c.Conn.Close()
}
