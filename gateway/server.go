// Package gateway WebSocket 会话层：鉴权、限流、请求分发与事件推送。
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"paper-trading-go/auth"
	"paper-trading-go/infrastructure/logger"
	"paper-trading-go/internal/engine"
)

// Config 会话层配置。
type Config struct {
	Addr string `yaml:"addr"`
	// AuthTimeout 第一帧必须是 auth，超时断开
	AuthTimeout time.Duration `yaml:"auth_timeout"`
	// MessageRate 每连接每秒消息数
	MessageRate float64 `yaml:"message_rate"`
	// MessageBurst 突发容量
	MessageBurst int `yaml:"message_burst"`
	// MaxMessageSize 单帧字节上限
	MaxMessageSize int64         `yaml:"max_message_size"`
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
}

// DefaultConfig 返回默认会话配置。
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		AuthTimeout:    5 * time.Second,
		MessageRate:    20,
		MessageBurst:   40,
		MaxMessageSize: 16 * 1024,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
	}
}

// Server 接受 WebSocket 连接并为每个连接维护一个会话。
type Server struct {
	cfg      Config
	engine   *engine.Engine
	authn    auth.Authenticator
	logger   *logger.Logger
	upgrader websocket.Upgrader

	httpSrv *http.Server

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewServer 构造会话层。
func NewServer(cfg Config, eng *engine.Engine, authn auth.Authenticator, log *logger.Logger) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 16 * 1024
	}
	return &Server{
		cfg:    cfg,
		engine: eng,
		authn:  authn,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 演示服务，放开同源限制
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

// Start 监听并服务，立即返回。
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway listen failed", zap.Error(err))
		}
	}()
	s.logger.Info("gateway listening", zap.String("addr", s.cfg.Addr))
	return nil
}

// Shutdown 关闭监听并断开所有会话。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler 暴露底层 handler 便于测试直接挂 httptest。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(s, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	go sess.writePump()
	go sess.readPump()
}

func (s *Server) dropSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}
