package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"liuproxy_harvester/internal/shared/logger"
	"liuproxy_harvester/internal/shared/types"
)

const statusBroadcastInterval = time.Second

// loggingListener 在 debug 级别记录每个新连接
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf("[WebServer] Connection accepted from: %s", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server 提供运行状态页、JSON API 和事件推送。
type Server struct {
	cfg      types.WebConf
	provider StatusProvider
	handler  *Handler
	hub      *Hub
}

func NewServer(cfg types.WebConf, provider StatusProvider, hub *Hub) *Server {
	return &Server{
		cfg:      cfg,
		provider: provider,
		handler:  NewHandler(provider),
		hub:      hub,
	}
}

// Routes builds the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	user, pass := s.cfg.User, s.cfg.Password

	mux.Handle("/api/status", basicAuthMiddleware(http.HandlerFunc(s.handler.HandleStatus), user, pass))
	mux.Handle("/api/results", basicAuthMiddleware(http.HandlerFunc(s.handler.HandleResults), user, pass))
	mux.Handle("/ws", basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, w, r)
	}), user, pass))
	mux.Handle("/", basicAuthMiddleware(http.HandlerFunc(s.handler.HandleIndex), user, pass))
	return mux
}

// Start 开始监听并在后台提供服务，返回实际监听地址。
// ctx 结束时服务器与 Hub 一起关闭，wg 在全部退出后完成。
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) (string, error) {
	l := logger.WithComponent("Web/Server")
	if s.cfg.Port <= 0 {
		l.Info().Msg("Web UI is disabled (web.port is 0).")
		return "", nil
	}

	addr := net.JoinHostPort(s.cfg.Listen, fmt.Sprint(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}
	bound := listener.Addr().String()
	l.Info().Msgf("Web UI is listening on http://%s", bound)

	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.broadcastStatus(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error.")
		}
		l.Info().Msg("Web server stopped.")
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return bound, nil
}

func (s *Server) broadcastStatus(ctx context.Context) {
	ticker := time.NewTicker(statusBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.BroadcastStatus(s.provider.Status())
		}
	}
}
