package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"github.com/Karmagate/RoomSync/internal/game"
)

const serviceName = "roomsync"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	cfg     *Config
	hub     *Hub
	srv     *http.Server
	auth    *Auth
	limiter *RateLimiter
}

func NewServer(ctx context.Context, cfg *Config, hub *Hub, auth *Auth) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     hub,
		auth:    auth,
		limiter: NewRateLimiter(ctx, cfg.RateLimitPerIP),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) ListenAndServe() error {
	var err error
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		s.srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
		logs.Infof("TLS enabled (cert=%s)", s.cfg.TLSCert)
		err = s.srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		logs.Info("TLS disabled (no cert/key configured)")
		err = s.srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		logs.Errorf("shutdown error: %v", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  serviceName,
		"rooms": s.hub.RoomCount(),
		"auth":  s.auth.Enabled(),
		"kinds": []string{game.KindDraft, game.KindGame, game.KindPresence},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if !s.limiter.Allow(ip) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	q := r.URL.Query()
	roomID := q.Get("room")
	kind := q.Get("kind")
	token := q.Get("token")

	if roomID == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	if kind != "" && !game.ValidKind(kind) {
		http.Error(w, "unknown room kind", http.StatusBadRequest)
		return
	}

	var identity string
	if token != "" {
		claims, err := s.auth.ValidateJWT(token)
		if err != nil {
			http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
			return
		}
		if claims.RoomID != roomID {
			http.Error(w, "room mismatch", http.StatusForbidden)
			return
		}
		if claims.Role == RolePlayer {
			identity = claims.PlayerID
		}
	}

	if _, live := s.hub.RoomKind(roomID); !live {
		if s.hub.RoomCount() >= s.cfg.MaxRooms {
			http.Error(w, "max rooms reached", http.StatusServiceUnavailable)
			return
		}
	} else if count := s.hub.ClientCount(roomID); count >= s.cfg.MaxClientsPerRoom {
		http.Error(w, "room full", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("upgrade error: %v", err)
		return
	}

	// gorilla/websocket closes the connection on frames over the limit.
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	client := NewClient(s.hub, conn, roomID, kind, identity, ip)
	s.hub.Register(client)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.ConfigFastest.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
