package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/events"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/security"
)

// handleEvents upgrades to a WebSocket and streams every sync event as a
// JSON frame until the client goes away.
//
// Flow:
//  1. Validate ?token= (or the Authorization header) when auth is on.
//  2. Accept the upgrade and subscribe to the event bus.
//  3. Forward events through a bounded buffer; a slow client loses events
//     rather than stalling publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if len(s.jwtSecret) > 0 {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			tokenStr = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if tokenStr == "" {
			http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
			return
		}
		claims, err := security.ValidateToken(tokenStr, s.jwtSecret)
		if err != nil {
			http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
			return
		}
		if !security.CheckPermission(claims.Role, r.Method, r.URL.Path) {
			http.Error(w, `{"error":"insufficient role"}`, http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	// The client never sends; CloseRead handles control frames and cancels
	// ctx once the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	ch := make(chan events.Event, s.eventQueue)
	var dropped atomic.Int64
	unsubscribe := s.svc.Events().Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			dropped.Add(1)
		}
	})
	defer unsubscribe()

	s.logger.Info("event stream connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr, "dropped", dropped.Load())
			return
		case e := <-ch:
			if err := s.wsSend(ctx, conn, e); err != nil {
				return
			}
		}
	}
}

// wsSend writes one event frame; errors are logged and end the stream.
func (s *Server) wsSend(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	if err := wsjson.Write(ctx, conn, e); err != nil {
		s.logger.Warn("ws write error", slog.String("error", err.Error()))
		return err
	}
	return nil
}
