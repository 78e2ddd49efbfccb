package server

import (
	"context"
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"

	"github.com/pulseboard/socket/src/hub"
	"github.com/pulseboard/socket/src/types"
)

// WSHandler returns the raw fasthttp handler for WebSocket upgrades on the
// dashboard channel. Registered at "/ws" since Fiber v3 does not expose
// *fasthttp.RequestCtx to its handlers.
func (s *Server) WSHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		token := extractToken(ctx)
		err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			s.serveConn(&wsConn{conn: conn}, token)
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// serveConn verifies the token, registers the connection, and runs it until
// it closes. An invalid token closes the socket with 4001 before any
// registration happens.
func (s *Server) serveConn(conn types.Conn, token string) {
	userID, err := s.verifier.Verify(context.Background(), token)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejecting unauthenticated connection")
		_ = conn.CloseWithCode(types.CloseUnauthorized, "missing or invalid auth token")
		return
	}

	client := hub.NewClient(userID, conn)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("user_id", userID).
				Msg("connection handler panicked")
			_ = conn.CloseWithCode(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	s.svc.HandleConnection(context.Background(), client)
}

// extractToken pulls the bearer token from the "token" query parameter or
// the Authorization header.
func extractToken(ctx *fasthttp.RequestCtx) string {
	if token := string(ctx.QueryArgs().Peek("token")); token != "" {
		return token
	}
	auth := string(ctx.Request.Header.Peek("Authorization"))
	if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return t
	}
	return ""
}
