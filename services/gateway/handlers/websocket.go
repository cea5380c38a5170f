// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's WebSocket sessions and the
// REST facade over conversation history.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/VerdantAI/concierge/services/gateway/brand"
	"github.com/VerdantAI/concierge/services/gateway/conversation"
	"github.com/VerdantAI/concierge/services/gateway/datatypes"
	"github.com/VerdantAI/concierge/services/gateway/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Gateway bundles the dependencies the handlers close over and owns the
// map of live sessions. Sessions register on accept and deregister when
// their run loop returns; nothing else holds a session reference.
type Gateway struct {
	Registry     *brand.Registry
	Streamer     *Streamer
	Store        conversation.Store
	Metrics      *observability.GatewayMetrics
	WriteTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func (g *Gateway) register(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessions == nil {
		g.sessions = make(map[string]*Session)
	}
	g.sessions[s.id] = s
}

func (g *Gateway) deregister(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, s.id)
}

// SessionCount reports how many sessions are currently live.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// HandleChatWebSocket upgrades the connection and runs a text session.
//
// # Description
//
// Unknown and inactive brands still get the upgrade, then exactly one
// error frame and an immediate close, which lets browser clients read
// the reason off the socket instead of seeing a bare handshake failure.
func (g *Gateway) HandleChatWebSocket() gin.HandlerFunc {
	return g.handleWebSocket(false)
}

// HandleVoiceWebSocket is the voice-shaped variant: every utterance is
// answered with a single sentence regardless of the per-frame flag.
func (g *Gateway) HandleVoiceWebSocket() gin.HandlerFunc {
	return g.handleWebSocket(true)
}

func (g *Gateway) handleWebSocket(voiceForced bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		brandID := c.Param("brandId")

		b, lookupErr := g.Registry.GetBrand(brandID)

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade the websocket", "brandId", brandID, "error", err)
			return
		}

		if lookupErr != nil {
			// Unknown or inactive brand: exactly one error frame, then
			// close. The upgrade happens first so the client can read
			// the reason off the socket.
			g.Metrics.RecordError(brandID, observability.ErrorCodeBrandUnavailable)
			message := "this brand is currently unavailable"
			if errors.Is(lookupErr, brand.ErrBrandNotFound) {
				message = fmt.Sprintf("brand %q not found", brandID)
			}
			_ = ws.WriteJSON(datatypes.NewErrorFrame(message))
			ws.Close()
			return
		}

		session := NewSession(c.Request.Context(), ws, b.Snapshot(),
			g.Streamer, g.Metrics, voiceForced, g.WriteTimeout)
		g.register(session)
		session.Run()
		g.deregister(session)
	}
}
