// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleGetHistory returns a conversation's turns in append order. An
// unknown id is an empty history, not a 404: conversations come into
// being lazily, so absence and emptiness are the same thing.
func (g *Gateway) HandleGetHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		conversationID := c.Param("conversationId")

		turns, err := g.Store.History(c.Request.Context(), conversationID)
		if err != nil {
			slog.Error("Failed to load conversation history",
				"conversationId", conversationID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"conversation_id": conversationID,
			"turns":           turns,
		})
	}
}

// HandleClearConversation deletes a conversation. Clearing an unknown
// id succeeds; the end state is the same either way.
func (g *Gateway) HandleClearConversation() gin.HandlerFunc {
	return func(c *gin.Context) {
		conversationID := c.Param("conversationId")

		if err := g.Store.Clear(c.Request.Context(), conversationID); err != nil {
			slog.Error("Failed to clear conversation",
				"conversationId", conversationID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear conversation"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cleared", "conversation_id": conversationID})
	}
}

// HandleHealth reports liveness and the loaded brands.
func (g *Gateway) HandleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"brands": g.Registry.BrandIDs(),
		})
	}
}
