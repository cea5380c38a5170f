// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VerdantAI/concierge/services/catalog"
	"github.com/VerdantAI/concierge/services/gateway/brand"
	"github.com/VerdantAI/concierge/services/gateway/conversation"
	"github.com/VerdantAI/concierge/services/gateway/datatypes"
)

const wsTestBrandYAML = `
brands:
  - id: acme
    name: Acme Outdoors
    system_prompt: You help Acme Outdoors customers.
    welcome_message: Welcome to Acme!
    active: true
  - id: dormant
    name: Dormant Brand
    system_prompt: Unused.
    active: false
`

// wireFrame is the raw shape read off the test connection.
type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireChunk struct {
	Content           string              `json:"content"`
	IsFinal           bool                `json:"is_final"`
	ConversationID    string              `json:"conversation_id"`
	SuggestedProducts []datatypes.Product `json:"suggested_products"`
	ConfidenceScore   *float64            `json:"confidence_score"`
}

func newTestGateway(t *testing.T, client *fakeLLM, searcher catalog.Searcher) (*Gateway, conversation.Store) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "brands.yaml")
	require.NoError(t, os.WriteFile(path, []byte(wsTestBrandYAML), 0644))
	registry, err := brand.NewRegistry(path)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	store := conversation.NewMemoryStore()
	streamer := newTestStreamer(client, searcher, store)
	return &Gateway{
		Registry:     registry,
		Streamer:     streamer,
		Store:        store,
		Metrics:      testMetrics(),
		WriteTimeout: 5 * time.Second,
	}, store
}

func newTestServer(t *testing.T, gateway *Gateway) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/chat/:brandId", gateway.HandleChatWebSocket())
	router.GET("/ws/voice/:brandId", gateway.HandleVoiceWebSocket())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntilComplete reads frames until the complete frame, returning
// every frame seen including it.
func readUntilComplete(t *testing.T, conn *websocket.Conn) []wireFrame {
	t.Helper()
	var frames []wireFrame
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f.Type == datatypes.FrameTypeComplete {
			return frames
		}
	}
}

func sendChat(t *testing.T, conn *websocket.Conn, message string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "chat",
		"data": map[string]any{"message": message},
	}))
}

func decodeChunk(t *testing.T, f wireFrame) wireChunk {
	t.Helper()
	var c wireChunk
	require.NoError(t, json.Unmarshal(f.Data, &c))
	return c
}

// =============================================================================
// Tests
// =============================================================================

func TestWebSocket_WelcomeThenChatRoundTrip(t *testing.T) {
	client := &fakeLLM{gateReply: "NO", fragments: []string{"Hel", "lo ", "world."}}
	gateway, store := newTestGateway(t, client, nil)
	server := newTestServer(t, gateway)

	conn := dial(t, server, "/ws/chat/acme")

	// The welcome frame is the first thing on the wire.
	welcome := readFrame(t, conn)
	require.Equal(t, datatypes.FrameTypeWelcome, welcome.Type)
	var welcomeData struct {
		Message   string `json:"message"`
		BrandID   string `json:"brand_id"`
		BrandName string `json:"brand_name"`
	}
	require.NoError(t, json.Unmarshal(welcome.Data, &welcomeData))
	assert.Equal(t, "Welcome to Acme!", welcomeData.Message)
	assert.Equal(t, "acme", welcomeData.BrandID)

	sendChat(t, conn, "say hello")
	frames := readUntilComplete(t, conn)

	var answer strings.Builder
	var conversationID string
	for _, f := range frames {
		if f.Type != datatypes.FrameTypeChunk {
			continue
		}
		c := decodeChunk(t, f)
		assert.False(t, c.IsFinal)
		assert.Nil(t, c.SuggestedProducts)
		assert.Nil(t, c.ConfidenceScore)
		answer.WriteString(c.Content)
		conversationID = c.ConversationID
	}
	assert.Equal(t, "Hello world.", answer.String())

	complete := decodeChunk(t, frames[len(frames)-1])
	assert.True(t, complete.IsFinal)
	assert.NotEmpty(t, complete.ConversationID)
	assert.Equal(t, conversationID, complete.ConversationID)

	// History reflects exactly what was streamed.
	turns, err := store.History(t.Context(), complete.ConversationID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "Hello world.", turns[1].Content)
}

func TestWebSocket_PongDuringProcessing(t *testing.T) {
	client := &fakeLLM{
		gateReply:   "NO",
		fragments:   []string{"thinking", " hard", " done."},
		streamDelay: 150 * time.Millisecond,
	}
	gateway, _ := newTestGateway(t, client, nil)
	server := newTestServer(t, gateway)

	conn := dial(t, server, "/ws/chat/acme")
	require.Equal(t, datatypes.FrameTypeWelcome, readFrame(t, conn).Type)

	sendChat(t, conn, "slow question")
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping", "data": map[string]any{}}))

	pongIndex, completeIndex := -1, -1
	var frames []wireFrame
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		switch f.Type {
		case datatypes.FrameTypePong:
			pongIndex = len(frames) - 1
		case datatypes.FrameTypeComplete:
			completeIndex = len(frames) - 1
		}
		if completeIndex >= 0 && pongIndex >= 0 {
			break
		}
	}

	// The pong must not wait for the in-flight utterance.
	assert.Less(t, pongIndex, completeIndex,
		"pong should arrive while the answer is still streaming")

	var pong struct {
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(frames[pongIndex].Data, &pong))
	_, err := time.Parse(time.RFC3339, pong.Timestamp)
	assert.NoError(t, err)
}

func TestWebSocket_MalformedFrameKeepsSessionAlive(t *testing.T) {
	client := &fakeLLM{gateReply: "NO", fragments: []string{"fine."}}
	gateway, _ := newTestGateway(t, client, nil)
	server := newTestServer(t, gateway)

	conn := dial(t, server, "/ws/chat/acme")
	require.Equal(t, datatypes.FrameTypeWelcome, readFrame(t, conn).Type)

	// Not JSON at all.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	assert.Equal(t, datatypes.FrameTypeError, readFrame(t, conn).Type)

	// Unknown type.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "data": map[string]any{}}))
	assert.Equal(t, datatypes.FrameTypeError, readFrame(t, conn).Type)

	// Chat with an empty message.
	sendChat(t, conn, "")
	assert.Equal(t, datatypes.FrameTypeError, readFrame(t, conn).Type)

	// The session still works.
	sendChat(t, conn, "still there?")
	frames := readUntilComplete(t, conn)
	assert.Equal(t, datatypes.FrameTypeComplete, frames[len(frames)-1].Type)
}

func TestWebSocket_UnknownBrandGetsErrorFrameThenClose(t *testing.T) {
	gateway, _ := newTestGateway(t, &fakeLLM{gateReply: "NO"}, nil)
	server := newTestServer(t, gateway)

	conn := dial(t, server, "/ws/chat/nobody")

	f := readFrame(t, conn)
	require.Equal(t, datatypes.FrameTypeError, f.Type)
	var e datatypes.ErrorData
	require.NoError(t, json.Unmarshal(f.Data, &e))
	assert.Contains(t, e.Message, "not found")

	var discard wireFrame
	assert.Error(t, conn.ReadJSON(&discard))
}

func TestWebSocket_InactiveBrandGetsErrorFrameThenClose(t *testing.T) {
	gateway, _ := newTestGateway(t, &fakeLLM{gateReply: "NO"}, nil)
	server := newTestServer(t, gateway)

	conn := dial(t, server, "/ws/chat/dormant")

	f := readFrame(t, conn)
	assert.Equal(t, datatypes.FrameTypeError, f.Type)

	// Next read observes the close.
	var discard wireFrame
	err := conn.ReadJSON(&discard)
	assert.Error(t, err)
}

func TestWebSocket_VoiceEndpointForcesSingleSentence(t *testing.T) {
	client := &fakeLLM{
		gateReply: "NO",
		fragments: []string{"The TrailMaster is our best seller.", " It also comes in red."},
	}
	gateway, _ := newTestGateway(t, client, nil)
	server := newTestServer(t, gateway)

	conn := dial(t, server, "/ws/voice/acme")
	require.Equal(t, datatypes.FrameTypeWelcome, readFrame(t, conn).Type)

	// No voice flag on the frame; the endpoint forces it.
	sendChat(t, conn, "best backpack?")
	frames := readUntilComplete(t, conn)

	var answer strings.Builder
	for _, f := range frames {
		if f.Type == datatypes.FrameTypeChunk {
			answer.WriteString(decodeChunk(t, f).Content)
		}
	}
	assert.Equal(t, "The TrailMaster is our best seller.", answer.String())
}

func TestWebSocket_ConversationIDStableAcrossUtterances(t *testing.T) {
	client := &fakeLLM{gateReply: "NO", fragments: []string{"ok."}}
	gateway, _ := newTestGateway(t, client, nil)
	server := newTestServer(t, gateway)

	conn := dial(t, server, "/ws/chat/acme")
	require.Equal(t, datatypes.FrameTypeWelcome, readFrame(t, conn).Type)

	sendChat(t, conn, "first")
	first := decodeChunk(t, readUntilComplete(t, conn)[0])

	sendChat(t, conn, "second")
	second := decodeChunk(t, readUntilComplete(t, conn)[0])

	assert.NotEmpty(t, first.ConversationID)
	assert.Equal(t, first.ConversationID, second.ConversationID)
}

func TestWebSocket_ExplicitConversationIDRebindsSession(t *testing.T) {
	client := &fakeLLM{gateReply: "NO", fragments: []string{"ok."}}
	gateway, _ := newTestGateway(t, client, nil)
	server := newTestServer(t, gateway)

	conn := dial(t, server, "/ws/chat/acme")
	require.Equal(t, datatypes.FrameTypeWelcome, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "chat",
		"data": map[string]any{"message": "resume please", "conversation_id": "prior-conv"},
	}))
	frames := readUntilComplete(t, conn)
	complete := decodeChunk(t, frames[len(frames)-1])
	assert.Equal(t, "prior-conv", complete.ConversationID)
}

func TestWebSocket_SessionMapTracksConnectionLifecycle(t *testing.T) {
	client := &fakeLLM{gateReply: "NO", fragments: []string{"ok."}}
	gateway, _ := newTestGateway(t, client, nil)
	server := newTestServer(t, gateway)

	require.Equal(t, 0, gateway.SessionCount())

	conn := dial(t, server, "/ws/chat/acme")
	require.Equal(t, datatypes.FrameTypeWelcome, readFrame(t, conn).Type)
	require.Eventually(t, func() bool { return gateway.SessionCount() == 1 },
		2*time.Second, 20*time.Millisecond)

	second := dial(t, server, "/ws/chat/acme")
	require.Equal(t, datatypes.FrameTypeWelcome, readFrame(t, second).Type)
	require.Eventually(t, func() bool { return gateway.SessionCount() == 2 },
		2*time.Second, 20*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return gateway.SessionCount() == 1 },
		2*time.Second, 20*time.Millisecond)

	second.Close()
	require.Eventually(t, func() bool { return gateway.SessionCount() == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestWebSocket_RateLimitedChatGetsErrorFrame(t *testing.T) {
	client := &fakeLLM{gateReply: "NO", fragments: []string{"ok."}, streamDelay: 200 * time.Millisecond}
	gateway, _ := newTestGateway(t, client, nil)
	server := newTestServer(t, gateway)

	conn := dial(t, server, "/ws/chat/acme")
	require.Equal(t, datatypes.FrameTypeWelcome, readFrame(t, conn).Type)

	// The session allows a burst of five; the extra two trip the limiter.
	for i := 0; i < 7; i++ {
		sendChat(t, conn, "rapid fire")
	}

	sawRateLimit := false
	for i := 0; i < 30 && !sawRateLimit; i++ {
		f := readFrame(t, conn)
		if f.Type != datatypes.FrameTypeError {
			continue
		}
		var e datatypes.ErrorData
		require.NoError(t, json.Unmarshal(f.Data, &e))
		if strings.Contains(e.Message, "too many messages") {
			sawRateLimit = true
		}
	}
	assert.True(t, sawRateLimit, "expected a rate-limit error frame")
}
