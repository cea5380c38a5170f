// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/VerdantAI/concierge/services/gateway/datatypes"
)

// =============================================================================
// Wire Types
// =============================================================================

// serverFrame is the envelope of every gateway-to-client message. The
// payload stays raw until the caller knows the frame type.
type serverFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Welcome decodes the payload of a welcome frame.
func (f *serverFrame) Welcome() (*datatypes.WelcomeData, error) {
	var w datatypes.WelcomeData
	if err := json.Unmarshal(f.Data, &w); err != nil {
		return nil, fmt.Errorf("invalid welcome payload: %w", err)
	}
	return &w, nil
}

// Chunk decodes the payload of a chunk or complete frame.
func (f *serverFrame) Chunk() (*datatypes.ChunkData, error) {
	var c datatypes.ChunkData
	if err := json.Unmarshal(f.Data, &c); err != nil {
		return nil, fmt.Errorf("invalid chunk payload: %w", err)
	}
	return &c, nil
}

// ErrorMessage decodes the payload of an error frame.
func (f *serverFrame) ErrorMessage() string {
	var e datatypes.ErrorData
	if err := json.Unmarshal(f.Data, &e); err != nil {
		return "unknown error"
	}
	return e.Message
}

// =============================================================================
// ChatClient
// =============================================================================

// ChatClient is a thin wrapper over a gateway websocket session. It is
// not safe for concurrent use; the chat loop is strictly sequential.
type ChatClient struct {
	conn *websocket.Conn
}

// DialBrand connects to the gateway's chat (or voice) endpoint for the
// given brand and waits for the welcome frame. A non-welcome first
// frame is treated as a connect failure, which is what the gateway
// sends for an inactive brand.
func DialBrand(ctx context.Context, server, brand string, voice bool) (*ChatClient, *datatypes.WelcomeData, error) {
	endpoint := "chat"
	if voice {
		endpoint = "voice"
	}
	u := url.URL{Scheme: "ws", Host: server, Path: fmt.Sprintf("/ws/%s/%s", endpoint, brand)}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", u.String(), err)
	}

	client := &ChatClient{conn: conn}
	frame, err := client.Next()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("reading welcome frame: %w", err)
	}
	if frame.Type == datatypes.FrameTypeError {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("gateway rejected session: %s", frame.ErrorMessage())
	}
	if frame.Type != datatypes.FrameTypeWelcome {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("expected welcome frame, got %q", frame.Type)
	}
	welcome, err := frame.Welcome()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return client, welcome, nil
}

// SendChat sends one chat frame carrying the user's utterance.
func (c *ChatClient) SendChat(p datatypes.ChatPayload) error {
	frame := map[string]any{"type": datatypes.FrameTypeChat, "data": p}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("sending chat frame: %w", err)
	}
	return nil
}

// SendPing sends one ping frame. The gateway answers with a pong even
// while an answer is streaming.
func (c *ChatClient) SendPing() error {
	frame := map[string]any{"type": datatypes.FrameTypePing, "data": map[string]any{}}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("sending ping frame: %w", err)
	}
	return nil
}

// Next blocks until the next frame arrives from the gateway.
func (c *ChatClient) Next() (*serverFrame, error) {
	var frame serverFrame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return &frame, nil
}

// Close tears down the websocket connection.
func (c *ChatClient) Close() error {
	return c.conn.Close()
}
