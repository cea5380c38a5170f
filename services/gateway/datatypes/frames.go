// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

// Frame type discriminators for the websocket protocol.
const (
	FrameTypeChat     = "chat"
	FrameTypePing     = "ping"
	FrameTypeWelcome  = "welcome"
	FrameTypeChunk    = "chunk"
	FrameTypeComplete = "complete"
	FrameTypeError    = "error"
	FrameTypePong     = "pong"
)

// MaxMessageContentBytes is the maximum size of a single chat message.
// Checked in bytes, not runes, to bound memory regardless of encoding.
const MaxMessageContentBytes = 32 * 1024 // 32KB

// =============================================================================
// Shared Validator Instance
// =============================================================================

// frameValidate is the validator instance for inbound frame payloads.
var frameValidate *validator.Validate

func init() {
	frameValidate = validator.New()
	_ = frameValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Inbound Frames
// =============================================================================

// Frame is the envelope every inbound websocket message must match:
// a type discriminator plus a type-specific data object.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ChatPayload is the data object of an inbound "chat" frame.
//
// # Fields
//
//   - Message: Required user utterance, at most MaxMessageContentBytes.
//   - ConversationID: Optional conversation to continue. When absent on
//     the first utterance of a session, the gateway assigns one.
//   - UserID: Optional opaque caller identifier, logged only.
//   - Voice: Optional request for a single-sentence voice-shaped answer.
//     Ignored on the voice endpoint, which forces voice mode.
type ChatPayload struct {
	Message        string `json:"message" validate:"required,maxbytes"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Voice          bool   `json:"voice,omitempty"`
}

// Validate checks the payload against its validation tags.
func (p *ChatPayload) Validate() error {
	return frameValidate.Struct(p)
}

// ParseFrame decodes an inbound frame envelope. It rejects frames with
// an empty or unknown type so the session can answer with a protocol
// error rather than silently dropping the message.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid frame JSON: %w", err)
	}
	switch f.Type {
	case FrameTypeChat, FrameTypePing:
		return &f, nil
	case "":
		return nil, fmt.Errorf("frame is missing the type field")
	default:
		return nil, fmt.Errorf("unsupported frame type %q", f.Type)
	}
}

// ChatData decodes and validates the chat payload of a chat frame.
func (f *Frame) ChatData() (*ChatPayload, error) {
	if f.Type != FrameTypeChat {
		return nil, fmt.Errorf("frame type %q is not a chat frame", f.Type)
	}
	var p ChatPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return nil, fmt.Errorf("invalid chat payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chat payload: %w", err)
	}
	return &p, nil
}

// =============================================================================
// Outbound Frames
// =============================================================================

// OutboundFrame is the envelope for every server-to-client message.
// Data is one of the *Data payload structs below.
type OutboundFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WelcomeData greets the caller after a successful brand bind.
type WelcomeData struct {
	Message   string `json:"message"`
	BrandID   string `json:"brand_id"`
	BrandName string `json:"brand_name"`
}

// ChunkData is a partial, non-final fragment of an in-progress answer.
// SuggestedProducts and ConfidenceScore are always null on chunks; they
// are carried here so chunk and complete frames share one shape on the
// wire, as clients concatenate Content across both.
type ChunkData struct {
	Content           string    `json:"content"`
	IsFinal           bool      `json:"is_final"`
	ConversationID    string    `json:"conversation_id"`
	SuggestedProducts []Product `json:"suggested_products"`
	ConfidenceScore   *float64  `json:"confidence_score"`
}

// ErrorData carries a human-readable failure cause.
type ErrorData struct {
	Message string `json:"message"`
}

// PongData answers a ping with the current server time.
type PongData struct {
	Timestamp string `json:"timestamp"`
}

// NewWelcomeFrame builds the single welcome frame sent after accept.
func NewWelcomeFrame(message, brandID, brandName string) OutboundFrame {
	return OutboundFrame{
		Type: FrameTypeWelcome,
		Data: WelcomeData{Message: message, BrandID: brandID, BrandName: brandName},
	}
}

// NewChunkFrame builds a non-final content fragment frame.
func NewChunkFrame(content, conversationID string) OutboundFrame {
	return OutboundFrame{
		Type: FrameTypeChunk,
		Data: ChunkData{
			Content:        content,
			IsFinal:        false,
			ConversationID: conversationID,
		},
	}
}

// NewCompleteFrame builds the terminal frame for one utterance. A nil
// recommendation serializes products and confidence as JSON null, which
// is the protocol's "gate declined" marker.
func NewCompleteFrame(conversationID string, rec *RecommendationResult) OutboundFrame {
	data := ChunkData{
		Content:        "",
		IsFinal:        true,
		ConversationID: conversationID,
	}
	if rec != nil {
		// Distinct from the nil case: an empty array means the catalog
		// was searched and nothing relevant was found.
		if rec.Products == nil {
			data.SuggestedProducts = []Product{}
		} else {
			data.SuggestedProducts = rec.Products
		}
		confidence := rec.Confidence
		data.ConfidenceScore = &confidence
	}
	return OutboundFrame{Type: FrameTypeComplete, Data: data}
}

// NewErrorFrame builds an error frame with a human-readable cause.
func NewErrorFrame(message string) OutboundFrame {
	return OutboundFrame{Type: FrameTypeError, Data: ErrorData{Message: message}}
}

// NewPongFrame builds the answer to a ping frame.
func NewPongFrame(now time.Time) OutboundFrame {
	return OutboundFrame{
		Type: FrameTypePong,
		Data: PongData{Timestamp: now.UTC().Format(time.RFC3339)},
	}
}
