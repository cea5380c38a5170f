// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/VerdantAI/concierge/services/gateway/brand"
	"github.com/VerdantAI/concierge/services/gateway/conversation"
	"github.com/VerdantAI/concierge/services/gateway/datatypes"
	"github.com/VerdantAI/concierge/services/gateway/observability"
	"github.com/VerdantAI/concierge/services/gateway/recommend"
	"github.com/VerdantAI/concierge/services/llm"
)

var tracer = otel.Tracer("concierge.gateway.handlers")

const (
	// defaultHistoryWindow is the sliding window of prior turns
	// included in the prompt when no override is configured.
	defaultHistoryWindow = 20

	// defaultMaxTokens bounds a normal answer.
	defaultMaxTokens = 600

	// voiceMaxTokens bounds a voice answer. The hard guarantee of a
	// single sentence comes from truncation during streaming; the small
	// budget just keeps the backend from generating text we then throw
	// away.
	voiceMaxTokens = 120

	voiceInstruction = "Answer in exactly one short spoken sentence. " +
		"No lists, no markdown, no follow-up questions."
)

// errVoiceDone aborts a voice-mode stream once the first sentence has
// been emitted. It marks successful early termination, not a failure.
var errVoiceDone = errors.New("voice answer complete")

// ProcessRequest carries everything the streamer needs for one
// utterance. Emit delivers outbound frames in order and returns an
// error once the session is gone.
type ProcessRequest struct {
	Brand          brand.Snapshot
	ConversationID string
	Message        string
	UserID         string
	Voice          bool
	Emit           func(datatypes.OutboundFrame) error
}

// Streamer turns one utterance into a chunk stream, a recommendation
// decision, two persisted turns, and a complete frame.
type Streamer struct {
	client         llm.LLMClient
	gate           *recommend.Gate
	store          conversation.Store
	metrics        *observability.GatewayMetrics
	backendTimeout time.Duration
	historyWindow  int
}

// NewStreamer wires the per-utterance pipeline. historyWindow bounds
// how many prior turns the prompt carries; zero or negative selects
// the default.
func NewStreamer(client llm.LLMClient, gate *recommend.Gate, store conversation.Store,
	metrics *observability.GatewayMetrics, backendTimeout time.Duration, historyWindow int) *Streamer {

	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	return &Streamer{
		client:         client,
		gate:           gate,
		store:          store,
		metrics:        metrics,
		backendTimeout: backendTimeout,
		historyWindow:  historyWindow,
	}
}

// Process handles one utterance end to end.
//
// # Description
//
// Generation and the recommendation gate run concurrently against the
// backend. Answer fragments are emitted as chunk frames while tokens
// arrive; once both finish, the catalog is searched if the gate said
// yes, both turns are persisted, and the complete frame closes the
// utterance.
//
// A failure in generation or classification fails the whole utterance:
// the caller sends the error frame and nothing is persisted, so history
// never contains a half-answered turn. A catalog search failure only
// degrades to a no-recommendation answer.
func (s *Streamer) Process(ctx context.Context, req ProcessRequest) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.backendTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Streamer.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway.brand_id", req.Brand.ID),
		attribute.String("gateway.conversation_id", req.ConversationID),
		attribute.Bool("gateway.voice", req.Voice),
	)

	history, err := s.store.History(ctx, req.ConversationID)
	if err != nil {
		// The turn can still be answered without context.
		slog.Warn("Failed to load conversation history, answering without it",
			"conversationId", req.ConversationID, "error", err)
		history = nil
	}
	messages := buildMessages(req.Brand, history, req.Message, req.Voice, s.historyWindow)

	var (
		shouldRecommend bool
		emitted         strings.Builder
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		decision, err := s.gate.ShouldRecommend(gctx, req.Message, history)
		if err != nil {
			return err
		}
		shouldRecommend = decision
		return nil
	})
	g.Go(func() error {
		return s.streamAnswer(gctx, req, messages, &emitted)
	})

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordStreamDuration(req.Brand.ID, time.Since(start).Seconds(), false)
		return err
	}

	var rec *datatypes.RecommendationResult
	if shouldRecommend {
		rec = s.gate.Recommend(ctx, req.Brand.ID, req.Message)
	}
	s.metrics.RecordRecommendation(req.Brand.ID, rec != nil)

	s.persistTurns(ctx, req, emitted.String(), rec)

	if err := req.Emit(datatypes.NewCompleteFrame(req.ConversationID, rec)); err != nil {
		return err
	}
	s.metrics.RecordStreamDuration(req.Brand.ID, time.Since(start).Seconds(), true)
	return nil
}

// streamAnswer runs the streaming generation call and emits chunk
// frames. In voice mode it stops after the first complete sentence, so
// what the client assembled always equals what gets persisted.
func (s *Streamer) streamAnswer(ctx context.Context, req ProcessRequest,
	messages []datatypes.Message, emitted *strings.Builder) error {

	maxTokens := defaultMaxTokens
	if req.Voice {
		maxTokens = voiceMaxTokens
	}
	params := llm.GenerationParams{MaxTokens: &maxTokens}

	var pending string
	err := s.client.ChatStream(ctx, messages, params, func(event llm.StreamEvent) error {
		switch event.Type {
		case llm.StreamEventError:
			return fmt.Errorf("backend stream error: %s", event.Error)
		case llm.StreamEventToken:
			fragment := event.Content
			if fragment == "" {
				return nil
			}
			if req.Voice {
				pending += fragment
				cut := sentenceCutoff(pending)
				if cut < 0 {
					return nil
				}
				if err := s.emitChunk(req, pending[:cut], emitted); err != nil {
					return err
				}
				return errVoiceDone
			}
			return s.emitChunk(req, fragment, emitted)
		}
		return nil
	})
	if errors.Is(err, errVoiceDone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}
	// Voice answers without a terminator still get delivered whole.
	if req.Voice && pending != "" && emitted.Len() == 0 {
		return s.emitChunk(req, pending, emitted)
	}
	return nil
}

// emitChunk sends one chunk frame and records it in the running answer.
func (s *Streamer) emitChunk(req ProcessRequest, content string, emitted *strings.Builder) error {
	if err := req.Emit(datatypes.NewChunkFrame(content, req.ConversationID)); err != nil {
		return err
	}
	emitted.WriteString(content)
	s.metrics.RecordChunk(req.Brand.ID)
	return nil
}

// persistTurns appends the user and assistant turns. The answer has
// already been streamed, so a storage failure is logged rather than
// surfaced to the client.
func (s *Streamer) persistTurns(ctx context.Context, req ProcessRequest,
	answer string, rec *datatypes.RecommendationResult) {

	userTurn := datatypes.NewTurn(datatypes.RoleUser, req.Message)
	if err := s.store.Append(ctx, req.ConversationID, userTurn); err != nil {
		slog.Warn("Failed to persist user turn",
			"conversationId", req.ConversationID, "error", err)
		return
	}

	assistantTurn := datatypes.NewTurn(datatypes.RoleAssistant, answer)
	if rec != nil {
		assistantTurn.SuggestedProducts = rec.Products
		confidence := rec.Confidence
		assistantTurn.ConfidenceScore = &confidence
	}
	if err := s.store.Append(ctx, req.ConversationID, assistantTurn); err != nil {
		slog.Warn("Failed to persist assistant turn",
			"conversationId", req.ConversationID, "error", err)
	}
}

// buildMessages assembles the prompt: brand system prompt, persona,
// optional voice instruction, a sliding window of history, then the new
// utterance.
func buildMessages(snap brand.Snapshot, history []datatypes.Turn,
	message string, voice bool, window int) []datatypes.Message {

	var system strings.Builder
	system.WriteString(snap.SystemPrompt)
	if snap.PersonaPrompt != "" {
		system.WriteString("\n\n")
		system.WriteString(snap.PersonaPrompt)
	}
	if voice {
		system.WriteString("\n\n")
		system.WriteString(voiceInstruction)
	}

	if len(history) > window {
		history = history[len(history)-window:]
	}

	messages := make([]datatypes.Message, 0, len(history)+2)
	messages = append(messages, datatypes.Message{
		Role:    datatypes.RoleSystem,
		Content: system.String(),
	})
	for _, turn := range history {
		messages = append(messages, turn.Message())
	}
	messages = append(messages, datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: message,
	})
	return messages
}

// sentenceCutoff returns the byte index just past the first sentence
// terminator, or -1 when the text has no complete sentence yet. A
// terminator only counts at end of text or before whitespace, so
// decimals like "3.5" do not end the sentence.
func sentenceCutoff(text string) int {
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				return i + 1
			}
		}
	}
	return -1
}
