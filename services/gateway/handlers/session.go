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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/VerdantAI/concierge/services/gateway/brand"
	"github.com/VerdantAI/concierge/services/gateway/datatypes"
	"github.com/VerdantAI/concierge/services/gateway/observability"
)

const (
	// outboundQueueSize bounds frames waiting for the writer. A slow
	// client that cannot drain this queue stalls its own worker, never
	// other sessions.
	outboundQueueSize = 64

	// chatQueueSize bounds utterances waiting for the worker. Chats are
	// processed strictly in arrival order, one at a time.
	chatQueueSize = 8

	// chatRatePerSecond and chatBurst cap how fast one session may
	// submit utterances.
	chatRatePerSecond = 2
	chatBurst         = 5
)

// errSessionClosed reports that the session context ended while a
// producer was trying to enqueue an outbound frame.
var errSessionClosed = errors.New("session closed")

// Session owns one WebSocket connection from accept to close.
//
// # Description
//
// Three goroutines cooperate per session:
//
//   - reader: parses inbound frames. Pings are answered immediately,
//     even while an utterance is being processed. Chats are queued.
//   - worker: drains the chat queue one utterance at a time, so answers
//     for one conversation never interleave.
//   - writer: the only goroutine that touches the connection's write
//     side. A per-write deadline doubles as the dead-connection reaper.
//
// Any goroutine exiting cancels the session context, which unwinds the
// other two and closes the connection.
type Session struct {
	id       string
	conn     *websocket.Conn
	brand    brand.Snapshot
	streamer *Streamer
	metrics  *observability.GatewayMetrics

	// voiceForced pins every utterance to voice mode regardless of the
	// per-frame flag. Set by the voice endpoint.
	voiceForced bool

	writeTimeout time.Duration
	limiter      *rate.Limiter

	outbound  chan datatypes.OutboundFrame
	chatQueue chan *datatypes.ChatPayload

	ctx    context.Context
	cancel context.CancelFunc

	// conversationID is the session's current conversation. Assigned on
	// the first chat that does not name one; a chat that does name one
	// rebinds the session to it.
	convMu         sync.Mutex
	conversationID string
}

// NewSession wires up a session for an accepted connection. Run must be
// called to start it.
func NewSession(parent context.Context, conn *websocket.Conn, snap brand.Snapshot,
	streamer *Streamer, metrics *observability.GatewayMetrics,
	voiceForced bool, writeTimeout time.Duration) *Session {

	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:           uuid.New().String(),
		conn:         conn,
		brand:        snap,
		streamer:     streamer,
		metrics:      metrics,
		voiceForced:  voiceForced,
		writeTimeout: writeTimeout,
		limiter:      rate.NewLimiter(rate.Limit(chatRatePerSecond), chatBurst),
		outbound:     make(chan datatypes.OutboundFrame, outboundQueueSize),
		chatQueue:    make(chan *datatypes.ChatPayload, chatQueueSize),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Run drives the session until the client disconnects or the parent
// context ends. It blocks for the session's lifetime.
func (s *Session) Run() {
	s.metrics.SessionStarted(s.brand.ID)
	defer s.metrics.SessionEnded(s.brand.ID)
	defer s.cancel()
	defer s.conn.Close()

	slog.Info("Session started", "sessionId", s.id, "brandId", s.brand.ID,
		"voice", s.voiceForced)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer wg.Done()
		s.workLoop()
	}()

	// The welcome frame is the first thing on the wire.
	s.send(datatypes.NewWelcomeFrame(s.brand.WelcomeMessage, s.brand.ID, s.brand.Name))

	s.readLoop()
	s.cancel()
	wg.Wait()

	slog.Info("Session ended", "sessionId", s.id, "brandId", s.brand.ID)
}

// send enqueues a frame for the writer. It blocks when the outbound
// queue is full, which is the backpressure that stalls this session's
// producers behind a slow client. Returns errSessionClosed once the
// session context ends.
func (s *Session) send(frame datatypes.OutboundFrame) error {
	select {
	case s.outbound <- frame:
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

// sendError enqueues an error frame and counts it.
func (s *Session) sendError(message string, code observability.ErrorCode) {
	s.metrics.RecordError(s.brand.ID, code)
	_ = s.send(datatypes.NewErrorFrame(message))
}

// =============================================================================
// Reader
// =============================================================================

// readLoop parses inbound frames until the connection drops. A
// malformed frame produces an error frame and the session keeps
// going; only a transport failure ends the loop.
func (s *Session) readLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				slog.Warn("Session read failed", "sessionId", s.id, "error", err)
			} else {
				slog.Info("Session client disconnected", "sessionId", s.id)
			}
			return
		}

		frame, err := datatypes.ParseFrame(raw)
		if err != nil {
			s.metrics.RecordInboundFrame("malformed")
			s.sendError(err.Error(), observability.ErrorCodeMalformedFrame)
			continue
		}
		s.metrics.RecordInboundFrame(frame.Type)

		switch frame.Type {
		case datatypes.FrameTypePing:
			// Answered from the reader so pings are never stuck behind
			// an in-flight utterance.
			_ = s.send(datatypes.NewPongFrame(time.Now()))

		case datatypes.FrameTypeChat:
			payload, err := frame.ChatData()
			if err != nil {
				s.sendError(err.Error(), observability.ErrorCodeMalformedFrame)
				continue
			}
			if !s.limiter.Allow() {
				s.sendError("too many messages, slow down",
					observability.ErrorCodeRateLimited)
				continue
			}
			select {
			case s.chatQueue <- payload:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// =============================================================================
// Worker
// =============================================================================

// workLoop processes queued utterances strictly sequentially.
func (s *Session) workLoop() {
	for {
		select {
		case payload := <-s.chatQueue:
			s.processChat(payload)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) processChat(payload *datatypes.ChatPayload) {
	conversationID := s.bindConversation(payload.ConversationID)

	req := ProcessRequest{
		Brand:          s.brand,
		ConversationID: conversationID,
		Message:        payload.Message,
		UserID:         payload.UserID,
		Voice:          s.voiceForced || payload.Voice,
		Emit:           s.send,
	}
	if err := s.streamer.Process(s.ctx, req); err != nil {
		if errors.Is(err, errSessionClosed) || s.ctx.Err() != nil {
			return
		}
		slog.Error("Utterance processing failed", "sessionId", s.id,
			"conversationId", conversationID, "error", err)
		s.sendError("the assistant is unavailable right now, please try again",
			observability.ErrorCodeBackendFailure)
	}
}

// bindConversation resolves which conversation this chat belongs to.
func (s *Session) bindConversation(requested string) string {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	if requested != "" {
		s.conversationID = requested
	} else if s.conversationID == "" {
		s.conversationID = uuid.New().String()
	}
	return s.conversationID
}

// =============================================================================
// Writer
// =============================================================================

// writeLoop is the sole writer on the connection. Every write carries a
// deadline; a client that stops reading long enough to blow it is
// treated as gone.
func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.cancel()
				return
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				slog.Warn("Session write failed, closing", "sessionId", s.id, "error", err)
				s.cancel()
				return
			}
			s.metrics.RecordOutboundFrame(frame.Type)

		case <-s.ctx.Done():
			return
		}
	}
}
