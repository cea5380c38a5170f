// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VerdantAI/concierge/services/catalog"
	"github.com/VerdantAI/concierge/services/gateway/brand"
	"github.com/VerdantAI/concierge/services/gateway/conversation"
	"github.com/VerdantAI/concierge/services/gateway/datatypes"
	"github.com/VerdantAI/concierge/services/gateway/observability"
	"github.com/VerdantAI/concierge/services/gateway/recommend"
	"github.com/VerdantAI/concierge/services/llm"
)

// =============================================================================
// Fixtures
// =============================================================================

var metricsOnce sync.Once
var sharedMetrics *observability.GatewayMetrics

// testMetrics registers the metric set once per test binary.
func testMetrics() *observability.GatewayMetrics {
	metricsOnce.Do(func() {
		sharedMetrics = observability.InitMetrics()
	})
	return sharedMetrics
}

// fakeLLM scripts both the classification call (Generate) and the
// streaming generation call (ChatStream).
type fakeLLM struct {
	mu sync.Mutex

	gateReply string
	gateErr   error

	fragments   []string
	streamErr   error
	streamDelay time.Duration

	lastMessages []datatypes.Message
}

func (f *fakeLLM) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return f.gateReply, f.gateErr
}

func (f *fakeLLM) Chat(context.Context, []datatypes.Message, llm.GenerationParams) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []datatypes.Message,
	_ llm.GenerationParams, callback llm.StreamCallback) error {

	f.mu.Lock()
	f.lastMessages = messages
	f.mu.Unlock()

	for _, fragment := range f.fragments {
		if f.streamDelay > 0 {
			select {
			case <-time.After(f.streamDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: fragment}); err != nil {
			return err
		}
	}
	return f.streamErr
}

func (f *fakeLLM) messages() []datatypes.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMessages
}

type fakeSearcher struct {
	hits []catalog.ScoredProduct
	err  error
}

func (f *fakeSearcher) Search(context.Context, string, string, int) ([]catalog.ScoredProduct, error) {
	return f.hits, f.err
}

// frameCollector gathers emitted frames in order.
type frameCollector struct {
	mu     sync.Mutex
	frames []datatypes.OutboundFrame
}

func (c *frameCollector) emit(f datatypes.OutboundFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *frameCollector) all() []datatypes.OutboundFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// chunkConcat joins the content of every chunk frame, in order.
func (c *frameCollector) chunkConcat(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	for _, f := range c.all() {
		if f.Type != datatypes.FrameTypeChunk {
			continue
		}
		data, ok := f.Data.(datatypes.ChunkData)
		require.True(t, ok)
		b.WriteString(data.Content)
	}
	return b.String()
}

// completeData returns the payload of the single complete frame.
func (c *frameCollector) completeData(t *testing.T) datatypes.ChunkData {
	t.Helper()
	var found *datatypes.ChunkData
	for _, f := range c.all() {
		if f.Type == datatypes.FrameTypeComplete {
			data, ok := f.Data.(datatypes.ChunkData)
			require.True(t, ok)
			require.Nil(t, found, "more than one complete frame emitted")
			found = &data
		}
	}
	require.NotNil(t, found, "no complete frame emitted")
	return *found
}

func testSnapshot() brand.Snapshot {
	return brand.Snapshot{
		ID:             "acme",
		Name:           "Acme Outdoors",
		SystemPrompt:   "You help Acme Outdoors customers.",
		PersonaPrompt:  "Be brief.",
		WelcomeMessage: "Welcome!",
	}
}

func newTestStreamer(client llm.LLMClient, searcher catalog.Searcher,
	store conversation.Store) *Streamer {

	gate := recommend.NewGate(client, searcher)
	return NewStreamer(client, gate, store, testMetrics(), 10*time.Second, 0)
}

// =============================================================================
// Tests
// =============================================================================

func TestStreamer_ChunksConcatenateToStoredTurn(t *testing.T) {
	client := &fakeLLM{
		gateReply: "NO",
		fragments: []string{"Hel", "lo ", "world."},
	}
	store := conversation.NewMemoryStore()
	streamer := newTestStreamer(client, nil, store)
	collector := &frameCollector{}

	err := streamer.Process(context.Background(), ProcessRequest{
		Brand:          testSnapshot(),
		ConversationID: "c1",
		Message:        "say hello",
		Emit:           collector.emit,
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world.", collector.chunkConcat(t))

	turns, err := store.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, datatypes.RoleUser, turns[0].Role)
	assert.Equal(t, "say hello", turns[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hello world.", turns[1].Content)
}

func TestStreamer_GateDeclinedLeavesNullRecommendation(t *testing.T) {
	client := &fakeLLM{gateReply: "NO", fragments: []string{"We open at 9am."}}
	store := conversation.NewMemoryStore()
	streamer := newTestStreamer(client, &fakeSearcher{
		hits: []catalog.ScoredProduct{{Product: datatypes.Product{ID: "p1"}, Similarity: 0.9}},
	}, store)
	collector := &frameCollector{}

	err := streamer.Process(context.Background(), ProcessRequest{
		Brand:          testSnapshot(),
		ConversationID: "c1",
		Message:        "what are your hours?",
		Emit:           collector.emit,
	})
	require.NoError(t, err)

	complete := collector.completeData(t)
	assert.True(t, complete.IsFinal)
	assert.Nil(t, complete.SuggestedProducts)
	assert.Nil(t, complete.ConfidenceScore)

	turns, _ := store.History(context.Background(), "c1")
	require.Len(t, turns, 2)
	assert.Nil(t, turns[1].SuggestedProducts)
	assert.Nil(t, turns[1].ConfidenceScore)
}

func TestStreamer_RecommendationOnCompleteAndStoredTurn(t *testing.T) {
	client := &fakeLLM{gateReply: "YES", fragments: []string{"Try the TrailMaster."}}
	searcher := &fakeSearcher{hits: []catalog.ScoredProduct{
		{Product: datatypes.Product{ID: "p1", Name: "TrailMaster"}, Similarity: 0.8},
		{Product: datatypes.Product{ID: "p2", Name: "PeakPro"}, Similarity: 0.6},
	}}
	store := conversation.NewMemoryStore()
	streamer := newTestStreamer(client, searcher, store)
	collector := &frameCollector{}

	err := streamer.Process(context.Background(), ProcessRequest{
		Brand:          testSnapshot(),
		ConversationID: "c1",
		Message:        "recommend me a backpack",
		Emit:           collector.emit,
	})
	require.NoError(t, err)

	// Chunks never carry products.
	for _, f := range collector.all() {
		if f.Type == datatypes.FrameTypeChunk {
			data := f.Data.(datatypes.ChunkData)
			assert.Nil(t, data.SuggestedProducts)
			assert.Nil(t, data.ConfidenceScore)
		}
	}

	complete := collector.completeData(t)
	require.Len(t, complete.SuggestedProducts, 2)
	assert.Equal(t, "TrailMaster", complete.SuggestedProducts[0].Name)
	require.NotNil(t, complete.ConfidenceScore)
	assert.InDelta(t, 0.7, *complete.ConfidenceScore, 1e-9)

	turns, _ := store.History(context.Background(), "c1")
	require.Len(t, turns, 2)
	assert.Len(t, turns[1].SuggestedProducts, 2)
	require.NotNil(t, turns[1].ConfidenceScore)
	assert.InDelta(t, 0.7, *turns[1].ConfidenceScore, 1e-9)
}

func TestStreamer_EmptySearchIsEmptyArrayNotNull(t *testing.T) {
	client := &fakeLLM{gateReply: "YES", fragments: []string{"Nothing matches, sorry."}}
	store := conversation.NewMemoryStore()
	streamer := newTestStreamer(client, &fakeSearcher{}, store)
	collector := &frameCollector{}

	err := streamer.Process(context.Background(), ProcessRequest{
		Brand:          testSnapshot(),
		ConversationID: "c1",
		Message:        "got any hovercraft?",
		Emit:           collector.emit,
	})
	require.NoError(t, err)

	complete := collector.completeData(t)
	require.NotNil(t, complete.SuggestedProducts)
	assert.Empty(t, complete.SuggestedProducts)
	require.NotNil(t, complete.ConfidenceScore)
	assert.Zero(t, *complete.ConfidenceScore)
}

func TestStreamer_SearchFailureDegradesToNoRecommendation(t *testing.T) {
	client := &fakeLLM{gateReply: "YES", fragments: []string{"Here is an answer."}}
	searcher := &fakeSearcher{err: errors.New("catalog down")}
	store := conversation.NewMemoryStore()
	streamer := newTestStreamer(client, searcher, store)
	collector := &frameCollector{}

	err := streamer.Process(context.Background(), ProcessRequest{
		Brand:          testSnapshot(),
		ConversationID: "c1",
		Message:        "recommend a tent",
		Emit:           collector.emit,
	})
	require.NoError(t, err)

	complete := collector.completeData(t)
	assert.Nil(t, complete.SuggestedProducts)
	assert.Nil(t, complete.ConfidenceScore)

	// Turns are still persisted: only the recommendation degraded.
	turns, _ := store.History(context.Background(), "c1")
	assert.Len(t, turns, 2)
}

func TestStreamer_GenerationFailurePersistsNothing(t *testing.T) {
	client := &fakeLLM{
		gateReply: "NO",
		fragments: []string{"partial"},
		streamErr: errors.New("backend exploded"),
	}
	store := conversation.NewMemoryStore()
	streamer := newTestStreamer(client, nil, store)
	collector := &frameCollector{}

	err := streamer.Process(context.Background(), ProcessRequest{
		Brand:          testSnapshot(),
		ConversationID: "c1",
		Message:        "hello",
		Emit:           collector.emit,
	})
	require.Error(t, err)

	turns, _ := store.History(context.Background(), "c1")
	assert.Empty(t, turns)

	for _, f := range collector.all() {
		assert.NotEqual(t, datatypes.FrameTypeComplete, f.Type)
	}
}

func TestStreamer_ClassificationFailureFailsTheTurn(t *testing.T) {
	client := &fakeLLM{
		gateErr:   errors.New("classifier down"),
		fragments: []string{"an answer"},
	}
	store := conversation.NewMemoryStore()
	streamer := newTestStreamer(client, nil, store)
	collector := &frameCollector{}

	err := streamer.Process(context.Background(), ProcessRequest{
		Brand:          testSnapshot(),
		ConversationID: "c1",
		Message:        "hello",
		Emit:           collector.emit,
	})
	require.Error(t, err)

	turns, _ := store.History(context.Background(), "c1")
	assert.Empty(t, turns)
}

func TestStreamer_VoiceStopsAtFirstSentence(t *testing.T) {
	client := &fakeLLM{
		gateReply: "NO",
		fragments: []string{"The TrailMaster is", " our best seller. It also", " comes in red."},
	}
	store := conversation.NewMemoryStore()
	streamer := newTestStreamer(client, nil, store)
	collector := &frameCollector{}

	err := streamer.Process(context.Background(), ProcessRequest{
		Brand:          testSnapshot(),
		ConversationID: "c1",
		Message:        "best backpack?",
		Voice:          true,
		Emit:           collector.emit,
	})
	require.NoError(t, err)

	answer := collector.chunkConcat(t)
	assert.Equal(t, "The TrailMaster is our best seller.", answer)

	// What the client assembled is exactly what history records.
	turns, _ := store.History(context.Background(), "c1")
	require.Len(t, turns, 2)
	assert.Equal(t, answer, turns[1].Content)
}

func TestStreamer_VoiceWithoutTerminatorDeliversWhole(t *testing.T) {
	client := &fakeLLM{
		gateReply: "NO",
		fragments: []string{"sure thing"},
	}
	store := conversation.NewMemoryStore()
	streamer := newTestStreamer(client, nil, store)
	collector := &frameCollector{}

	err := streamer.Process(context.Background(), ProcessRequest{
		Brand:          testSnapshot(),
		ConversationID: "c1",
		Message:        "ok?",
		Voice:          true,
		Emit:           collector.emit,
	})
	require.NoError(t, err)
	assert.Equal(t, "sure thing", collector.chunkConcat(t))
}

func TestStreamer_VoiceAddsInstructionToSystemPrompt(t *testing.T) {
	client := &fakeLLM{gateReply: "NO", fragments: []string{"One sentence."}}
	streamer := newTestStreamer(client, nil, conversation.NewMemoryStore())
	collector := &frameCollector{}

	err := streamer.Process(context.Background(), ProcessRequest{
		Brand:          testSnapshot(),
		ConversationID: "c1",
		Message:        "hi",
		Voice:          true,
		Emit:           collector.emit,
	})
	require.NoError(t, err)

	messages := client.messages()
	require.NotEmpty(t, messages)
	assert.Equal(t, datatypes.RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "one short spoken sentence")
}

func TestStreamer_HistoryWindow(t *testing.T) {
	store := conversation.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		require.NoError(t, store.Append(ctx, "c1",
			datatypes.NewTurn(role, fmt.Sprintf("turn %d", i))))
	}

	client := &fakeLLM{gateReply: "NO", fragments: []string{"ok."}}
	streamer := newTestStreamer(client, nil, store)
	collector := &frameCollector{}

	err := streamer.Process(ctx, ProcessRequest{
		Brand:          testSnapshot(),
		ConversationID: "c1",
		Message:        "latest question",
		Emit:           collector.emit,
	})
	require.NoError(t, err)

	messages := client.messages()
	// system + last 20 turns + new utterance
	require.Len(t, messages, 22)
	assert.Equal(t, "turn 10", messages[1].Content)
	assert.Equal(t, "latest question", messages[21].Content)
}

func TestSentenceCutoff(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", -1},
		{"no terminator yet", -1},
		{"Done.", 5},
		{"Done. And more", 5},
		{"Really?", 7},
		{"Wow! Indeed.", 4},
		{"costs 3.5 dollars today.", 24},
		{"version 2.0 shipped. Next", 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sentenceCutoff(tt.text), "text=%q", tt.text)
	}
}
