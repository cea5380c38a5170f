// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package recommend decides, per utterance, whether the reply should
// carry catalog items, and ranks them when it should.
package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/VerdantAI/concierge/services/catalog"
	"github.com/VerdantAI/concierge/services/gateway/datatypes"
	"github.com/VerdantAI/concierge/services/llm"
)

var tracer = otel.Tracer("concierge.recommend")

const (
	// searchLimit is how many candidates the catalog query fetches.
	searchLimit = 5
	// suggestLimit is how many of those make it into the reply.
	suggestLimit = 3
)

const gatePromptTemplate = `You are a classifier for a customer service assistant.
Decide whether the customer message below is asking about products, shopping,
purchasing, availability, pricing, or product recommendations.
%s
Customer message: %q

Answer with exactly one word: YES or NO.`

// gateContextTurns caps how much recent conversation the classifier
// sees. Follow-ups like "do you have it in blue?" only classify
// correctly with the preceding turns in view.
const gateContextTurns = 4

// Gate classifies utterances and produces ranked suggestions.
type Gate struct {
	client   llm.LLMClient
	searcher catalog.Searcher
}

// NewGate builds a gate over the given backend and catalog. searcher
// may be nil when no catalog is configured; ShouldRecommend still
// works but Recommend always degrades to no suggestions.
func NewGate(client llm.LLMClient, searcher catalog.Searcher) *Gate {
	return &Gate{client: client, searcher: searcher}
}

// ShouldRecommend asks the backend whether the utterance is
// product-seeking, given the tail of the conversation. The
// classification call runs at temperature zero with a tiny token
// budget; anything that is not an affirmative answer counts as NO.
//
// A backend failure here is a real failure, not a silent NO: the
// caller decides whether the whole turn fails.
func (g *Gate) ShouldRecommend(ctx context.Context, utterance string, recentTurns []datatypes.Turn) (bool, error) {
	ctx, span := tracer.Start(ctx, "Gate.ShouldRecommend")
	defer span.End()

	var (
		temperature float32 = 0
		maxTokens           = 5
	)
	prompt := fmt.Sprintf(gatePromptTemplate, formatRecentTurns(recentTurns), utterance)
	answer, err := g.client.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("recommendation classification failed: %w", err)
	}

	decision := strings.HasPrefix(strings.ToUpper(strings.TrimSpace(answer)), "YES")
	span.SetAttributes(attribute.Bool("recommend.decision", decision))
	slog.Debug("Recommendation gate decided", "decision", decision)
	return decision, nil
}

// formatRecentTurns renders the last few turns as a context block for
// the classification prompt, or an empty string when there are none.
func formatRecentTurns(turns []datatypes.Turn) string {
	if len(turns) > gateContextTurns {
		turns = turns[len(turns)-gateContextTurns:]
	}
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nRecent conversation:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}

// Recommend searches the brand's catalog for the utterance and ranks
// the hits. The confidence score is the mean similarity across the
// returned items.
//
// A search failure degrades to no recommendation rather than failing
// the turn: the generated answer is still worth delivering.
func (g *Gate) Recommend(ctx context.Context, brandID, utterance string) *datatypes.RecommendationResult {
	ctx, span := tracer.Start(ctx, "Gate.Recommend")
	defer span.End()
	span.SetAttributes(attribute.String("recommend.brand_id", brandID))

	if g.searcher == nil {
		return nil
	}

	hits, err := g.searcher.Search(ctx, brandID, utterance, searchLimit)
	if err != nil {
		span.RecordError(err)
		slog.Warn("Catalog search failed, continuing without recommendations",
			"brandId", brandID, "error", err)
		return nil
	}

	if len(hits) > suggestLimit {
		hits = hits[:suggestLimit]
	}
	return &datatypes.RecommendationResult{
		Products:   catalog.Products(hits),
		Confidence: catalog.AggregateConfidence(hits),
	}
}
