// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog provides brand-scoped product similarity search.
//
// The gateway core treats the catalog as an external collaborator: it
// never writes products, it only asks for ranked candidates for an
// utterance. The production implementation is backed by Weaviate; tests
// substitute the Searcher interface.
package catalog

import (
	"context"

	"github.com/VerdantAI/concierge/services/gateway/datatypes"
)

// ScoredProduct is one search hit with its similarity to the query,
// normalized to [0,1].
type ScoredProduct struct {
	Product    datatypes.Product
	Similarity float64
}

// Searcher finds catalog items relevant to an utterance within one
// brand's catalog. Results are ordered by descending similarity.
// Implementations must never return items belonging to another brand.
type Searcher interface {
	Search(ctx context.Context, brandID, query string, limit int) ([]ScoredProduct, error)
}

// AggregateConfidence is the mean similarity over all hits. Returns 0
// for an empty result set.
func AggregateConfidence(hits []ScoredProduct) float64 {
	if len(hits) == 0 {
		return 0
	}
	var sum float64
	for _, h := range hits {
		sum += h.Similarity
	}
	return sum / float64(len(hits))
}

// Products strips scores, preserving order.
func Products(hits []ScoredProduct) []datatypes.Product {
	out := make([]datatypes.Product, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Product)
	}
	return out
}
