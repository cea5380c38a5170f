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

// Product is a read-only catalog item snapshot returned by the catalog
// collaborator. The gateway never persists or mutates products, it only
// forwards them on terminal frames and attaches them to assistant turns.
//
// # Fields
//
//   - ID: Catalog identifier, unique within a brand.
//   - Name: Display name.
//   - Description: Free-text description used for similarity search.
//   - Category: Catalog category (e.g. "Laptops").
//   - Price: Numeric price, currency-agnostic at this layer.
//   - Features: Marketing feature list.
//   - Specifications: Free-form specification mapping.
//   - Availability: Whether the item is currently in stock.
type Product struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	Price          float64        `json:"price"`
	Features       []string       `json:"features"`
	Specifications map[string]any `json:"specifications"`
	Availability   bool           `json:"availability"`
}

// RecommendationResult is an ordered product list with an aggregate
// confidence score in [0,1]. A nil *RecommendationResult means the
// recommendation gate declined for this utterance; that is a distinct
// state from a non-nil result with zero products ("searched, found
// nothing relevant").
type RecommendationResult struct {
	Products   []Product `json:"products"`
	Confidence float64   `json:"confidence"`
}
