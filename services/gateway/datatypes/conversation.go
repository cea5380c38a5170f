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

import "time"

// Turn is one utterance in a conversation, either from the user or the
// assistant. Turns are immutable once appended to the conversation store.
//
// # Fields
//
//   - Role: RoleUser or RoleAssistant. System prompts are never stored.
//   - Content: The utterance text.
//   - Timestamp: Creation time in Unix milliseconds, set by NewTurn.
//   - SuggestedProducts: Catalog items attached to assistant turns when
//     the recommendation gate fired. Nil otherwise.
//   - ConfidenceScore: Aggregate recommendation confidence. Nil when no
//     recommendation was attempted.
type Turn struct {
	Role              string    `json:"role"`
	Content           string    `json:"content"`
	Timestamp         int64     `json:"timestamp"`
	SuggestedProducts []Product `json:"suggested_products,omitempty"`
	ConfidenceScore   *float64  `json:"confidence_score,omitempty"`
}

// NewTurn creates a Turn with the creation timestamp set to now.
func NewTurn(role, content string) Turn {
	return Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Message converts the turn to LLM wire format, dropping recommendation
// metadata.
func (t Turn) Message() Message {
	return Message{Role: t.Role, Content: t.Content}
}
