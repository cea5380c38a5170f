// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/VerdantAI/concierge/services/gateway/datatypes"
)

func TestAggregateConfidence(t *testing.T) {
	t.Run("empty is zero", func(t *testing.T) {
		assert.Zero(t, AggregateConfidence(nil))
		assert.Zero(t, AggregateConfidence([]ScoredProduct{}))
	})

	t.Run("mean of similarities", func(t *testing.T) {
		hits := []ScoredProduct{
			{Similarity: 0.9},
			{Similarity: 0.6},
			{Similarity: 0.3},
		}
		assert.InDelta(t, 0.6, AggregateConfidence(hits), 1e-9)
	})

	t.Run("single hit", func(t *testing.T) {
		assert.InDelta(t, 0.42, AggregateConfidence([]ScoredProduct{{Similarity: 0.42}}), 1e-9)
	})
}

func TestProducts_PreservesOrder(t *testing.T) {
	hits := []ScoredProduct{
		{Product: datatypes.Product{ID: "p1"}, Similarity: 0.9},
		{Product: datatypes.Product{ID: "p2"}, Similarity: 0.8},
	}
	products := Products(hits)
	require.Len(t, products, 2)
	assert.Equal(t, "p1", products[0].ID)
	assert.Equal(t, "p2", products[1].ID)
}

func TestParseGraphQLResponse(t *testing.T) {
	t.Run("typed round trip", func(t *testing.T) {
		resp := &models.GraphQLResponse{
			Data: map[string]models.JSONObject{
				"Get": map[string]any{
					"Product": []any{
						map[string]any{
							"product_data": `{"id":"p1","name":"Widget"}`,
							"brand_id":     "acme",
							"_additional":  map[string]any{"certainty": 0.91},
						},
					},
				},
			},
		}

		parsed, err := parseGraphQLResponse[productQueryResponse](resp)
		require.NoError(t, err)
		require.Len(t, parsed.Get.Product, 1)
		assert.Equal(t, "acme", parsed.Get.Product[0].BrandID)
		assert.InDelta(t, 0.91, parsed.Get.Product[0].Additional.Certainty, 1e-9)

		var product datatypes.Product
		require.NoError(t, json.Unmarshal([]byte(parsed.Get.Product[0].ProductData), &product))
		assert.Equal(t, "Widget", product.Name)
	})

	t.Run("nil response", func(t *testing.T) {
		_, err := parseGraphQLResponse[productQueryResponse](nil)
		assert.Error(t, err)
	})
}

func TestProductSchema(t *testing.T) {
	class := productSchema()
	assert.Equal(t, ProductClassName, class.Class)

	names := make(map[string]bool)
	for _, p := range class.Properties {
		names[p.Name] = true
	}
	for _, want := range []string{"product_id", "brand_id", "name", "price", "product_data"} {
		assert.True(t, names[want], "schema should declare %s", want)
	}
}
