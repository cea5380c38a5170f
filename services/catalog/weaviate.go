// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/VerdantAI/concierge/services/gateway/datatypes"
)

var catalogTracer = otel.Tracer("concierge.catalog.weaviate")

// ProductClassName is the Weaviate class holding catalog items.
const ProductClassName = "Product"

// WeaviateSearcher implements Searcher against a Weaviate instance.
// Product ingestion is owned by a separate service; the gateway only
// queries.
type WeaviateSearcher struct {
	client *weaviate.Client
}

// NewWeaviateSearcher wraps an initialized Weaviate client.
func NewWeaviateSearcher(client *weaviate.Client) *WeaviateSearcher {
	return &WeaviateSearcher{client: client}
}

// Compile-time interface implementation check.
var _ Searcher = (*WeaviateSearcher)(nil)

// productQueryResponse is the typed shape of a Product GraphQL query.
type productQueryResponse struct {
	Get struct {
		Product []productResult `json:"Product"`
	} `json:"Get"`
}

type productResult struct {
	ProductData string `json:"product_data"`
	BrandID     string `json:"brand_id"`
	Additional  struct {
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

// Search implements Searcher with a brand-filtered nearText query.
// Certainty from Weaviate is already in [0,1] and is used directly as
// the similarity score.
func (s *WeaviateSearcher) Search(ctx context.Context, brandID, query string,
	limit int) ([]ScoredProduct, error) {

	ctx, span := catalogTracer.Start(ctx, "WeaviateSearcher.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("catalog.brand_id", brandID),
		attribute.Int("catalog.limit", limit),
	)

	where := filters.Where().
		WithPath([]string{"brand_id"}).
		WithOperator(filters.Equal).
		WithValueString(brandID)

	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "product_data"},
		{Name: "brand_id"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(ProductClassName).
		WithWhere(where).
		WithNearText(nearText).
		WithFields(fields...).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("catalog search failed: %w", err)
	}
	if len(resp.Errors) > 0 {
		err := fmt.Errorf("catalog search error: %s", resp.Errors[0].Message)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	parsed, err := parseGraphQLResponse[productQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse catalog search response: %w", err)
	}

	hits := make([]ScoredProduct, 0, len(parsed.Get.Product))
	for _, r := range parsed.Get.Product {
		// Defense in depth on top of the where-filter: a cross-brand
		// item must never leave this function.
		if r.BrandID != brandID {
			slog.Warn("Dropping cross-brand catalog hit", "expected", brandID, "got", r.BrandID)
			continue
		}
		var product datatypes.Product
		if err := json.Unmarshal([]byte(r.ProductData), &product); err != nil {
			slog.Warn("Skipping catalog hit with malformed product_data", "error", err)
			continue
		}
		hits = append(hits, ScoredProduct{
			Product:    product,
			Similarity: r.Additional.Certainty,
		})
	}
	slog.Debug("Catalog search finished", "brandId", brandID, "hits", len(hits))
	return hits, nil
}

// parseGraphQLResponse converts Weaviate's dynamic response payload into
// a strongly-typed struct via a marshal round trip.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

// EnsureSchema creates the Product class if it is missing. Existing
// classes are left untouched.
func EnsureSchema(client *weaviate.Client) error {
	class := productSchema()
	slog.Info("Checking schema", "class", class.Class)

	_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
	if err == nil {
		slog.Info("Schema already exists", "class", class.Class)
		return nil
	}

	slog.Info("Schema not found, creating it...", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(context.Background()); err != nil {
		return fmt.Errorf("failed to create schema for class %s: %w", class.Class, err)
	}
	slog.Info("Successfully created schema", "class", class.Class)
	return nil
}

func productSchema() *models.Class {
	return &models.Class{
		Class:       ProductClassName,
		Description: "A catalog item belonging to one brand, embedded for similarity search.",
		Properties: []*models.Property{
			{
				Name:        "product_id",
				DataType:    []string{"text"},
				Description: "Catalog identifier, unique within a brand",
			},
			{
				Name:        "brand_id",
				DataType:    []string{"text"},
				Description: "Owning brand identifier, used to scope every search",
			},
			{
				Name:        "name",
				DataType:    []string{"text"},
				Description: "Display name",
			},
			{
				Name:        "description",
				DataType:    []string{"text"},
				Description: "Free-text description, part of the embedded document",
			},
			{
				Name:        "category",
				DataType:    []string{"text"},
				Description: "Catalog category",
			},
			{
				Name:        "price",
				DataType:    []string{"number"},
				Description: "Numeric price, currency-agnostic",
			},
			{
				Name:        "availability",
				DataType:    []string{"boolean"},
				Description: "Whether the item is in stock",
			},
			{
				Name:        "product_data",
				DataType:    []string{"text"},
				Description: "Full product JSON snapshot, rehydrated on search",
			},
		},
	}
}
