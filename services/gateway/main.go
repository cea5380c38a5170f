// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/VerdantAI/concierge/services/catalog"
	"github.com/VerdantAI/concierge/services/gateway/brand"
	"github.com/VerdantAI/concierge/services/gateway/conversation"
	"github.com/VerdantAI/concierge/services/gateway/handlers"
	"github.com/VerdantAI/concierge/services/gateway/observability"
	"github.com/VerdantAI/concierge/services/gateway/recommend"
	"github.com/VerdantAI/concierge/services/gateway/routes"
	"github.com/VerdantAI/concierge/services/llm"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "concierge-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("concierge-gateway")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// envInt reads an integer env var with a logged default.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer, using default", "var", name, "value", raw,
			"default", fallback)
		return fallback
	}
	return n
}

// envDuration reads a duration env var with a logged default.
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("Invalid duration, using default", "var", name, "value", raw,
			"default", fallback)
		return fallback
	}
	return d
}

func main() {
	port := os.Getenv("GATEWAY_PORT")
	if port == "" {
		port = "12300"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	// --- Weaviate catalog (optional) ---
	weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL")
	// Sanitize: trim quotes and whitespace in case the container runtime
	// passes them literally
	weaviateURL = strings.Trim(weaviateURL, "\"' ")

	var searcher catalog.Searcher
	if weaviateURL != "" && strings.Contains(weaviateURL, "http") {
		parsedURL, err := url.Parse(weaviateURL)
		if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
			slog.Warn("WEAVIATE_SERVICE_URL is invalid. Running without product recommendations.",
				"url", weaviateURL, "error", err)
		} else {
			clientConf := weaviate.Config{
				Host:   parsedURL.Host,
				Scheme: parsedURL.Scheme,
			}
			weaviateClient, err := weaviate.NewClient(clientConf)
			if err != nil {
				slog.Error("Failed to create Weaviate client", "error", err)
			} else {
				if err := catalog.EnsureSchema(weaviateClient); err != nil {
					slog.Error("Failed to ensure catalog schema", "error", err)
				}
				searcher = catalog.NewWeaviateSearcher(weaviateClient)
			}
		}
	} else {
		slog.Info("WEAVIATE_SERVICE_URL not set or empty. Running without product recommendations.")
	}

	// --- LLM backend ---
	log.Println("Configuring the LLM Client")
	var llmClient llm.LLMClient
	switch os.Getenv("LLM_BACKEND_TYPE") {
	case "openai":
		llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	case "ollama":
		llmClient, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to ollama")
		llmClient, err = llm.NewOllamaClient()
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	// --- Conversation store ---
	var store conversation.Store
	switch os.Getenv("CONVERSATION_BACKEND") {
	case "badger":
		badgerPath := os.Getenv("BADGER_PATH")
		if badgerPath == "" {
			badgerPath = "/var/lib/concierge/conversations"
		}
		badgerStore, err := conversation.NewBadgerStore(badgerPath)
		if err != nil {
			log.Fatalf("Failed to open conversation store: %v", err)
		}
		defer badgerStore.Close()
		store = badgerStore
		slog.Info("Using BadgerDB conversation store", "path", badgerPath)
	default:
		store = conversation.NewMemoryStore()
		slog.Info("Using in-memory conversation store")
	}

	// --- Brand registry ---
	registry, err := brand.NewRegistry(os.Getenv("BRANDS_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load brand registry: %v", err)
	}
	defer registry.Close()

	backendTimeout := envDuration("GATEWAY_BACKEND_TIMEOUT", 60*time.Second)
	writeTimeout := envDuration("GATEWAY_WRITE_TIMEOUT", 10*time.Second)
	historyWindow := envInt("GATEWAY_HISTORY_WINDOW", 0)

	gate := recommend.NewGate(llmClient, searcher)
	streamer := handlers.NewStreamer(llmClient, gate, store, metrics, backendTimeout, historyWindow)
	gateway := &handlers.Gateway{
		Registry:     registry,
		Streamer:     streamer,
		Store:        store,
		Metrics:      metrics,
		WriteTimeout: writeTimeout,
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("concierge-gateway"))

	routes.SetupRoutes(router, gateway)

	log.Println("Starting the gateway server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
