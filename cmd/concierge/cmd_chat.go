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
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/VerdantAI/concierge/services/gateway/datatypes"
)

const dialTimeout = 10 * time.Second

// runChatCommand connects to the gateway and runs the interactive chat
// loop until the user exits or the connection drops.
func runChatCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	client, welcome, err := DialBrand(dialCtx, serverURL, brandID, voiceMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, render(styles.Error, fmt.Sprintf("Connection failed: %v", err)))
		os.Exit(1)
	}
	defer client.Close()

	fmt.Println(render(styles.Brand, welcome.BrandName) + render(styles.Muted, " ("+welcome.BrandID+")"))
	fmt.Println(render(styles.Assistant, welcome.Message))
	fmt.Println(render(styles.Muted, "Type 'exit' or 'quit' to leave."))
	fmt.Println()

	reader := NewInteractiveInputReader("You: ", 50)

	for {
		if ctx.Err() != nil {
			return
		}

		if _, ok := reader.(*StdinReader); ok {
			fmt.Print(render(styles.Prompt, "You: "))
		}
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return
			}
			fmt.Fprintln(os.Stderr, render(styles.Error, fmt.Sprintf("Input error: %v", err)))
			return
		}
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit", "bye":
			fmt.Println(render(styles.Muted, "Goodbye."))
			return
		}

		payload := datatypes.ChatPayload{
			Message:        line,
			ConversationID: conversationID,
			UserID:         userID,
			Voice:          voiceMode,
		}
		if err := client.SendChat(payload); err != nil {
			fmt.Fprintln(os.Stderr, render(styles.Error, fmt.Sprintf("Send failed: %v", err)))
			return
		}

		if err := streamAnswer(client); err != nil {
			fmt.Fprintln(os.Stderr, render(styles.Error, fmt.Sprintf("Connection lost: %v", err)))
			return
		}
	}
}

// streamAnswer prints chunks as they arrive and renders the complete
// frame's suggested products. It returns an error only when the
// connection itself fails; gateway error frames end the turn but keep
// the session usable.
func streamAnswer(client *ChatClient) error {
	fmt.Print(render(styles.Prompt, "Bot: "))
	for {
		frame, err := client.Next()
		if err != nil {
			fmt.Println()
			return err
		}

		switch frame.Type {
		case datatypes.FrameTypeChunk:
			chunk, err := frame.Chunk()
			if err != nil {
				continue
			}
			fmt.Print(render(styles.Assistant, chunk.Content))
			if conversationID == "" {
				conversationID = chunk.ConversationID
			}

		case datatypes.FrameTypeComplete:
			chunk, err := frame.Chunk()
			if err != nil {
				fmt.Println()
				return nil
			}
			if conversationID == "" {
				conversationID = chunk.ConversationID
			}
			fmt.Println()
			printSuggestions(chunk)
			fmt.Println()
			return nil

		case datatypes.FrameTypeError:
			fmt.Println()
			fmt.Println(render(styles.Warning, "Error: "+frame.ErrorMessage()))
			fmt.Println()
			return nil

		case datatypes.FrameTypePong:
			// Keepalive answers are not part of the transcript.

		default:
			// Ignore unknown frame types so protocol additions don't
			// break older clients.
		}
	}
}

// printSuggestions renders the products attached to a complete frame.
// Nothing is printed when the gateway declined to recommend.
func printSuggestions(chunk *datatypes.ChunkData) {
	if len(chunk.SuggestedProducts) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(render(styles.Product, "Suggested products:"))
	for i, p := range chunk.SuggestedProducts {
		fmt.Println(render(styles.Product, fmt.Sprintf("  %d. %s - $%.2f", i+1, p.Name, p.Price)))
		if p.Description != "" {
			desc := p.Description
			if len(desc) > 100 {
				desc = desc[:100] + "..."
			}
			fmt.Println(render(styles.Muted, "     "+desc))
		}
	}
	if chunk.ConfidenceScore != nil {
		fmt.Println(render(styles.Muted, fmt.Sprintf("Match confidence: %.0f%%", *chunk.ConfidenceScore*100)))
	}
}
