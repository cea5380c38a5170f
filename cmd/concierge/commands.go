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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL      string
	brandID        string
	conversationID string
	userID         string
	voiceMode      bool

	rootCmd = &cobra.Command{
		Use:   "concierge",
		Short: "A cli to talk to the Concierge multi-brand chat gateway",
		Long: `Concierge is a streaming chat client for the Concierge gateway.
It connects to a brand's websocket endpoint, streams answer chunks to
the terminal as they arrive, and renders any suggested products the
gateway attaches to the final frame.`,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive streaming chat session with a brand",
		Run:   runChatCommand, // Defined in cmd_chat.go
	}

	historyCmd = &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Print the stored turns of a conversation",
		Args:  cobra.ExactArgs(1),
		Run:   runHistoryCommand, // Defined in cmd_history.go
	}

	clearCmd = &cobra.Command{
		Use:   "clear [conversation-id]",
		Short: "Delete the stored turns of a conversation",
		Args:  cobra.ExactArgs(1),
		Run:   runClearCommand, // Defined in cmd_history.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "localhost:12300",
		"host:port of the gateway")

	chatCmd.Flags().StringVar(&brandID, "brand", "techpro", "brand to chat with")
	chatCmd.Flags().StringVar(&conversationID, "conversation", "",
		"conversation id to resume (default: gateway assigns a fresh one)")
	chatCmd.Flags().StringVar(&userID, "user", "", "opaque user id sent with each message")
	chatCmd.Flags().BoolVar(&voiceMode, "voice", false,
		"use the voice endpoint (single-sentence answers)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(clearCmd)
}
