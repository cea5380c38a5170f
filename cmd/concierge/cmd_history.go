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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/VerdantAI/concierge/services/gateway/datatypes"
)

const restTimeout = 15 * time.Second

type historyResponse struct {
	ConversationID string           `json:"conversation_id"`
	Turns          []datatypes.Turn `json:"turns"`
}

// runHistoryCommand fetches and prints the stored turns of a
// conversation via the gateway's REST surface.
func runHistoryCommand(cmd *cobra.Command, args []string) {
	convID := args[0]
	url := fmt.Sprintf("http://%s/v1/conversations/%s/history", serverURL, convID)

	client := &http.Client{Timeout: restTimeout}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintln(os.Stderr, render(styles.Error, fmt.Sprintf("Request failed: %v", err)))
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(os.Stderr, render(styles.Error, fmt.Sprintf("Reading response: %v", err)))
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, render(styles.Error,
			fmt.Sprintf("Gateway returned %d: %s", resp.StatusCode, string(body))))
		os.Exit(1)
	}

	var history historyResponse
	if err := json.Unmarshal(body, &history); err != nil {
		fmt.Fprintln(os.Stderr, render(styles.Error, fmt.Sprintf("Invalid response: %v", err)))
		os.Exit(1)
	}

	if len(history.Turns) == 0 {
		fmt.Println(render(styles.Muted, "No stored turns for "+convID))
		return
	}

	fmt.Println(render(styles.Brand, "Conversation "+history.ConversationID))
	for _, turn := range history.Turns {
		ts := time.UnixMilli(turn.Timestamp).UTC().Format(time.RFC3339)
		label := render(styles.Prompt, turn.Role+":")
		fmt.Printf("%s %s %s\n", render(styles.Muted, ts), label, turn.Content)
		for _, p := range turn.SuggestedProducts {
			fmt.Println(render(styles.Product, fmt.Sprintf("    suggested: %s ($%.2f)", p.Name, p.Price)))
		}
	}
}

// runClearCommand deletes the stored turns of a conversation.
func runClearCommand(cmd *cobra.Command, args []string) {
	convID := args[0]
	url := fmt.Sprintf("http://%s/v1/conversations/%s", serverURL, convID)

	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, render(styles.Error, fmt.Sprintf("Building request: %v", err)))
		os.Exit(1)
	}

	client := &http.Client{Timeout: restTimeout}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, render(styles.Error, fmt.Sprintf("Request failed: %v", err)))
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintln(os.Stderr, render(styles.Error,
			fmt.Sprintf("Gateway returned %d: %s", resp.StatusCode, string(body))))
		os.Exit(1)
	}

	fmt.Println(render(styles.Muted, "Cleared "+convID))
}
