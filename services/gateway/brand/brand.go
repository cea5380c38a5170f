// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package brand holds the per-tenant configuration that scopes every
// session: system prompt, persona, welcome message, and catalog access.
package brand

import (
	"errors"
	"fmt"
)

var (
	// ErrBrandNotFound is returned when no brand carries the requested id.
	ErrBrandNotFound = errors.New("brand not found")
	// ErrBrandInactive is returned for brands that exist but are disabled.
	ErrBrandInactive = errors.New("brand is inactive")
)

// Brand is one tenant's configuration as loaded from the registry file.
// CompanyInfo and AppearanceSettings are opaque to the gateway; they are
// parsed and carried for frontends that read the registry through us.
type Brand struct {
	ID                 string         `yaml:"id" json:"id"`
	Name               string         `yaml:"name" json:"name"`
	Description        string         `yaml:"description" json:"description"`
	SystemPrompt       string         `yaml:"system_prompt" json:"system_prompt"`
	PersonaPrompt      string         `yaml:"persona_prompt" json:"persona_prompt"`
	WelcomeMessage     string         `yaml:"welcome_message" json:"welcome_message"`
	CompanyInfo        map[string]any `yaml:"company_info,omitempty" json:"company_info,omitempty"`
	AppearanceSettings map[string]any `yaml:"appearance_settings,omitempty" json:"appearance_settings,omitempty"`
	Active             bool           `yaml:"active" json:"active"`
}

// Validate checks the fields a session cannot run without.
func (b *Brand) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("brand is missing an id")
	}
	if b.Name == "" {
		return fmt.Errorf("brand %q is missing a name", b.ID)
	}
	if b.SystemPrompt == "" {
		return fmt.Errorf("brand %q is missing a system_prompt", b.ID)
	}
	return nil
}

// Welcome returns the configured welcome message, falling back to a
// generated greeting when the registry file omits one.
func (b *Brand) Welcome() string {
	if b.WelcomeMessage != "" {
		return b.WelcomeMessage
	}
	return fmt.Sprintf("Hello! Welcome to %s. How can I help you today?", b.Name)
}

// Snapshot is the immutable view of a brand captured when a session
// connects. Registry reloads never mutate a live session's snapshot.
type Snapshot struct {
	ID             string
	Name           string
	SystemPrompt   string
	PersonaPrompt  string
	WelcomeMessage string
}

// Snapshot copies the session-facing fields out of the brand.
func (b *Brand) Snapshot() Snapshot {
	return Snapshot{
		ID:             b.ID,
		Name:           b.Name,
		SystemPrompt:   b.SystemPrompt,
		PersonaPrompt:  b.PersonaPrompt,
		WelcomeMessage: b.Welcome(),
	}
}
