package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClientPreset pre-fills the client creation form.
type ClientPreset struct {
	Name               string   `yaml:"name"`
	Description        string   `yaml:"description"`
	PublicClient       bool     `yaml:"publicClient"`
	StandardFlow       bool     `yaml:"standardFlow"`
	ImplicitFlow       bool     `yaml:"implicitFlow"`
	DirectAccessGrants bool     `yaml:"directAccessGrants"`
	ServiceAccounts    bool     `yaml:"serviceAccounts"`
	RedirectURIs       []string `yaml:"redirectUris"`
	WebOrigins         []string `yaml:"webOrigins"`
	DefaultScopes      []string `yaml:"defaultScopes"`
}

type presetsFile struct {
	Presets []ClientPreset `yaml:"presets"`
}

func DefaultClientPresets() []ClientPreset {
	return []ClientPreset{
		{
			Name:          "web-app",
			Description:   "Confidential server-side web application",
			StandardFlow:  true,
			DefaultScopes: []string{"profile", "email", "roles", "web-origins"},
		},
		{
			Name:          "spa",
			Description:   "Public browser application using PKCE",
			PublicClient:  true,
			StandardFlow:  true,
			DefaultScopes: []string{"profile", "email", "roles", "web-origins"},
		},
		{
			Name:            "service",
			Description:     "Machine-to-machine client using client credentials",
			ServiceAccounts: true,
			DefaultScopes:   []string{"roles"},
		},
	}
}

// LoadClientPresets returns the built-in presets when path is empty.
func LoadClientPresets(path string) ([]ClientPreset, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultClientPresets(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client presets: %w", err)
	}
	return ParseClientPresets(raw)
}

func ParseClientPresets(raw []byte) ([]ClientPreset, error) {
	var file presetsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse client presets: %w", err)
	}

	out := make([]ClientPreset, 0, len(file.Presets))
	seen := make(map[string]struct{}, len(file.Presets))
	for i, preset := range file.Presets {
		preset.Name = strings.TrimSpace(preset.Name)
		if preset.Name == "" {
			return nil, fmt.Errorf("client preset #%d has no name", i+1)
		}
		if _, ok := seen[preset.Name]; ok {
			return nil, fmt.Errorf("duplicate client preset %q", preset.Name)
		}
		seen[preset.Name] = struct{}{}
		if preset.PublicClient && preset.ServiceAccounts {
			return nil, fmt.Errorf("client preset %q: public clients cannot use service accounts", preset.Name)
		}
		preset.Description = strings.TrimSpace(preset.Description)
		preset.RedirectURIs = normalizeList(preset.RedirectURIs)
		preset.WebOrigins = normalizeList(preset.WebOrigins)
		preset.DefaultScopes = normalizeList(preset.DefaultScopes)
		out = append(out, preset)
	}
	if len(out) == 0 {
		return DefaultClientPresets(), nil
	}
	return out, nil
}

func FindClientPreset(presets []ClientPreset, name string) (ClientPreset, bool) {
	name = strings.TrimSpace(name)
	for _, preset := range presets {
		if preset.Name == name {
			return preset, true
		}
	}
	return ClientPreset{}, false
}
