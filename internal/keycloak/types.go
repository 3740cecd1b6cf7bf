package keycloak

import "strings"

// ClientSummary identifies a client registration within a realm.
type ClientSummary struct {
	ID                 string
	ClientID           string
	Name               string
	Realm              string
	Enabled            bool
	PublicClient       bool
	StandardFlow       bool
	ImplicitFlow       bool
	DirectAccessGrants bool
	ServiceAccounts    bool
}

// DisplayName falls back to the client id when no name is set.
func (s ClientSummary) DisplayName() string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	return s.ClientID
}

// Flows lists the enabled OAuth flows in a stable order.
func (s ClientSummary) Flows() []string {
	out := make([]string, 0, 4)
	if s.StandardFlow {
		out = append(out, "standard")
	}
	if s.ImplicitFlow {
		out = append(out, "implicit")
	}
	if s.DirectAccessGrants {
		out = append(out, "direct-access")
	}
	if s.ServiceAccounts {
		out = append(out, "service-account")
	}
	return out
}

type ClientDetails struct {
	ClientSummary
	Description         string
	RootURL             string
	BaseURL             string
	RedirectURIs        []string
	WebOrigins          []string
	LocalRoles          []Role
	ServiceAccountRoles []ServiceRole
	DefaultScopes       []string
}

type Role struct {
	ID          string
	Name        string
	Description string
}

// ServiceRole is a role owned by another client and mapped to this client's
// service account user.
type ServiceRole struct {
	ClientID   string
	ClientUUID string
	Role       Role
}

// ClientInput carries the editable fields for create and update.
type ClientInput struct {
	ClientID           string
	Name               string
	Description        string
	Enabled            bool
	PublicClient       bool
	StandardFlow       bool
	ImplicitFlow       bool
	DirectAccessGrants bool
	ServiceAccounts    bool
	RootURL            string
	BaseURL            string
	RedirectURIs       []string
	WebOrigins         []string
	DefaultScopes      []string
	// ScopesSet makes Update apply DefaultScopes even when the list is empty.
	// Create leaves the realm defaults alone for an empty list.
	ScopesSet          bool
}

type clientRepresentation struct {
	ID                        string   `json:"id,omitempty"`
	ClientID                  string   `json:"clientId"`
	Name                      string   `json:"name"`
	Description               string   `json:"description"`
	Enabled                   bool     `json:"enabled"`
	PublicClient              bool     `json:"publicClient"`
	StandardFlowEnabled       bool     `json:"standardFlowEnabled"`
	ImplicitFlowEnabled       bool     `json:"implicitFlowEnabled"`
	DirectAccessGrantsEnabled bool     `json:"directAccessGrantsEnabled"`
	ServiceAccountsEnabled    bool     `json:"serviceAccountsEnabled"`
	BearerOnly                bool     `json:"bearerOnly"`
	Protocol                  string   `json:"protocol,omitempty"`
	RootURL                   string   `json:"rootUrl"`
	BaseURL                   string   `json:"baseUrl"`
	RedirectURIs              []string `json:"redirectUris"`
	WebOrigins                []string `json:"webOrigins"`
}

type roleRepresentation struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ClientRole  bool   `json:"clientRole,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
}

type userRepresentation struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type clientScopeRepresentation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type clientMappingsRepresentation struct {
	ID       string               `json:"id"`
	Client   string               `json:"client"`
	Mappings []roleRepresentation `json:"mappings"`
}

type mappingsRepresentation struct {
	ClientMappings map[string]clientMappingsRepresentation `json:"clientMappings"`
}

type credentialRepresentation struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (r clientRepresentation) summary(realm string) ClientSummary {
	return ClientSummary{
		ID:                 r.ID,
		ClientID:           r.ClientID,
		Name:               r.Name,
		Realm:              realm,
		Enabled:            r.Enabled,
		PublicClient:       r.PublicClient,
		StandardFlow:       r.StandardFlowEnabled,
		ImplicitFlow:       r.ImplicitFlowEnabled,
		DirectAccessGrants: r.DirectAccessGrantsEnabled,
		ServiceAccounts:    r.ServiceAccountsEnabled,
	}
}

func (r clientRepresentation) details(realm string) ClientDetails {
	return ClientDetails{
		ClientSummary: r.summary(realm),
		Description:   r.Description,
		RootURL:       r.RootURL,
		BaseURL:       r.BaseURL,
		RedirectURIs:  append([]string(nil), r.RedirectURIs...),
		WebOrigins:    append([]string(nil), r.WebOrigins...),
	}
}

func (r roleRepresentation) role() Role {
	return Role{ID: r.ID, Name: r.Name, Description: r.Description}
}
