package keycloak

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/houbamydar/clientdesk/internal/store"
)

const (
	AllRealms = "*"

	listPageSize     = 100
	defaultSearchMax = 20
	maxSearchMax     = 200
)

// ExclusionChecker reports clients whose roles must not reach service accounts.
type ExclusionChecker interface {
	IsServiceRoleExcluded(ctx context.Context, realm string, clientID string) (bool, error)
	ListServiceRoleExclusions(ctx context.Context, realm string) ([]store.ServiceRoleExclusion, error)
}

type ServiceConfig struct {
	Realms   []string
	CacheTTL time.Duration
}

type ClientsService struct {
	api        *Client
	realms     []string
	cache      *summaryCache
	audit      ApiLogWriter
	exclusions ExclusionChecker
	newID      func() string
}

func NewClientsService(api *Client, cfg ServiceConfig, audit ApiLogWriter, exclusions ExclusionChecker) *ClientsService {
	realms := make([]string, 0, len(cfg.Realms))
	for _, realm := range cfg.Realms {
		if trimmed := strings.TrimSpace(realm); trimmed != "" {
			realms = append(realms, trimmed)
		}
	}
	return &ClientsService{
		api:        api,
		realms:     realms,
		cache:      newSummaryCache(cfg.CacheTTL),
		audit:      audit,
		exclusions: exclusions,
		newID:      uuid.NewString,
	}
}

func (s *ClientsService) Realms() []string {
	return append([]string(nil), s.realms...)
}

// Ping reports whether the admin API accepts our credentials.
func (s *ClientsService) Ping(ctx context.Context) error {
	return s.api.Ping(ctx)
}

func (s *ClientsService) checkRealm(realm string) error {
	for _, known := range s.realms {
		if known == realm {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownRealm, realm)
}

// List returns every client of the realm, served from the summary cache.
func (s *ClientsService) List(ctx context.Context, realm string) ([]ClientSummary, error) {
	realm = strings.TrimSpace(realm)
	if err := s.checkRealm(realm); err != nil {
		return nil, err
	}
	clients, err := s.cache.get(ctx, realm, s.loadClients)
	if err != nil {
		return nil, err
	}
	return append([]ClientSummary(nil), clients...), nil
}

func (s *ClientsService) loadClients(ctx context.Context, realm string) ([]ClientSummary, error) {
	out := make([]ClientSummary, 0, listPageSize)
	for first := 0; ; first += listPageSize {
		var page []clientRepresentation
		path := fmt.Sprintf("/clients?first=%d&max=%d", first, listPageSize)
		if err := s.api.get(ctx, realm, path, &page); err != nil {
			return nil, fmt.Errorf("list clients realm=%s: %w", realm, err)
		}
		for _, rep := range page {
			out = append(out, rep.summary(realm))
		}
		if len(page) < listPageSize {
			break
		}
	}
	sortSummaries(out)
	return out, nil
}

// Search matches clientId substrings. An empty query lists from the cache
// and realm "*" (or "") spans every managed realm.
func (s *ClientsService) Search(ctx context.Context, realm string, query string, first int, max int) ([]ClientSummary, error) {
	realm = strings.TrimSpace(realm)
	query = strings.TrimSpace(query)
	if first < 0 {
		first = 0
	}
	if max <= 0 {
		max = defaultSearchMax
	}
	if max > maxSearchMax {
		max = maxSearchMax
	}

	realms := []string{realm}
	if realm == "" || realm == AllRealms {
		realms = s.Realms()
	}

	if len(realms) == 1 {
		return s.searchRealm(ctx, realms[0], query, first, max)
	}

	merged := make([]ClientSummary, 0, first+max)
	for _, r := range realms {
		items, err := s.searchRealm(ctx, r, query, 0, first+max)
		if err != nil {
			return nil, err
		}
		merged = append(merged, items...)
	}
	sortSummaries(merged)
	return pageSummaries(merged, first, max), nil
}

func (s *ClientsService) searchRealm(ctx context.Context, realm string, query string, first int, max int) ([]ClientSummary, error) {
	if err := s.checkRealm(realm); err != nil {
		return nil, err
	}
	if query == "" {
		all, err := s.List(ctx, realm)
		if err != nil {
			return nil, err
		}
		return pageSummaries(all, first, max), nil
	}

	params := url.Values{}
	params.Set("clientId", query)
	params.Set("search", "true")
	params.Set("first", strconv.Itoa(first))
	params.Set("max", strconv.Itoa(max))
	var reps []clientRepresentation
	if err := s.api.get(ctx, realm, "/clients?"+params.Encode(), &reps); err != nil {
		return nil, fmt.Errorf("search clients realm=%s: %w", realm, err)
	}
	out := make([]ClientSummary, 0, len(reps))
	for _, rep := range reps {
		out = append(out, rep.summary(realm))
	}
	return out, nil
}

func (s *ClientsService) FindByClientID(ctx context.Context, realm string, clientID string) (*ClientSummary, error) {
	rep, err := s.findRepresentation(ctx, realm, clientID)
	if err != nil {
		return nil, err
	}
	summary := rep.summary(strings.TrimSpace(realm))
	return &summary, nil
}

func (s *ClientsService) findRepresentation(ctx context.Context, realm string, clientID string) (clientRepresentation, error) {
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	if err := s.checkRealm(realm); err != nil {
		return clientRepresentation{}, err
	}
	if clientID == "" {
		return clientRepresentation{}, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}

	var reps []clientRepresentation
	if err := s.api.get(ctx, realm, "/clients?clientId="+url.QueryEscape(clientID), &reps); err != nil {
		return clientRepresentation{}, fmt.Errorf("find client realm=%s client_id=%s: %w", realm, clientID, err)
	}
	for _, rep := range reps {
		if rep.ClientID == clientID {
			return rep, nil
		}
	}
	return clientRepresentation{}, fmt.Errorf("client %s in realm %s: %w", clientID, realm, ErrNotFound)
}

// Get loads the client with its roles, service-account roles and default scopes.
func (s *ClientsService) Get(ctx context.Context, realm string, clientID string) (*ClientDetails, error) {
	rep, err := s.findRepresentation(ctx, realm, clientID)
	if err != nil {
		return nil, err
	}
	return s.detailsFor(ctx, strings.TrimSpace(realm), rep)
}

func (s *ClientsService) detailsFor(ctx context.Context, realm string, rep clientRepresentation) (*ClientDetails, error) {
	details := rep.details(realm)

	roles, err := s.clientRoles(ctx, realm, rep.ID)
	if err != nil {
		return nil, err
	}
	details.LocalRoles = roles

	if rep.ServiceAccountsEnabled {
		serviceRoles, err := s.serviceAccountRoles(ctx, realm, rep.ID)
		if err != nil {
			return nil, err
		}
		details.ServiceAccountRoles = serviceRoles
	}

	scopes, err := s.defaultScopes(ctx, realm, rep.ID)
	if err != nil {
		return nil, err
	}
	details.DefaultScopes = make([]string, 0, len(scopes))
	for _, scope := range scopes {
		details.DefaultScopes = append(details.DefaultScopes, scope.Name)
	}
	sort.Strings(details.DefaultScopes)
	return &details, nil
}

func (s *ClientsService) defaultScopes(ctx context.Context, realm string, clientUUID string) ([]clientScopeRepresentation, error) {
	var scopes []clientScopeRepresentation
	if err := s.api.get(ctx, realm, "/clients/"+url.PathEscape(clientUUID)+"/default-client-scopes", &scopes); err != nil {
		return nil, fmt.Errorf("list default scopes: %w", err)
	}
	return scopes, nil
}

// Create registers a new openid-connect client and returns its details.
func (s *ClientsService) Create(ctx context.Context, realm string, in ClientInput) (created *ClientDetails, err error) {
	realm = strings.TrimSpace(realm)
	in = normalizeInput(in)
	details := map[string]any{
		"public_client":    in.PublicClient,
		"service_accounts": in.ServiceAccounts,
		"redirect_uris":    len(in.RedirectURIs),
	}
	defer func() {
		s.logAndAudit(ctx, "client.create", realm, in.ClientID, err == nil, err, "", details)
	}()

	if err := s.checkRealm(realm); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if _, err := s.findRepresentation(ctx, realm, in.ClientID); err == nil {
		return nil, fmt.Errorf("client %s in realm %s: %w", in.ClientID, realm, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	rep := representationFromInput(in)
	rep.ID = s.newID()
	rep.Protocol = "openid-connect"
	if err := s.api.post(ctx, realm, "/clients", rep, nil); err != nil {
		return nil, fmt.Errorf("create client %s: %w", in.ClientID, err)
	}
	s.cache.invalidate(realm)
	details["id"] = rep.ID

	// The client exists from here on. Later failures are recorded but do not
	// fail the create, so the caller can still grant access to it.
	if len(in.DefaultScopes) > 0 {
		skipped, syncErr := s.syncDefaultScopes(ctx, realm, rep.ID, in.DefaultScopes)
		if syncErr != nil {
			log.Printf("keycloak create scope sync failed realm=%s client_id=%s error=%v", realm, in.ClientID, syncErr)
			details["scope_sync_error"] = syncErr.Error()
		}
		if len(skipped) > 0 {
			details["skipped_scopes"] = skipped
		}
	}

	loaded, getErr := s.Get(ctx, realm, in.ClientID)
	if getErr != nil {
		log.Printf("keycloak create reload failed realm=%s client_id=%s error=%v", realm, in.ClientID, getErr)
		details["reload_error"] = getErr.Error()
		fallback := rep.details(realm)
		return &fallback, nil
	}
	return loaded, nil
}

// Update rewrites the editable fields. The stored representation is patched
// in place so attributes this service does not manage survive the PUT.
// clientId itself cannot be renamed.
func (s *ClientsService) Update(ctx context.Context, realm string, clientID string, in ClientInput) (updated *ClientDetails, err error) {
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	in.ClientID = clientID
	in = normalizeInput(in)

	var changes []FieldChange
	audited := true
	details := map[string]any{}
	defer func() {
		if !audited {
			return
		}
		if len(changes) > 0 {
			details["fields"] = changeFields(changes)
		}
		s.logAndAudit(ctx, "client.update", realm, clientID, err == nil, err, FormatChanges(changes), details)
	}()

	if err := validateInput(in); err != nil {
		return nil, err
	}
	before, err := s.Get(ctx, realm, clientID)
	if err != nil {
		return nil, err
	}

	clientPath := "/clients/" + url.PathEscape(before.ID)
	var raw map[string]any
	if err := s.api.get(ctx, realm, clientPath, &raw); err != nil {
		return nil, fmt.Errorf("load client %s: %w", clientID, err)
	}
	applyInput(raw, in)
	if err := s.api.put(ctx, realm, clientPath, raw); err != nil {
		return nil, fmt.Errorf("update client %s: %w", clientID, err)
	}
	s.cache.invalidate(realm)

	if in.ScopesSet || len(in.DefaultScopes) > 0 {
		skipped, err := s.syncDefaultScopes(ctx, realm, before.ID, in.DefaultScopes)
		if err != nil {
			return nil, err
		}
		if len(skipped) > 0 {
			details["skipped_scopes"] = skipped
		}
	}

	after, err := s.Get(ctx, realm, clientID)
	if err != nil {
		return nil, err
	}
	changes = DiffClients(*before, *after)
	if len(changes) == 0 && details["skipped_scopes"] == nil {
		audited = false
	}
	return after, nil
}

func (s *ClientsService) Delete(ctx context.Context, realm string, clientID string) (err error) {
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	details := map[string]any{}
	defer func() {
		s.logAndAudit(ctx, "client.delete", realm, clientID, err == nil, err, "", details)
	}()

	rep, err := s.findRepresentation(ctx, realm, clientID)
	if err != nil {
		return err
	}
	details["id"] = rep.ID
	if err := s.api.delete(ctx, realm, "/clients/"+url.PathEscape(rep.ID), nil); err != nil {
		return fmt.Errorf("delete client %s: %w", clientID, err)
	}
	s.cache.invalidate(realm)
	return nil
}

// RegenerateSecret rotates a confidential client's secret and returns it.
// The value is shown once and never logged.
func (s *ClientsService) RegenerateSecret(ctx context.Context, realm string, clientID string) (secret string, err error) {
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	defer func() {
		s.logAndAudit(ctx, "client.secret.regenerate", realm, clientID, err == nil, err, "", nil)
	}()

	rep, err := s.findRepresentation(ctx, realm, clientID)
	if err != nil {
		return "", err
	}
	if rep.PublicClient {
		return "", fmt.Errorf("%w: public clients have no secret", ErrInvalidInput)
	}
	var credential credentialRepresentation
	if err := s.api.post(ctx, realm, "/clients/"+url.PathEscape(rep.ID)+"/client-secret", nil, &credential); err != nil {
		return "", fmt.Errorf("regenerate secret %s: %w", clientID, err)
	}
	if credential.Value == "" {
		return "", fmt.Errorf("regenerate secret %s: empty secret in response", clientID)
	}
	return credential.Value, nil
}

// syncDefaultScopes makes the client's default scopes equal to desired.
// Names that do not exist in the realm are skipped and returned.
func (s *ClientsService) syncDefaultScopes(ctx context.Context, realm string, clientUUID string, desired []string) ([]string, error) {
	var available []clientScopeRepresentation
	if err := s.api.get(ctx, realm, "/client-scopes", &available); err != nil {
		return nil, fmt.Errorf("list client scopes: %w", err)
	}
	idsByName := make(map[string]string, len(available))
	for _, scope := range available {
		idsByName[scope.Name] = scope.ID
	}

	current, err := s.defaultScopes(ctx, realm, clientUUID)
	if err != nil {
		return nil, err
	}
	currentByName := make(map[string]string, len(current))
	for _, scope := range current {
		currentByName[scope.Name] = scope.ID
	}

	base := "/clients/" + url.PathEscape(clientUUID) + "/default-client-scopes/"
	wanted := toSet(desired)
	var skipped []string
	for name := range wanted {
		if _, ok := currentByName[name]; ok {
			continue
		}
		id, ok := idsByName[name]
		if !ok {
			skipped = append(skipped, name)
			continue
		}
		if err := s.api.put(ctx, realm, base+url.PathEscape(id), nil); err != nil {
			return nil, fmt.Errorf("add default scope %s: %w", name, err)
		}
	}
	for name, id := range currentByName {
		if _, ok := wanted[name]; ok {
			continue
		}
		if err := s.api.delete(ctx, realm, base+url.PathEscape(id), nil); err != nil {
			return nil, fmt.Errorf("remove default scope %s: %w", name, err)
		}
	}
	sort.Strings(skipped)
	return skipped, nil
}

func validateInput(in ClientInput) error {
	if in.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	if strings.ContainsAny(in.ClientID, " /\t\n") {
		return fmt.Errorf("%w: client id must not contain spaces or slashes", ErrInvalidInput)
	}
	if in.PublicClient && in.ServiceAccounts {
		return fmt.Errorf("%w: public clients cannot use service accounts", ErrInvalidInput)
	}
	if (in.StandardFlow || in.ImplicitFlow) && len(in.RedirectURIs) == 0 {
		return fmt.Errorf("%w: at least one redirect uri is required for browser flows", ErrInvalidInput)
	}
	for _, raw := range in.RedirectURIs {
		if strings.HasSuffix(raw, "*") {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" {
			return fmt.Errorf("%w: redirect uri %q is not absolute", ErrInvalidInput, raw)
		}
	}
	return nil
}

func normalizeInput(in ClientInput) ClientInput {
	in.ClientID = strings.TrimSpace(in.ClientID)
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.RootURL = strings.TrimSpace(in.RootURL)
	in.BaseURL = strings.TrimSpace(in.BaseURL)
	in.RedirectURIs = normalizeStringList(in.RedirectURIs)
	in.WebOrigins = normalizeStringList(in.WebOrigins)
	in.DefaultScopes = normalizeStringList(in.DefaultScopes)
	return in
}

func normalizeStringList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func representationFromInput(in ClientInput) clientRepresentation {
	return clientRepresentation{
		ClientID:                  in.ClientID,
		Name:                      in.Name,
		Description:               in.Description,
		Enabled:                   in.Enabled,
		PublicClient:              in.PublicClient,
		StandardFlowEnabled:       in.StandardFlow,
		ImplicitFlowEnabled:       in.ImplicitFlow,
		DirectAccessGrantsEnabled: in.DirectAccessGrants,
		ServiceAccountsEnabled:    in.ServiceAccounts,
		RootURL:                   in.RootURL,
		BaseURL:                   in.BaseURL,
		RedirectURIs:              in.RedirectURIs,
		WebOrigins:                in.WebOrigins,
	}
}

func applyInput(raw map[string]any, in ClientInput) {
	raw["name"] = in.Name
	raw["description"] = in.Description
	raw["enabled"] = in.Enabled
	raw["publicClient"] = in.PublicClient
	raw["standardFlowEnabled"] = in.StandardFlow
	raw["implicitFlowEnabled"] = in.ImplicitFlow
	raw["directAccessGrantsEnabled"] = in.DirectAccessGrants
	raw["serviceAccountsEnabled"] = in.ServiceAccounts
	raw["rootUrl"] = in.RootURL
	raw["baseUrl"] = in.BaseURL
	raw["redirectUris"] = in.RedirectURIs
	raw["webOrigins"] = in.WebOrigins
}

// InputFromDetails seeds an edit form with the current values.
func InputFromDetails(d ClientDetails) ClientInput {
	return ClientInput{
		ClientID:           d.ClientID,
		Name:               d.Name,
		Description:        d.Description,
		Enabled:            d.Enabled,
		PublicClient:       d.PublicClient,
		StandardFlow:       d.StandardFlow,
		ImplicitFlow:       d.ImplicitFlow,
		DirectAccessGrants: d.DirectAccessGrants,
		ServiceAccounts:    d.ServiceAccounts,
		RootURL:            d.RootURL,
		BaseURL:            d.BaseURL,
		RedirectURIs:       append([]string(nil), d.RedirectURIs...),
		WebOrigins:         append([]string(nil), d.WebOrigins...),
		DefaultScopes:      append([]string(nil), d.DefaultScopes...),
		ScopesSet:          true,
	}
}

func sortSummaries(items []ClientSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Realm != items[j].Realm {
			return items[i].Realm < items[j].Realm
		}
		return strings.ToLower(items[i].ClientID) < strings.ToLower(items[j].ClientID)
	})
}

func pageSummaries(items []ClientSummary, first int, max int) []ClientSummary {
	if first >= len(items) {
		return []ClientSummary{}
	}
	end := first + max
	if end > len(items) {
		end = len(items)
	}
	return append([]ClientSummary(nil), items[first:end]...)
}
