package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/houbamydar/clientdesk/internal/keycloak"
	"github.com/houbamydar/clientdesk/internal/notify"
	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/labstack/echo/v4"
)

const (
	apiDefaultLimit = 50
	apiMaxLimit     = 200
)

type ClientsReader interface {
	Search(ctx context.Context, realm string, query string, first int, max int) ([]keycloak.ClientSummary, error)
	FindByClientID(ctx context.Context, realm string, clientID string) (*keycloak.ClientSummary, error)
	Get(ctx context.Context, realm string, clientID string) (*keycloak.ClientDetails, error)
}

type GrantStore interface {
	UpsertAccessGrant(ctx context.Context, grant store.AccessGrant) (*store.AccessGrant, error)
	DeleteAccessGrant(ctx context.Context, username string, realm string, clientID string) error
	ListAccessGrants(ctx context.Context, opts store.AccessGrantListOptions) ([]store.AccessGrant, error)
}

type APIHandler struct {
	clients  ClientsReader
	grants   GrantStore
	audit    keycloak.ApiLogWriter
	notifier notify.Notifier
}

func NewAPIHandler(clients ClientsReader, grants GrantStore, audit keycloak.ApiLogWriter, notifier notify.Notifier) *APIHandler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &APIHandler{clients: clients, grants: grants, audit: audit, notifier: notifier}
}

// RegisterAPIRoutes expects group to carry the token, rate limit and request
// id middleware.
func RegisterAPIRoutes(group *echo.Group, handler *APIHandler) {
	group.GET("/clients", handler.ListClients)
	group.GET("/clients/:realm/:clientId", handler.GetClient)
	group.GET("/grants", handler.ListGrants)
	group.PUT("/grants", handler.PutGrant)
	group.DELETE("/grants", handler.DeleteGrant)
}

type clientSummaryDTO struct {
	Realm              string   `json:"realm"`
	ID                 string   `json:"id"`
	ClientID           string   `json:"client_id"`
	Name               string   `json:"name"`
	Enabled            bool     `json:"enabled"`
	PublicClient       bool     `json:"public_client"`
	StandardFlow       bool     `json:"standard_flow"`
	ImplicitFlow       bool     `json:"implicit_flow"`
	DirectAccessGrants bool     `json:"direct_access_grants"`
	ServiceAccounts    bool     `json:"service_accounts"`
	Flows              []string `json:"flows"`
}

type roleDTO struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type serviceRoleDTO struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
}

type clientDetailDTO struct {
	clientSummaryDTO
	Description         string           `json:"description"`
	RootURL             string           `json:"root_url"`
	BaseURL             string           `json:"base_url"`
	RedirectURIs        []string         `json:"redirect_uris"`
	WebOrigins          []string         `json:"web_origins"`
	DefaultScopes       []string         `json:"default_scopes"`
	Roles               []roleDTO        `json:"roles"`
	ServiceAccountRoles []serviceRoleDTO `json:"service_account_roles"`
}

type grantDTO struct {
	Username   string    `json:"username"`
	Realm      string    `json:"realm"`
	ClientID   string    `json:"client_id"`
	ClientName string    `json:"client_name,omitempty"`
	GrantedBy  string    `json:"granted_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type grantRequest struct {
	Username string `json:"username"`
	Realm    string `json:"realm"`
	ClientID string `json:"client_id"`
}

func (h *APIHandler) ListClients(c echo.Context) error {
	realm := strings.TrimSpace(c.QueryParam("realm"))
	if realm == "" {
		realm = keycloak.AllRealms
	}
	first, limit, err := parseWindow(c.QueryParam("first"), c.QueryParam("max"))
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}

	found, err := h.clients.Search(c.Request().Context(), realm, strings.TrimSpace(c.QueryParam("q")), first, limit)
	if err != nil {
		return writeServiceError(c, err)
	}
	items := make([]clientSummaryDTO, 0, len(found))
	for _, client := range found {
		items = append(items, newClientSummaryDTO(client))
	}
	return c.JSON(http.StatusOK, map[string]any{"clients": items})
}

func (h *APIHandler) GetClient(c echo.Context) error {
	realm, clientID := PathParam(c, "realm"), PathParam(c, "clientId")
	if realm == "" || clientID == "" {
		return writeError(c, http.StatusBadRequest, "realm and client id are required")
	}
	details, err := h.clients.Get(c.Request().Context(), realm, clientID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"client": newClientDetailDTO(*details)})
}

func (h *APIHandler) ListGrants(c echo.Context) error {
	offset, limit, err := parseWindow(c.QueryParam("offset"), c.QueryParam("limit"))
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}
	grants, err := h.grants.ListAccessGrants(c.Request().Context(), store.AccessGrantListOptions{
		Username: strings.ToLower(strings.TrimSpace(c.QueryParam("username"))),
		Realm:    strings.TrimSpace(c.QueryParam("realm")),
		ClientID: strings.TrimSpace(c.QueryParam("client_id")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return writeServiceError(c, err)
	}
	items := make([]grantDTO, 0, len(grants))
	for _, grant := range grants {
		items = append(items, newGrantDTO(grant))
	}
	return c.JSON(http.StatusOK, map[string]any{"grants": items})
}

func (h *APIHandler) PutGrant(c echo.Context) error {
	req := grantRequest{}
	success := false
	var opErr error
	details := map[string]any{}
	defer func() {
		h.logAndAudit(c, "access.grant", req, success, opErr, details)
	}()

	if err := decodeJSON(c, &req); err != nil {
		opErr = err
		details["error"] = "invalid_request_body"
		return writeError(c, http.StatusBadRequest, "invalid request body")
	}
	req = req.normalized()
	if req.Username == "" || req.Realm == "" || req.ClientID == "" {
		opErr = errors.New("missing grant fields")
		details["error"] = "missing_fields"
		return writeError(c, http.StatusBadRequest, "username, realm and client_id are required")
	}

	ctx := AuditContext(c)
	summary, err := h.clients.FindByClientID(ctx, req.Realm, req.ClientID)
	if err != nil {
		opErr = err
		return writeServiceError(c, err)
	}

	grant, err := h.grants.UpsertAccessGrant(ctx, store.AccessGrant{
		Username:   req.Username,
		Realm:      req.Realm,
		ClientID:   summary.ClientID,
		ClientName: summary.DisplayName(),
		GrantedBy:  ActorName(c),
	})
	if err != nil {
		opErr = err
		return writeServiceError(c, err)
	}

	success = true
	h.notifier.AccessChanged(ctx, notify.AccessChange{Granted: true, Username: req.Username, Realm: req.Realm, ClientID: summary.ClientID, Actor: ActorName(c)})
	return c.JSON(http.StatusOK, map[string]any{"grant": newGrantDTO(*grant)})
}

func (h *APIHandler) DeleteGrant(c echo.Context) error {
	req := grantRequest{}
	success := false
	var opErr error
	details := map[string]any{}
	defer func() {
		h.logAndAudit(c, "access.revoke", req, success, opErr, details)
	}()

	if err := decodeJSON(c, &req); err != nil {
		opErr = err
		details["error"] = "invalid_request_body"
		return writeError(c, http.StatusBadRequest, "invalid request body")
	}
	req = req.normalized()
	if req.Username == "" || req.Realm == "" || req.ClientID == "" {
		opErr = errors.New("missing grant fields")
		details["error"] = "missing_fields"
		return writeError(c, http.StatusBadRequest, "username, realm and client_id are required")
	}

	ctx := AuditContext(c)
	if err := h.grants.DeleteAccessGrant(ctx, req.Username, req.Realm, req.ClientID); err != nil {
		opErr = err
		return writeServiceError(c, err)
	}

	success = true
	h.notifier.AccessChanged(ctx, notify.AccessChange{Username: req.Username, Realm: req.Realm, ClientID: req.ClientID, Actor: ActorName(c)})
	return c.NoContent(http.StatusNoContent)
}

func (r grantRequest) normalized() grantRequest {
	return grantRequest{
		Username: strings.ToLower(strings.TrimSpace(r.Username)),
		Realm:    strings.TrimSpace(r.Realm),
		ClientID: strings.TrimSpace(r.ClientID),
	}
}

func (h *APIHandler) logAndAudit(c echo.Context, operation string, req grantRequest, success bool, opErr error, details map[string]any) {
	requestID := RequestIDFromContext(c)
	realIP := strings.TrimSpace(c.RealIP())
	actor := ActorName(c)

	if success {
		log.Printf("admin api action=%s actor=%s realm=%s client_id=%s username=%s ip=%s request_id=%s success=true", operation, actor, req.Realm, req.ClientID, req.Username, realIP, requestID)
	} else {
		log.Printf("admin api action=%s actor=%s realm=%s client_id=%s username=%s ip=%s request_id=%s success=false error=%v", operation, actor, req.Realm, req.ClientID, req.Username, realIP, requestID, opErr)
	}

	if h.audit == nil {
		return
	}

	payload := keycloak.SanitizeAuditDetails(details)
	payload["username"] = req.Username
	if opErr != nil {
		if _, ok := payload["error"]; !ok {
			payload["error"] = keycloak.AuditErrorCode(opErr)
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	entry := store.ApiLogEntry{
		Operation:   operation,
		Actor:       actor,
		Realm:       req.Realm,
		TargetID:    req.ClientID,
		Success:     success,
		RequestID:   requestID,
		RemoteIP:    realIP,
		Message:     req.Username,
		DetailsJSON: raw,
	}
	if err := h.audit.CreateApiLogEntry(context.WithoutCancel(c.Request().Context()), entry); err != nil {
		log.Printf("admin api audit insert failed action=%s client_id=%s request_id=%s error=%v", operation, req.ClientID, requestID, err)
	}
}

func newClientSummaryDTO(client keycloak.ClientSummary) clientSummaryDTO {
	return clientSummaryDTO{
		Realm:              client.Realm,
		ID:                 client.ID,
		ClientID:           client.ClientID,
		Name:               client.Name,
		Enabled:            client.Enabled,
		PublicClient:       client.PublicClient,
		StandardFlow:       client.StandardFlow,
		ImplicitFlow:       client.ImplicitFlow,
		DirectAccessGrants: client.DirectAccessGrants,
		ServiceAccounts:    client.ServiceAccounts,
		Flows:              client.Flows(),
	}
}

func newClientDetailDTO(details keycloak.ClientDetails) clientDetailDTO {
	out := clientDetailDTO{
		clientSummaryDTO:    newClientSummaryDTO(details.ClientSummary),
		Description:         details.Description,
		RootURL:             details.RootURL,
		BaseURL:             details.BaseURL,
		RedirectURIs:        nonNil(details.RedirectURIs),
		WebOrigins:          nonNil(details.WebOrigins),
		DefaultScopes:       nonNil(details.DefaultScopes),
		Roles:               make([]roleDTO, 0, len(details.LocalRoles)),
		ServiceAccountRoles: make([]serviceRoleDTO, 0, len(details.ServiceAccountRoles)),
	}
	for _, role := range details.LocalRoles {
		out.Roles = append(out.Roles, roleDTO{Name: role.Name, Description: role.Description})
	}
	for _, role := range details.ServiceAccountRoles {
		out.ServiceAccountRoles = append(out.ServiceAccountRoles, serviceRoleDTO{ClientID: role.ClientID, Role: role.Role.Name})
	}
	return out
}

func newGrantDTO(grant store.AccessGrant) grantDTO {
	return grantDTO{
		Username:   grant.Username,
		Realm:      grant.Realm,
		ClientID:   grant.ClientID,
		ClientName: grant.ClientName,
		GrantedBy:  grant.GrantedBy,
		CreatedAt:  grant.CreatedAt,
		UpdatedAt:  grant.UpdatedAt,
	}
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func parseWindow(rawOffset string, rawLimit string) (int, int, error) {
	offset := 0
	if trimmed := strings.TrimSpace(rawOffset); trimmed != "" {
		parsed, err := strconv.Atoi(trimmed)
		if err != nil || parsed < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = parsed
	}
	limit := apiDefaultLimit
	if trimmed := strings.TrimSpace(rawLimit); trimmed != "" {
		parsed, err := strconv.Atoi(trimmed)
		if err != nil || parsed <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = parsed
	}
	if limit > apiMaxLimit {
		limit = apiMaxLimit
	}
	return offset, limit, nil
}

// PathParam returns a decoded route parameter. echo matches on the raw path
// only when the request carries escapes such as %2F, and only then are the
// values still encoded.
func PathParam(c echo.Context, name string) string {
	raw := c.Param(name)
	if c.Request().URL.RawPath != "" {
		if decoded, err := url.PathUnescape(raw); err == nil {
			raw = decoded
		}
	}
	return strings.TrimSpace(raw)
}

func decodeJSON(c echo.Context, out any) error {
	decoder := json.NewDecoder(c.Request().Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"message": message})
}

func writeServiceError(c echo.Context, err error) error {
	var apiErr *keycloak.APIError
	switch {
	case errors.Is(err, keycloak.ErrNotFound):
		return writeError(c, http.StatusNotFound, "client not found")
	case errors.Is(err, store.ErrAccessGrantNotFound):
		return writeError(c, http.StatusNotFound, "access grant not found")
	case errors.Is(err, keycloak.ErrUnknownRealm):
		return writeError(c, http.StatusBadRequest, "unknown realm")
	case errors.Is(err, keycloak.ErrInvalidInput):
		return writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, keycloak.ErrConflict), store.IsUniqueViolation(err):
		return writeError(c, http.StatusConflict, "conflict")
	case errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusGatewayTimeout, "keycloak timeout")
	case errors.As(err, &apiErr):
		return writeError(c, http.StatusBadGateway, "keycloak request failed")
	default:
		log.Printf("admin api internal error path=%s request_id=%s error=%v", c.Path(), RequestIDFromContext(c), err)
		return writeError(c, http.StatusInternalServerError, "internal server error")
	}
}
