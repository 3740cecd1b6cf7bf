package adminui

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/houbamydar/clientdesk/internal/admin"
	"github.com/houbamydar/clientdesk/internal/adminauth"
	"github.com/houbamydar/clientdesk/internal/config"
	"github.com/houbamydar/clientdesk/internal/keycloak"
	"github.com/houbamydar/clientdesk/internal/notify"
	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/labstack/echo/v4"
)

const (
	flashCookieName     = "admin_ui_flash"
	auditLogPageSize    = 25
	clientsPageSize     = 20
	accessGrantPageSize = 50
)

//go:embed templates/*.html
var templatesFS embed.FS

type ClientsService interface {
	Realms() []string
	Search(ctx context.Context, realm string, query string, first int, max int) ([]keycloak.ClientSummary, error)
	FindByClientID(ctx context.Context, realm string, clientID string) (*keycloak.ClientSummary, error)
	Get(ctx context.Context, realm string, clientID string) (*keycloak.ClientDetails, error)
	Create(ctx context.Context, realm string, in keycloak.ClientInput) (*keycloak.ClientDetails, error)
	Update(ctx context.Context, realm string, clientID string, in keycloak.ClientInput) (*keycloak.ClientDetails, error)
	Delete(ctx context.Context, realm string, clientID string) error
	RegenerateSecret(ctx context.Context, realm string, clientID string) (string, error)
	CreateRole(ctx context.Context, realm string, clientID string, name string, description string) error
	DeleteRole(ctx context.Context, realm string, clientID string, name string) error
	AssignableServiceRoles(ctx context.Context, realm string, clientID string) ([]keycloak.ServiceRole, error)
	AssignServiceRole(ctx context.Context, realm string, clientID string, roleClientID string, roleName string) error
	RemoveServiceRole(ctx context.Context, realm string, clientID string, roleClientID string, roleName string) error
}

type AccessStore interface {
	UpsertAccessGrant(ctx context.Context, grant store.AccessGrant) (*store.AccessGrant, error)
	DeleteAccessGrant(ctx context.Context, username string, realm string, clientID string) error
	DeleteAccessGrantsForClient(ctx context.Context, realm string, clientID string) (int64, error)
	HasAccessGrant(ctx context.Context, username string, realm string, clientID string) (bool, error)
	ListAccessGrants(ctx context.Context, opts store.AccessGrantListOptions) ([]store.AccessGrant, error)
	ListGrantedClients(ctx context.Context, username string) ([]store.AccessGrant, error)
}

type ExclusionStore interface {
	UpsertServiceRoleExclusion(ctx context.Context, exclusion store.ServiceRoleExclusion) error
	DeleteServiceRoleExclusion(ctx context.Context, realm string, clientID string) error
	ListServiceRoleExclusions(ctx context.Context, realm string) ([]store.ServiceRoleExclusion, error)
	IsServiceRoleExcluded(ctx context.Context, realm string, clientID string) (bool, error)
}

type ApiLogStore interface {
	CreateApiLogEntry(ctx context.Context, entry store.ApiLogEntry) error
	ListApiLogEntries(ctx context.Context, opts store.ApiLogListOptions) ([]store.ApiLogEntry, error)
}

type SessionAuth interface {
	SessionIdentity(c echo.Context) (*adminauth.Identity, bool)
	LogoutSession(c echo.Context) error
	RequireSessionMiddleware(loginPath string) echo.MiddlewareFunc
	RequireAdminMiddleware() echo.MiddlewareFunc
	InvalidateSessionsForUser(ctx context.Context, username string) (int, error)
}

type WikiPublisher interface {
	PublishClientPage(ctx context.Context, details keycloak.ClientDetails) (string, error)
}

type Options struct {
	Clients    ClientsService
	Access     AccessStore
	Exclusions ExclusionStore
	ApiLog     ApiLogStore
	Auth       SessionAuth
	Presets    []config.ClientPreset
	Wiki       WikiPublisher
	Notifier   notify.Notifier
	Stats      StatsProvider
	Health     SystemHealthProvider

	// InsecureCookies drops the Secure flag for plain-HTTP development.
	InsecureCookies bool
}

type Handler struct {
	clients    ClientsService
	access     AccessStore
	exclusions ExclusionStore
	apiLog     ApiLogStore
	auth       SessionAuth
	presets    []config.ClientPreset
	wiki       WikiPublisher
	notifier   notify.Notifier
	stats      StatsProvider
	health     SystemHealthProvider
	pages      map[string]*template.Template

	insecureCookies bool
}

type flashMessage struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type layoutData struct {
	Title     string
	Staff     *adminauth.Identity
	Flash     *flashMessage
	CSRFToken string
}

type errorPageData struct {
	layoutData
	Status int
	Error  string
}

var pageFiles = []string{
	"login.html",
	"index.html",
	"clients_list.html",
	"client_form.html",
	"client_detail.html",
	"client_secret.html",
	"access.html",
	"exclusions.html",
	"audit.html",
	"health.html",
	"error.html",
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Clients == nil {
		return nil, fmt.Errorf("adminui requires clients service")
	}
	if opts.Auth == nil {
		return nil, fmt.Errorf("adminui requires session auth")
	}
	if opts.Access == nil || opts.Exclusions == nil {
		return nil, fmt.Errorf("adminui requires access and exclusion stores")
	}
	if opts.ApiLog == nil {
		return nil, fmt.Errorf("adminui requires api log store")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if len(opts.Presets) == 0 {
		opts.Presets = config.DefaultClientPresets()
	}

	pages, err := parsePages()
	if err != nil {
		return nil, err
	}

	return &Handler{
		clients:    opts.Clients,
		access:     opts.Access,
		exclusions: opts.Exclusions,
		apiLog:     opts.ApiLog,
		auth:       opts.Auth,
		presets:    opts.Presets,
		wiki:       opts.Wiki,
		notifier:   opts.Notifier,
		stats:      opts.Stats,
		health:     opts.Health,
		pages:      pages,

		insecureCookies: opts.InsecureCookies,
	}, nil
}

// RegisterRoutes mounts the login page and the session and CSRF protected
// pages under /admin. extra runs before the session check.
func RegisterRoutes(e *echo.Echo, handler *Handler, extra ...echo.MiddlewareFunc) {
	RegisterPublicRoutes(e.Group("/admin", extra...), handler)

	protected := append([]echo.MiddlewareFunc{}, extra...)
	protected = append(protected, handler.auth.RequireSessionMiddleware("/admin/login"), handler.CSRFMiddleware())
	RegisterProtectedRoutes(e.Group("/admin", protected...), handler)
}

func RegisterPublicRoutes(group *echo.Group, handler *Handler) {
	group.GET("/login", handler.LoginPage)
}

// RegisterProtectedRoutes expects group to already require a staff session.
func RegisterProtectedRoutes(group *echo.Group, handler *Handler) {
	adminOnly := handler.auth.RequireAdminMiddleware()

	group.GET("/", handler.Dashboard)
	group.GET("/health", handler.Health)
	group.POST("/logout", handler.Logout)

	group.GET("/clients", handler.ClientsList)
	group.GET("/clients/new", handler.ClientNew)
	group.POST("/clients/new", handler.ClientCreate)
	group.GET("/clients/:realm/:clientId", handler.ClientDetail)
	group.GET("/clients/:realm/:clientId/edit", handler.ClientEdit)
	group.POST("/clients/:realm/:clientId/edit", handler.ClientUpdate)
	group.POST("/clients/:realm/:clientId/delete", handler.ClientDelete, adminOnly)
	group.POST("/clients/:realm/:clientId/secret", handler.ClientSecretRegenerate)
	group.POST("/clients/:realm/:clientId/roles", handler.RoleCreate)
	group.POST("/clients/:realm/:clientId/roles/:role/delete", handler.RoleDelete)
	group.POST("/clients/:realm/:clientId/service-roles", handler.ServiceRoleAssign)
	group.POST("/clients/:realm/:clientId/service-roles/delete", handler.ServiceRoleRemove)

	group.GET("/access", handler.AccessList, adminOnly)
	group.POST("/access/grant", handler.AccessGrant, adminOnly)
	group.POST("/access/revoke", handler.AccessRevoke, adminOnly)
	group.POST("/access/sessions/end", handler.AccessEndSessions, adminOnly)

	group.GET("/exclusions", handler.ExclusionsList, adminOnly)
	group.POST("/exclusions", handler.ExclusionCreate, adminOnly)
	group.POST("/exclusions/delete", handler.ExclusionDelete, adminOnly)

	group.GET("/audit", handler.AuditLog, adminOnly)
}

func (h *Handler) LoginPage(c echo.Context) error {
	if _, ok := h.auth.SessionIdentity(c); ok {
		return c.Redirect(http.StatusFound, "/admin/")
	}

	data := layoutData{
		Title: "Sign in",
		Flash: h.popFlash(c),
	}
	if c.QueryParam("error") != "" && data.Flash == nil {
		data.Flash = &flashMessage{Kind: "error", Message: "Sign in failed, please try again"}
	}
	return h.render(c, http.StatusOK, "login.html", data)
}

func (h *Handler) Logout(c echo.Context) error {
	_ = h.auth.LogoutSession(c)
	h.clearCSRFCookie(c)
	h.setFlash(c, "success", "Signed out")
	return c.Redirect(http.StatusFound, "/admin/login")
}

type dashboardPageData struct {
	layoutData
	Stats         *StatsSnapshot
	StatsError    string
	Range         string
	GrantedClient []store.AccessGrant
	Realms        []string
}

func (h *Handler) Dashboard(c echo.Context) error {
	staff := h.currentStaff(c)
	data := dashboardPageData{
		layoutData: h.newLayoutData(c, staff, "Dashboard"),
		Realms:     h.clients.Realms(),
	}

	statsRange := ParseStatsRange(c.QueryParam("range"))
	data.Range = statsRange.String()
	if h.stats != nil && staff != nil && staff.Admin {
		snapshot, err := h.stats.GetStatsSnapshot(c.Request().Context(), statsRange)
		if err != nil {
			log.Printf("adminui stats failed request_id=%s error=%v", admin.RequestIDFromContext(c), err)
			data.StatsError = "Statistics are unavailable"
		} else {
			data.Stats = snapshot
		}
	}
	if staff != nil {
		granted, err := h.access.ListGrantedClients(c.Request().Context(), staff.Username)
		if err != nil {
			return h.renderError(c, staff, err)
		}
		data.GrantedClient = granted
	}
	return h.render(c, http.StatusOK, "index.html", data)
}

type healthPageData struct {
	layoutData
	Snapshot *SystemHealthSnapshot
	Overall  HealthStatus
}

func (h *Handler) Health(c echo.Context) error {
	staff := h.currentStaff(c)
	if h.health == nil {
		return h.renderError(c, staff, errors.New("health checks are not configured"))
	}
	snapshot, err := h.health.GetSystemHealthSnapshot(c.Request().Context())
	if err != nil {
		return h.renderError(c, staff, err)
	}
	status := http.StatusOK
	if snapshot.Overall() == HealthStatusDown {
		status = http.StatusServiceUnavailable
	}
	return h.render(c, status, "health.html", healthPageData{
		layoutData: h.newLayoutData(c, staff, "System health"),
		Snapshot:   snapshot,
		Overall:    snapshot.Overall(),
	})
}

func (h *Handler) currentStaff(c echo.Context) *adminauth.Identity {
	if identity, ok := adminauth.IdentityFromContext(c); ok {
		return identity
	}
	identity, _ := h.auth.SessionIdentity(c)
	return identity
}

func (h *Handler) newLayoutData(c echo.Context, staff *adminauth.Identity, title string) layoutData {
	if staff == nil {
		staff = h.currentStaff(c)
	}
	csrfToken, err := h.csrfToken(c)
	if err != nil {
		log.Printf("adminui csrf token init in layout failed error=%v", err)
	}
	return layoutData{
		Title:     strings.TrimSpace(title),
		Staff:     staff,
		Flash:     h.popFlash(c),
		CSRFToken: csrfToken,
	}
}

func parsePages() (map[string]*template.Template, error) {
	funcs := template.FuncMap{
		"formatTime": formatTime,
		"joinComma":  joinComma,
		"clientPath": clientPath,
		"roleValue":  serviceRoleValue,
		"pathEscape": url.PathEscape,
	}

	pages := make(map[string]*template.Template, len(pageFiles))
	for _, page := range pageFiles {
		tmpl, err := template.New("layout").Funcs(funcs).ParseFS(templatesFS, "templates/layout.html", "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", page, err)
		}
		pages[page] = tmpl
	}
	return pages, nil
}

func (h *Handler) render(c echo.Context, status int, pageFile string, data any) error {
	tmpl, ok := h.pages[strings.TrimSpace(pageFile)]
	if !ok {
		log.Printf("adminui template missing file=%s", pageFile)
		return c.String(http.StatusInternalServerError, "template missing")
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		log.Printf("adminui template execute failed file=%s error=%v", pageFile, err)
		return c.String(http.StatusInternalServerError, "template execute error")
	}

	return c.HTML(status, buf.String())
}

func (h *Handler) renderError(c echo.Context, staff *adminauth.Identity, err error) error {
	status, message := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("adminui request failed path=%s request_id=%s error=%v", c.Path(), admin.RequestIDFromContext(c), err)
	}
	return h.renderStatus(c, staff, status, message)
}

func (h *Handler) renderStatus(c echo.Context, staff *adminauth.Identity, status int, message string) error {
	return h.render(c, status, "error.html", errorPageData{
		layoutData: h.newLayoutData(c, staff, http.StatusText(status)),
		Status:     status,
		Error:      strings.TrimSpace(message),
	})
}

// canManage reports whether the current staff member may act on a client.
func (h *Handler) canManage(c echo.Context, staff *adminauth.Identity, realm string, clientID string) (bool, error) {
	if staff == nil {
		return false, nil
	}
	if staff.Admin {
		return true, nil
	}
	return h.access.HasAccessGrant(c.Request().Context(), staff.Username, realm, clientID)
}

// requireClientAccess renders the error page and returns handled=true when the
// staff member may not manage the client.
func (h *Handler) requireClientAccess(c echo.Context, staff *adminauth.Identity, realm string, clientID string) (handled bool, err error) {
	allowed, err := h.canManage(c, staff, realm, clientID)
	if err != nil {
		return true, h.renderError(c, staff, err)
	}
	if !allowed {
		username := ""
		if staff != nil {
			username = staff.Username
		}
		log.Printf("adminui client access denied username=%s realm=%s client_id=%s request_id=%s", username, realm, clientID, admin.RequestIDFromContext(c))
		return true, h.renderStatus(c, staff, http.StatusForbidden, "You have no access to this client")
	}
	return false, nil
}

func mapServiceError(err error) (int, string) {
	var apiErr *keycloak.APIError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, keycloak.ErrNotFound):
		return http.StatusNotFound, "Client or role not found"
	case errors.Is(err, store.ErrAccessGrantNotFound):
		return http.StatusNotFound, "Access grant not found"
	case errors.Is(err, store.ErrServiceRoleExclusionNotFound):
		return http.StatusNotFound, "Exclusion not found"
	case errors.Is(err, keycloak.ErrUnknownRealm):
		return http.StatusBadRequest, "Unknown realm"
	case errors.Is(err, keycloak.ErrInvalidInput):
		return http.StatusBadRequest, strings.TrimSpace(err.Error())
	case errors.Is(err, keycloak.ErrRoleAssignmentExcluded):
		return http.StatusConflict, "Roles of this client may not be assigned to service accounts"
	case errors.Is(err, keycloak.ErrConflict), store.IsUniqueViolation(err):
		return http.StatusConflict, "An entry with the same identifier already exists"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Keycloak did not answer in time"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, fmt.Sprintf("Keycloak request failed with status %d", apiErr.Status)
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// logAndAudit records page-level actions that do not go through the clients
// service, such as grants and exclusions.
func (h *Handler) logAndAudit(c echo.Context, operation string, realm string, target string, success bool, opErr error, message string, details map[string]any) {
	reqID := admin.RequestIDFromContext(c)
	realIP := strings.TrimSpace(c.RealIP())
	actor := admin.ActorName(c)

	if success {
		log.Printf("admin ui action=%s actor=%s realm=%s target=%s ip=%s request_id=%s success=true", operation, actor, realm, target, realIP, reqID)
	} else {
		log.Printf("admin ui action=%s actor=%s realm=%s target=%s ip=%s request_id=%s success=false error=%v", operation, actor, realm, target, realIP, reqID, opErr)
	}

	payload := keycloak.SanitizeAuditDetails(details)
	if opErr != nil {
		payload["error"] = keycloak.AuditErrorCode(opErr)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	entry := store.ApiLogEntry{
		Operation:   operation,
		Actor:       actor,
		Realm:       realm,
		TargetID:    target,
		Success:     success,
		RequestID:   reqID,
		RemoteIP:    realIP,
		Message:     message,
		DetailsJSON: raw,
	}
	if err := h.apiLog.CreateApiLogEntry(context.WithoutCancel(c.Request().Context()), entry); err != nil {
		log.Printf("admin ui audit insert failed action=%s target=%s request_id=%s error=%v", operation, target, reqID, err)
	}
}

func (h *Handler) setFlash(c echo.Context, kind string, message string) {
	kind = strings.TrimSpace(kind)
	message = strings.TrimSpace(message)
	if kind == "" || message == "" {
		return
	}

	payload, err := json.Marshal(flashMessage{Kind: kind, Message: message})
	if err != nil {
		return
	}
	h.setAdminCookie(c, flashCookieName, base64.RawURLEncoding.EncodeToString(payload), 30)
}

func (h *Handler) popFlash(c echo.Context) *flashMessage {
	cookie, err := c.Cookie(flashCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return nil
	}

	h.setAdminCookie(c, flashCookieName, "", -1)

	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(cookie.Value))
	if err != nil {
		return nil
	}
	var flash flashMessage
	if err := json.Unmarshal(decoded, &flash); err != nil {
		return nil
	}
	flash.Kind = strings.TrimSpace(flash.Kind)
	flash.Message = strings.TrimSpace(flash.Message)
	if flash.Kind == "" || flash.Message == "" {
		return nil
	}
	return &flash
}

func (h *Handler) flashError(c echo.Context, err error) {
	_, message := mapServiceError(err)
	h.setFlash(c, "error", message)
}

func parsePage(raw string) int {
	page, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || page <= 0 {
		return 1
	}
	return page
}

func parseCheckboxValue(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

func parseLines(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if field = strings.TrimSpace(field); field != "" {
			out = append(out, field)
		}
	}
	return out
}

func clientPath(realm string, clientID string) string {
	return "/admin/clients/" + url.PathEscape(realm) + "/" + url.PathEscape(clientID)
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}

func joinLines(items []string) string {
	return strings.Join(items, "\n")
}

func joinComma(items []string) string {
	return strings.Join(items, ", ")
}

func defaultDisplay(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return value
}
