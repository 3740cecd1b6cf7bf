package adminui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/houbamydar/clientdesk/internal/admin"
	"github.com/houbamydar/clientdesk/internal/notify"
	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/labstack/echo/v4"
)

type accessPageData struct {
	layoutData
	Realms         []string
	Grants         []store.AccessGrant
	FilterUsername string
	FilterRealm    string
	FilterClientID string
	Page           int
	PrevURL        string
	NextURL        string
}

type exclusionsPageData struct {
	layoutData
	Realms      []string
	Exclusions  []store.ServiceRoleExclusion
	FilterRealm string
}

type auditLogItem struct {
	CreatedAt  time.Time
	Operation  string
	Success    bool
	Actor      string
	Realm      string
	TargetID   string
	Message    string
	RequestID  string
	RemoteIP   string
	Details    string
	HasDetails bool
}

type auditLogPageData struct {
	layoutData
	Entries         []auditLogItem
	FilterOperation string
	FilterSuccess   string
	FilterActor     string
	FilterRealm     string
	FilterTargetID  string
	Page            int
	PrevURL         string
	NextURL         string
}

func (h *Handler) AccessList(c echo.Context) error {
	staff := h.currentStaff(c)
	page := parsePage(c.QueryParam("page"))
	username := strings.TrimSpace(c.QueryParam("username"))
	realm := strings.TrimSpace(c.QueryParam("realm"))
	clientID := strings.TrimSpace(c.QueryParam("client_id"))

	grants, err := h.access.ListAccessGrants(c.Request().Context(), store.AccessGrantListOptions{
		Username: username,
		Realm:    realm,
		ClientID: clientID,
		Limit:    accessGrantPageSize + 1,
		Offset:   (page - 1) * accessGrantPageSize,
	})
	if err != nil {
		return h.renderError(c, staff, err)
	}
	hasNext := len(grants) > accessGrantPageSize
	if hasNext {
		grants = grants[:accessGrantPageSize]
	}

	filters := url.Values{}
	for key, value := range map[string]string{"username": username, "realm": realm, "client_id": clientID} {
		if value != "" {
			filters.Set(key, value)
		}
	}
	prevURL := ""
	if page > 1 {
		prevURL = pagedURL("/admin/access", filters, page-1)
	}
	nextURL := ""
	if hasNext {
		nextURL = pagedURL("/admin/access", filters, page+1)
	}

	return h.render(c, http.StatusOK, "access.html", accessPageData{
		layoutData:     h.newLayoutData(c, staff, "Access grants"),
		Realms:         h.clients.Realms(),
		Grants:         grants,
		FilterUsername: username,
		FilterRealm:    realm,
		FilterClientID: clientID,
		Page:           page,
		PrevURL:        prevURL,
		NextURL:        nextURL,
	})
}

func (h *Handler) AccessGrant(c echo.Context) error {
	username := strings.ToLower(strings.TrimSpace(c.FormValue("username")))
	realm := strings.TrimSpace(c.FormValue("realm"))
	clientID := strings.TrimSpace(c.FormValue("client_id"))
	back := accessRedirect(c)
	if username == "" || realm == "" || clientID == "" {
		h.setFlash(c, "error", "Username, realm and client are required")
		return c.Redirect(http.StatusFound, back)
	}

	ctx := admin.AuditContext(c)
	summary, err := h.clients.FindByClientID(ctx, realm, clientID)
	if err != nil {
		h.logAndAudit(c, "access.grant", realm, clientID, false, err, username, map[string]any{"username": username})
		h.flashError(c, err)
		return c.Redirect(http.StatusFound, back)
	}

	actor := admin.ActorName(c)
	_, err = h.access.UpsertAccessGrant(ctx, store.AccessGrant{
		Username:   username,
		Realm:      realm,
		ClientID:   summary.ClientID,
		ClientName: summary.DisplayName(),
		GrantedBy:  actor,
	})
	h.logAndAudit(c, "access.grant", realm, summary.ClientID, err == nil, err, username, map[string]any{"username": username})
	if err != nil {
		h.flashError(c, err)
		return c.Redirect(http.StatusFound, back)
	}

	h.notifier.AccessChanged(ctx, notify.AccessChange{Granted: true, Username: username, Realm: realm, ClientID: summary.ClientID, Actor: actor})
	h.setFlash(c, "success", fmt.Sprintf("%s may now manage %s", username, summary.ClientID))
	return c.Redirect(http.StatusFound, back)
}

func (h *Handler) AccessRevoke(c echo.Context) error {
	username := strings.ToLower(strings.TrimSpace(c.FormValue("username")))
	realm := strings.TrimSpace(c.FormValue("realm"))
	clientID := strings.TrimSpace(c.FormValue("client_id"))
	back := accessRedirect(c)

	ctx := admin.AuditContext(c)
	err := h.access.DeleteAccessGrant(ctx, username, realm, clientID)
	h.logAndAudit(c, "access.revoke", realm, clientID, err == nil, err, username, map[string]any{"username": username})
	if err != nil {
		h.flashError(c, err)
		return c.Redirect(http.StatusFound, back)
	}

	h.notifier.AccessChanged(ctx, notify.AccessChange{Granted: false, Username: username, Realm: realm, ClientID: clientID, Actor: admin.ActorName(c)})
	h.setFlash(c, "success", fmt.Sprintf("Access of %s to %s revoked", username, clientID))
	return c.Redirect(http.StatusFound, back)
}

// AccessEndSessions signs a staff member out everywhere. Their grants stay.
func (h *Handler) AccessEndSessions(c echo.Context) error {
	username := strings.ToLower(strings.TrimSpace(c.FormValue("username")))
	back := accessRedirect(c)
	if username == "" {
		h.setFlash(c, "error", "Username is required")
		return c.Redirect(http.StatusFound, back)
	}

	removed, err := h.auth.InvalidateSessionsForUser(c.Request().Context(), username)
	h.logAndAudit(c, "staff.sessions_end", "", username, err == nil, err, username, map[string]any{"removed": removed})
	if err != nil {
		h.flashError(c, err)
		return c.Redirect(http.StatusFound, back)
	}
	h.setFlash(c, "success", fmt.Sprintf("Ended %d session(s) of %s", removed, username))
	return c.Redirect(http.StatusFound, back)
}

// accessRedirect returns to the client page when the form was posted from
// there, otherwise to the access list.
func accessRedirect(c echo.Context) string {
	if next := strings.TrimSpace(c.FormValue("next")); strings.HasPrefix(next, "/admin/") && !strings.HasPrefix(next, "//") {
		return next
	}
	return "/admin/access"
}

func (h *Handler) ExclusionsList(c echo.Context) error {
	staff := h.currentStaff(c)
	realm := strings.TrimSpace(c.QueryParam("realm"))
	items, err := h.exclusions.ListServiceRoleExclusions(c.Request().Context(), realm)
	if err != nil {
		return h.renderError(c, staff, err)
	}
	return h.render(c, http.StatusOK, "exclusions.html", exclusionsPageData{
		layoutData:  h.newLayoutData(c, staff, "Service role exclusions"),
		Realms:      h.clients.Realms(),
		Exclusions:  items,
		FilterRealm: realm,
	})
}

func (h *Handler) ExclusionCreate(c echo.Context) error {
	realm := strings.TrimSpace(c.FormValue("realm"))
	clientID := strings.TrimSpace(c.FormValue("client_id"))
	reason := strings.TrimSpace(c.FormValue("reason"))
	if realm == "" || clientID == "" {
		h.setFlash(c, "error", "Realm and client are required")
		return c.Redirect(http.StatusFound, "/admin/exclusions")
	}

	err := h.exclusions.UpsertServiceRoleExclusion(c.Request().Context(), store.ServiceRoleExclusion{
		Realm:     realm,
		ClientID:  clientID,
		Reason:    reason,
		CreatedBy: admin.ActorName(c),
	})
	h.logAndAudit(c, "exclusion.create", realm, clientID, err == nil, err, reason, nil)
	if err != nil {
		h.flashError(c, err)
	} else {
		h.setFlash(c, "success", fmt.Sprintf("Roles of %s can no longer be assigned to service accounts", clientID))
	}
	return c.Redirect(http.StatusFound, "/admin/exclusions")
}

func (h *Handler) ExclusionDelete(c echo.Context) error {
	realm := strings.TrimSpace(c.FormValue("realm"))
	clientID := strings.TrimSpace(c.FormValue("client_id"))

	err := h.exclusions.DeleteServiceRoleExclusion(c.Request().Context(), realm, clientID)
	h.logAndAudit(c, "exclusion.delete", realm, clientID, err == nil, err, "", nil)
	if err != nil {
		h.flashError(c, err)
	} else {
		h.setFlash(c, "success", fmt.Sprintf("Exclusion for %s removed", clientID))
	}
	return c.Redirect(http.StatusFound, "/admin/exclusions")
}

func (h *Handler) AuditLog(c echo.Context) error {
	staff := h.currentStaff(c)
	page := parsePage(c.QueryParam("page"))
	operation := strings.TrimSpace(c.QueryParam("operation"))
	successRaw, successFilter := parseAuditSuccessFilter(c.QueryParam("success"))
	actor := strings.TrimSpace(c.QueryParam("actor"))
	realm := strings.TrimSpace(c.QueryParam("realm"))
	targetID := strings.TrimSpace(c.QueryParam("target_id"))

	entries, err := h.apiLog.ListApiLogEntries(c.Request().Context(), store.ApiLogListOptions{
		Limit:     auditLogPageSize + 1,
		Offset:    (page - 1) * auditLogPageSize,
		Operation: operation,
		Actor:     actor,
		Realm:     realm,
		TargetID:  targetID,
		Success:   successFilter,
	})
	if err != nil {
		return h.renderError(c, staff, err)
	}

	hasNext := len(entries) > auditLogPageSize
	if hasNext {
		entries = entries[:auditLogPageSize]
	}

	items := make([]auditLogItem, 0, len(entries))
	for _, entry := range entries {
		details, hasDetails := formatAuditDetailsForDisplay(entry.DetailsJSON)
		items = append(items, auditLogItem{
			CreatedAt:  entry.CreatedAt,
			Operation:  strings.TrimSpace(entry.Operation),
			Success:    entry.Success,
			Actor:      defaultDisplay(entry.Actor),
			Realm:      defaultDisplay(entry.Realm),
			TargetID:   defaultDisplay(entry.TargetID),
			Message:    strings.TrimSpace(entry.Message),
			RequestID:  defaultDisplay(entry.RequestID),
			RemoteIP:   defaultDisplay(entry.RemoteIP),
			Details:    details,
			HasDetails: hasDetails,
		})
	}

	filters := url.Values{}
	for key, value := range map[string]string{
		"operation": operation,
		"success":   successRaw,
		"actor":     actor,
		"realm":     realm,
		"target_id": targetID,
	} {
		if value != "" {
			filters.Set(key, value)
		}
	}
	prevURL := ""
	if page > 1 {
		prevURL = pagedURL("/admin/audit", filters, page-1)
	}
	nextURL := ""
	if hasNext {
		nextURL = pagedURL("/admin/audit", filters, page+1)
	}

	return h.render(c, http.StatusOK, "audit.html", auditLogPageData{
		layoutData:      h.newLayoutData(c, staff, "Audit log"),
		Entries:         items,
		FilterOperation: operation,
		FilterSuccess:   successRaw,
		FilterActor:     actor,
		FilterRealm:     realm,
		FilterTargetID:  targetID,
		Page:            page,
		PrevURL:         prevURL,
		NextURL:         nextURL,
	})
}

func parseAuditSuccessFilter(raw string) (string, *bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "true", "1", "yes":
		value := true
		return "success", &value
	case "failure", "false", "0", "no":
		value := false
		return "failure", &value
	default:
		return "", nil
	}
}

func pagedURL(base string, filters url.Values, page int) string {
	params := url.Values{}
	for key, values := range filters {
		params[key] = append([]string(nil), values...)
	}
	if page > 1 {
		params.Set("page", strconv.Itoa(page))
	}
	encoded := params.Encode()
	if encoded == "" {
		return base
	}
	return base + "?" + encoded
}

func formatAuditDetailsForDisplay(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", false
	}

	encoded, err := json.MarshalIndent(sanitizeAuditDetails(decoded), "", "  ")
	if err != nil {
		return "", false
	}

	trimmed := strings.TrimSpace(string(encoded))
	if trimmed == "" || trimmed == "{}" || trimmed == "[]" || trimmed == "null" {
		return "", false
	}
	return trimmed, true
}

func sanitizeAuditDetails(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := map[string]any{}
		for key, item := range typed {
			normalized := strings.ToLower(strings.TrimSpace(key))
			if normalized == "" || isSensitiveAuditField(normalized) {
				continue
			}
			out[key] = sanitizeAuditDetails(item)
		}
		return out
	case []any:
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			out = append(out, sanitizeAuditDetails(item))
		}
		return out
	default:
		return value
	}
}

func isSensitiveAuditField(key string) bool {
	return strings.Contains(key, "secret") ||
		strings.Contains(key, "authorization") ||
		strings.Contains(key, "password") ||
		strings.Contains(key, "token")
}
