package adminui

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/houbamydar/clientdesk/internal/admin"
	"github.com/houbamydar/clientdesk/internal/adminauth"
	"github.com/houbamydar/clientdesk/internal/config"
	"github.com/houbamydar/clientdesk/internal/keycloak"
	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/labstack/echo/v4"
)

type clientsListItem struct {
	Realm    string
	ClientID string
	Name     string
	Enabled  bool
	Public   bool
	Flows    []string
	Known    bool
}

type clientsListPageData struct {
	layoutData
	Realms  []string
	Realm   string
	Query   string
	Page    int
	PrevURL string
	NextURL string
	Clients []clientsListItem
	Admin   bool
}

type clientFormData struct {
	Realm              string
	Preset             string
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
	RedirectURIsRaw    string
	WebOriginsRaw      string
	DefaultScopesRaw   string
	ScopesPosted       bool
}

type clientFormPageData struct {
	layoutData
	Editing bool
	Realms  []string
	Presets []config.ClientPreset
	Form    clientFormData
	Error   string
}

type clientDetailPageData struct {
	layoutData
	Client          *keycloak.ClientDetails
	Grants          []store.AccessGrant
	AssignableRoles []keycloak.ServiceRole
	Excluded        bool
	Admin           bool
	RolesError      string
}

type clientSecretPageData struct {
	layoutData
	Realm    string
	ClientID string
	Secret   string
}

func (h *Handler) ClientsList(c echo.Context) error {
	staff := h.currentStaff(c)
	realm := strings.TrimSpace(c.QueryParam("realm"))
	if realm == "" {
		realm = keycloak.AllRealms
	}
	query := strings.TrimSpace(c.QueryParam("q"))
	page := parsePage(c.QueryParam("page"))
	first := (page - 1) * clientsPageSize

	var (
		items   []clientsListItem
		hasNext bool
	)
	if staff != nil && staff.Admin {
		found, err := h.clients.Search(c.Request().Context(), realm, query, first, clientsPageSize+1)
		if err != nil {
			return h.renderError(c, staff, err)
		}
		hasNext = len(found) > clientsPageSize
		if hasNext {
			found = found[:clientsPageSize]
		}
		items = make([]clientsListItem, 0, len(found))
		for _, client := range found {
			items = append(items, clientsListItem{
				Realm:    client.Realm,
				ClientID: client.ClientID,
				Name:     client.DisplayName(),
				Enabled:  client.Enabled,
				Public:   client.PublicClient,
				Flows:    client.Flows(),
				Known:    true,
			})
		}
	} else {
		granted, err := h.grantedClients(c.Request().Context(), staff, realm, query)
		if err != nil {
			return h.renderError(c, staff, err)
		}
		if first > len(granted) {
			first = len(granted)
		}
		end := first + clientsPageSize
		hasNext = end < len(granted)
		if end > len(granted) {
			end = len(granted)
		}
		items = granted[first:end]
	}

	prevURL := ""
	if page > 1 {
		prevURL = clientsListURL(realm, query, page-1)
	}
	nextURL := ""
	if hasNext {
		nextURL = clientsListURL(realm, query, page+1)
	}

	return h.render(c, http.StatusOK, "clients_list.html", clientsListPageData{
		layoutData: h.newLayoutData(c, staff, "Clients"),
		Realms:     h.clients.Realms(),
		Realm:      realm,
		Query:      query,
		Page:       page,
		PrevURL:    prevURL,
		NextURL:    nextURL,
		Clients:    items,
		Admin:      staff != nil && staff.Admin,
	})
}

// grantedClients lists the clients a non-admin may manage, filtered locally
// without calling Keycloak.
func (h *Handler) grantedClients(ctx context.Context, staff *adminauth.Identity, realm string, query string) ([]clientsListItem, error) {
	if staff == nil {
		return nil, nil
	}
	grants, err := h.access.ListGrantedClients(ctx, staff.Username)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	out := make([]clientsListItem, 0, len(grants))
	for _, grant := range grants {
		if realm != keycloak.AllRealms && grant.Realm != realm {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(grant.ClientID), needle) && !strings.Contains(strings.ToLower(grant.ClientName), needle) {
			continue
		}
		name := grant.ClientName
		if name == "" {
			name = grant.ClientID
		}
		out = append(out, clientsListItem{Realm: grant.Realm, ClientID: grant.ClientID, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Realm != out[j].Realm {
			return out[i].Realm < out[j].Realm
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out, nil
}

func clientsListURL(realm string, query string, page int) string {
	params := url.Values{}
	if realm != "" && realm != keycloak.AllRealms {
		params.Set("realm", realm)
	}
	if query != "" {
		params.Set("q", query)
	}
	if page > 1 {
		params.Set("page", strconv.Itoa(page))
	}
	encoded := params.Encode()
	if encoded == "" {
		return "/admin/clients"
	}
	return "/admin/clients?" + encoded
}

func (h *Handler) ClientNew(c echo.Context) error {
	staff := h.currentStaff(c)
	form := clientFormData{Enabled: true, StandardFlow: true}
	if realms := h.clients.Realms(); len(realms) > 0 {
		form.Realm = realms[0]
	}
	if realm := strings.TrimSpace(c.QueryParam("realm")); realm != "" {
		form.Realm = realm
	}

	presetName := strings.TrimSpace(c.QueryParam("preset"))
	if presetName == "" && len(h.presets) > 0 {
		presetName = h.presets[0].Name
	}
	if preset, ok := config.FindClientPreset(h.presets, presetName); ok {
		form = applyPreset(form, preset)
	}

	return h.render(c, http.StatusOK, "client_form.html", clientFormPageData{
		layoutData: h.newLayoutData(c, staff, "New client"),
		Realms:     h.clients.Realms(),
		Presets:    h.presets,
		Form:       form,
	})
}

func (h *Handler) ClientCreate(c echo.Context) error {
	staff := h.currentStaff(c)
	form := readClientForm(c)
	ctx := admin.AuditContext(c)

	renderForm := func(status int, err error) error {
		_, message := mapServiceError(err)
		return h.render(c, status, "client_form.html", clientFormPageData{
			layoutData: h.newLayoutData(c, staff, "New client"),
			Realms:     h.clients.Realms(),
			Presets:    h.presets,
			Form:       form,
			Error:      message,
		})
	}

	created, err := h.clients.Create(ctx, form.Realm, form.input())
	if err != nil {
		status, _ := mapServiceError(err)
		return renderForm(status, err)
	}

	if staff != nil {
		grant := store.AccessGrant{
			Username:   staff.Username,
			Realm:      created.Realm,
			ClientID:   created.ClientID,
			ClientName: created.Name,
			GrantedBy:  staff.Username,
		}
		_, grantErr := h.access.UpsertAccessGrant(ctx, grant)
		h.logAndAudit(c, "access.grant", created.Realm, created.ClientID, grantErr == nil, grantErr, staff.Username, map[string]any{
			"username": staff.Username,
			"reason":   "creator",
		})
	}

	message := fmt.Sprintf("Client %s created", created.ClientID)
	if h.wiki != nil {
		pageURL, wikiErr := h.wiki.PublishClientPage(ctx, *created)
		if wikiErr != nil {
			message += "; wiki page could not be published"
		} else {
			message += "; documentation: " + pageURL
		}
	}
	actor := admin.ActorName(c)
	h.notifier.ClientCreated(ctx, *created, actor)

	h.setFlash(c, "success", message)
	return c.Redirect(http.StatusFound, clientPath(created.Realm, created.ClientID))
}

func (h *Handler) ClientDetail(c echo.Context) error {
	staff := h.currentStaff(c)
	realm, clientID := clientParams(c)
	if handled, err := h.requireClientAccess(c, staff, realm, clientID); handled {
		return err
	}

	ctx := c.Request().Context()
	details, err := h.clients.Get(ctx, realm, clientID)
	if err != nil {
		return h.renderError(c, staff, err)
	}

	grants, err := h.access.ListAccessGrants(ctx, store.AccessGrantListOptions{Realm: realm, ClientID: clientID, Limit: accessGrantPageSize})
	if err != nil {
		return h.renderError(c, staff, err)
	}
	excluded, err := h.exclusions.IsServiceRoleExcluded(ctx, realm, clientID)
	if err != nil {
		return h.renderError(c, staff, err)
	}

	data := clientDetailPageData{
		layoutData: h.newLayoutData(c, staff, "Client "+details.ClientID),
		Client:     details,
		Grants:     grants,
		Excluded:   excluded,
		Admin:      staff != nil && staff.Admin,
	}
	if details.ServiceAccounts {
		assignable, err := h.clients.AssignableServiceRoles(ctx, realm, clientID)
		if err != nil {
			log.Printf("adminui assignable roles failed realm=%s client_id=%s error=%v", realm, clientID, err)
			data.RolesError = "Assignable roles could not be loaded"
		} else {
			data.AssignableRoles = assignable
		}
	}
	return h.render(c, http.StatusOK, "client_detail.html", data)
}

func (h *Handler) ClientEdit(c echo.Context) error {
	staff := h.currentStaff(c)
	realm, clientID := clientParams(c)
	if handled, err := h.requireClientAccess(c, staff, realm, clientID); handled {
		return err
	}

	details, err := h.clients.Get(c.Request().Context(), realm, clientID)
	if err != nil {
		return h.renderError(c, staff, err)
	}
	return h.render(c, http.StatusOK, "client_form.html", clientFormPageData{
		layoutData: h.newLayoutData(c, staff, "Edit "+details.ClientID),
		Editing:    true,
		Realms:     []string{realm},
		Form:       formFromInput(realm, keycloak.InputFromDetails(*details)),
	})
}

func (h *Handler) ClientUpdate(c echo.Context) error {
	staff := h.currentStaff(c)
	realm, clientID := clientParams(c)
	if handled, err := h.requireClientAccess(c, staff, realm, clientID); handled {
		return err
	}

	form := readClientForm(c)
	form.Realm = realm
	form.ClientID = clientID
	if _, err := h.clients.Update(admin.AuditContext(c), realm, clientID, form.input()); err != nil {
		status, message := mapServiceError(err)
		return h.render(c, status, "client_form.html", clientFormPageData{
			layoutData: h.newLayoutData(c, staff, "Edit "+clientID),
			Editing:    true,
			Realms:     []string{realm},
			Form:       form,
			Error:      message,
		})
	}

	h.setFlash(c, "success", "Client saved")
	return c.Redirect(http.StatusFound, clientPath(realm, clientID))
}

func (h *Handler) ClientDelete(c echo.Context) error {
	realm, clientID := clientParams(c)
	ctx := admin.AuditContext(c)

	if err := h.clients.Delete(ctx, realm, clientID); err != nil {
		h.flashError(c, err)
		return c.Redirect(http.StatusFound, clientPath(realm, clientID))
	}

	removed, err := h.access.DeleteAccessGrantsForClient(ctx, realm, clientID)
	h.logAndAudit(c, "access.revoke_all", realm, clientID, err == nil, err, "", map[string]any{"removed": removed})
	if err != nil {
		h.setFlash(c, "error", fmt.Sprintf("Client %s deleted, but its access grants could not be removed", clientID))
		return c.Redirect(http.StatusFound, "/admin/clients")
	}

	h.setFlash(c, "success", fmt.Sprintf("Client %s deleted", clientID))
	return c.Redirect(http.StatusFound, "/admin/clients")
}

func (h *Handler) ClientSecretRegenerate(c echo.Context) error {
	staff := h.currentStaff(c)
	realm, clientID := clientParams(c)
	if handled, err := h.requireClientAccess(c, staff, realm, clientID); handled {
		return err
	}

	secret, err := h.clients.RegenerateSecret(admin.AuditContext(c), realm, clientID)
	if err != nil {
		h.flashError(c, err)
		return c.Redirect(http.StatusFound, clientPath(realm, clientID))
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return h.render(c, http.StatusOK, "client_secret.html", clientSecretPageData{
		layoutData: h.newLayoutData(c, staff, "New secret for "+clientID),
		Realm:      realm,
		ClientID:   clientID,
		Secret:     secret,
	})
}

func (h *Handler) RoleCreate(c echo.Context) error {
	staff := h.currentStaff(c)
	realm, clientID := clientParams(c)
	if handled, err := h.requireClientAccess(c, staff, realm, clientID); handled {
		return err
	}

	name := strings.TrimSpace(c.FormValue("name"))
	description := strings.TrimSpace(c.FormValue("description"))
	if name == "" {
		h.setFlash(c, "error", "Role name is required")
		return c.Redirect(http.StatusFound, clientPath(realm, clientID))
	}
	if err := h.clients.CreateRole(admin.AuditContext(c), realm, clientID, name, description); err != nil {
		h.flashError(c, err)
	} else {
		h.setFlash(c, "success", fmt.Sprintf("Role %s created", name))
	}
	return c.Redirect(http.StatusFound, clientPath(realm, clientID))
}

func (h *Handler) RoleDelete(c echo.Context) error {
	staff := h.currentStaff(c)
	realm, clientID := clientParams(c)
	if handled, err := h.requireClientAccess(c, staff, realm, clientID); handled {
		return err
	}

	role := admin.PathParam(c, "role")
	if err := h.clients.DeleteRole(admin.AuditContext(c), realm, clientID, role); err != nil {
		h.flashError(c, err)
	} else {
		h.setFlash(c, "success", fmt.Sprintf("Role %s deleted", role))
	}
	return c.Redirect(http.StatusFound, clientPath(realm, clientID))
}

func (h *Handler) ServiceRoleAssign(c echo.Context) error {
	staff := h.currentStaff(c)
	realm, clientID := clientParams(c)
	if handled, err := h.requireClientAccess(c, staff, realm, clientID); handled {
		return err
	}

	roleClientID, roleName, err := readServiceRoleForm(c)
	if err != nil {
		h.setFlash(c, "error", err.Error())
		return c.Redirect(http.StatusFound, clientPath(realm, clientID))
	}
	if err := h.clients.AssignServiceRole(admin.AuditContext(c), realm, clientID, roleClientID, roleName); err != nil {
		h.flashError(c, err)
	} else {
		h.setFlash(c, "success", fmt.Sprintf("Role %s/%s assigned to the service account", roleClientID, roleName))
	}
	return c.Redirect(http.StatusFound, clientPath(realm, clientID))
}

func (h *Handler) ServiceRoleRemove(c echo.Context) error {
	staff := h.currentStaff(c)
	realm, clientID := clientParams(c)
	if handled, err := h.requireClientAccess(c, staff, realm, clientID); handled {
		return err
	}

	roleClientID, roleName, err := readServiceRoleForm(c)
	if err != nil {
		h.setFlash(c, "error", err.Error())
		return c.Redirect(http.StatusFound, clientPath(realm, clientID))
	}
	if err := h.clients.RemoveServiceRole(admin.AuditContext(c), realm, clientID, roleClientID, roleName); err != nil {
		h.flashError(c, err)
	} else {
		h.setFlash(c, "success", fmt.Sprintf("Role %s/%s removed from the service account", roleClientID, roleName))
	}
	return c.Redirect(http.StatusFound, clientPath(realm, clientID))
}

func clientParams(c echo.Context) (realm string, clientID string) {
	return admin.PathParam(c, "realm"), admin.PathParam(c, "clientId")
}

// serviceRoleValue encodes a role for a single select option; both parts are
// query-escaped so the separator is unambiguous.
func serviceRoleValue(role keycloak.ServiceRole) string {
	return url.QueryEscape(role.ClientID) + "/" + url.QueryEscape(role.Role.Name)
}

func readServiceRoleForm(c echo.Context) (string, string, error) {
	roleClientID := strings.TrimSpace(c.FormValue("role_client_id"))
	roleName := strings.TrimSpace(c.FormValue("role_name"))
	if encoded := strings.TrimSpace(c.FormValue("role")); encoded != "" {
		left, right, ok := strings.Cut(encoded, "/")
		if !ok {
			return "", "", errors.New("invalid role selection")
		}
		var err error
		if roleClientID, err = url.QueryUnescape(left); err != nil {
			return "", "", errors.New("invalid role selection")
		}
		if roleName, err = url.QueryUnescape(right); err != nil {
			return "", "", errors.New("invalid role selection")
		}
	}
	if roleClientID == "" || roleName == "" {
		return "", "", errors.New("choose a role")
	}
	return roleClientID, roleName, nil
}

func readClientForm(c echo.Context) clientFormData {
	form := clientFormData{
		Realm:              strings.TrimSpace(c.FormValue("realm")),
		Preset:             strings.TrimSpace(c.FormValue("preset")),
		ClientID:           strings.TrimSpace(c.FormValue("client_id")),
		Name:               strings.TrimSpace(c.FormValue("name")),
		Description:        strings.TrimSpace(c.FormValue("description")),
		Enabled:            parseCheckboxValue(c.FormValue("enabled")),
		PublicClient:       parseCheckboxValue(c.FormValue("public_client")),
		StandardFlow:       parseCheckboxValue(c.FormValue("standard_flow")),
		ImplicitFlow:       parseCheckboxValue(c.FormValue("implicit_flow")),
		DirectAccessGrants: parseCheckboxValue(c.FormValue("direct_access_grants")),
		ServiceAccounts:    parseCheckboxValue(c.FormValue("service_accounts")),
		RootURL:            strings.TrimSpace(c.FormValue("root_url")),
		BaseURL:            strings.TrimSpace(c.FormValue("base_url")),
		RedirectURIsRaw:    c.FormValue("redirect_uris"),
		WebOriginsRaw:      c.FormValue("web_origins"),
		DefaultScopesRaw:   c.FormValue("default_scopes"),
	}
	if params, err := c.FormParams(); err == nil {
		_, form.ScopesPosted = params["default_scopes"]
	}
	return form
}

func (f clientFormData) input() keycloak.ClientInput {
	return keycloak.ClientInput{
		ClientID:           f.ClientID,
		Name:               f.Name,
		Description:        f.Description,
		Enabled:            f.Enabled,
		PublicClient:       f.PublicClient,
		StandardFlow:       f.StandardFlow,
		ImplicitFlow:       f.ImplicitFlow,
		DirectAccessGrants: f.DirectAccessGrants,
		ServiceAccounts:    f.ServiceAccounts,
		RootURL:            f.RootURL,
		BaseURL:            f.BaseURL,
		RedirectURIs:       parseLines(f.RedirectURIsRaw),
		WebOrigins:         parseLines(f.WebOriginsRaw),
		DefaultScopes:      parseLines(f.DefaultScopesRaw),
		ScopesSet:          f.ScopesPosted,
	}
}

func formFromInput(realm string, in keycloak.ClientInput) clientFormData {
	return clientFormData{
		Realm:              realm,
		ClientID:           in.ClientID,
		Name:               in.Name,
		Description:        in.Description,
		Enabled:            in.Enabled,
		PublicClient:       in.PublicClient,
		StandardFlow:       in.StandardFlow,
		ImplicitFlow:       in.ImplicitFlow,
		DirectAccessGrants: in.DirectAccessGrants,
		ServiceAccounts:    in.ServiceAccounts,
		RootURL:            in.RootURL,
		BaseURL:            in.BaseURL,
		RedirectURIsRaw:    joinLines(in.RedirectURIs),
		WebOriginsRaw:      joinLines(in.WebOrigins),
		DefaultScopesRaw:   joinLines(in.DefaultScopes),
	}
}

func applyPreset(form clientFormData, preset config.ClientPreset) clientFormData {
	form.Preset = preset.Name
	form.PublicClient = preset.PublicClient
	form.StandardFlow = preset.StandardFlow
	form.ImplicitFlow = preset.ImplicitFlow
	form.DirectAccessGrants = preset.DirectAccessGrants
	form.ServiceAccounts = preset.ServiceAccounts
	form.RedirectURIsRaw = joinLines(preset.RedirectURIs)
	form.WebOriginsRaw = joinLines(preset.WebOrigins)
	form.DefaultScopesRaw = joinLines(preset.DefaultScopes)
	return form
}
