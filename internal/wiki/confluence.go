package wiki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/houbamydar/clientdesk/internal/keycloak"
	"github.com/houbamydar/clientdesk/internal/store"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const publishOperation = "wiki.publish"

type Config struct {
	BaseURL      string
	SpaceKey     string
	ParentPageID string
	User         string
	Token        string
	Timeout      time.Duration
}

type auditWriter interface {
	CreateApiLogEntry(ctx context.Context, entry store.ApiLogEntry) error
}

// Publisher writes one Confluence page per client registration.
type Publisher struct {
	cfg      Config
	http     *resty.Client
	markdown goldmark.Markdown
	audit    auditWriter
}

type contentVersion struct {
	Number int `json:"number"`
}

type contentLinks struct {
	Base  string `json:"base,omitempty"`
	WebUI string `json:"webui,omitempty"`
}

type content struct {
	ID      string          `json:"id"`
	Title   string          `json:"title"`
	Version *contentVersion `json:"version,omitempty"`
	Links   contentLinks    `json:"_links"`
}

type contentSearchResult struct {
	Results []content    `json:"results"`
	Links   contentLinks `json:"_links"`
}

func New(cfg Config, audit auditWriter) (*Publisher, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.SpaceKey = strings.TrimSpace(cfg.SpaceKey)
	cfg.ParentPageID = strings.TrimSpace(cfg.ParentPageID)
	if cfg.BaseURL == "" || cfg.SpaceKey == "" {
		return nil, fmt.Errorf("confluence base url and space key are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if user := strings.TrimSpace(cfg.User); user != "" {
		client.SetBasicAuth(user, cfg.Token)
	} else if token := strings.TrimSpace(cfg.Token); token != "" {
		client.SetAuthToken(token)
	}

	return &Publisher{
		cfg:  cfg,
		http: client,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.Table),
			goldmark.WithRendererOptions(html.WithXHTML()),
		),
		audit: audit,
	}, nil
}

// PublishClientPage creates or updates the page for a client and returns its
// URL. Errors are audited; callers treat them as non-fatal.
func (p *Publisher) PublishClientPage(ctx context.Context, details keycloak.ClientDetails) (pageURL string, err error) {
	title := PageTitle(details)
	defer func() {
		p.logAndAudit(ctx, details, title, pageURL, err)
	}()

	body, err := p.renderPage(details)
	if err != nil {
		return "", err
	}

	existing, base, err := p.findPage(ctx, title)
	if err != nil {
		return "", err
	}

	var saved content
	if existing == nil {
		saved, err = p.createPage(ctx, title, body)
	} else {
		saved, err = p.updatePage(ctx, *existing, body)
	}
	if err != nil {
		return "", err
	}

	if saved.Links.Base != "" {
		base = saved.Links.Base
	}
	return p.pageURL(base, saved), nil
}

func PageTitle(details keycloak.ClientDetails) string {
	return fmt.Sprintf("OAuth client %s (%s)", details.ClientID, details.Realm)
}

func (p *Publisher) findPage(ctx context.Context, title string) (*content, string, error) {
	var result contentSearchResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"spaceKey": p.cfg.SpaceKey,
			"title":    title,
			"expand":   "version",
		}).
		SetResult(&result).
		Get("/rest/api/content")
	if err != nil {
		return nil, "", fmt.Errorf("confluence lookup: %w", err)
	}
	if resp.IsError() {
		return nil, "", confluenceError(resp)
	}
	if len(result.Results) == 0 {
		return nil, result.Links.Base, nil
	}
	return &result.Results[0], result.Links.Base, nil
}

func (p *Publisher) createPage(ctx context.Context, title string, body string) (content, error) {
	payload := map[string]any{
		"type":  "page",
		"title": title,
		"space": map[string]string{"key": p.cfg.SpaceKey},
		"body":  storageBody(body),
	}
	if p.cfg.ParentPageID != "" {
		payload["ancestors"] = []map[string]string{{"id": p.cfg.ParentPageID}}
	}

	var created content
	resp, err := p.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&created).
		Post("/rest/api/content")
	if err != nil {
		return content{}, fmt.Errorf("confluence create: %w", err)
	}
	if resp.IsError() {
		return content{}, confluenceError(resp)
	}
	return created, nil
}

func (p *Publisher) updatePage(ctx context.Context, existing content, body string) (content, error) {
	next := 1
	if existing.Version != nil {
		next = existing.Version.Number + 1
	}
	payload := map[string]any{
		"id":      existing.ID,
		"type":    "page",
		"title":   existing.Title,
		"space":   map[string]string{"key": p.cfg.SpaceKey},
		"version": contentVersion{Number: next},
		"body":    storageBody(body),
	}

	var updated content
	resp, err := p.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&updated).
		Put("/rest/api/content/" + existing.ID)
	if err != nil {
		return content{}, fmt.Errorf("confluence update: %w", err)
	}
	if resp.IsError() {
		return content{}, confluenceError(resp)
	}
	if updated.ID == "" {
		updated = existing
	}
	return updated, nil
}

func (p *Publisher) pageURL(base string, page content) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = p.cfg.BaseURL
	}
	if webUI := strings.TrimSpace(page.Links.WebUI); webUI != "" {
		return base + webUI
	}
	return base + "/pages/viewpage.action?pageId=" + page.ID
}

func (p *Publisher) renderPage(details keycloak.ClientDetails) (string, error) {
	var source bytes.Buffer
	if err := pageTemplate.Execute(&source, details); err != nil {
		return "", fmt.Errorf("render page markdown: %w", err)
	}
	var out bytes.Buffer
	if err := p.markdown.Convert(source.Bytes(), &out); err != nil {
		return "", fmt.Errorf("convert page markdown: %w", err)
	}
	return out.String(), nil
}

func (p *Publisher) logAndAudit(ctx context.Context, details keycloak.ClientDetails, title string, pageURL string, opErr error) {
	actor := keycloak.ActorFromContext(ctx)
	success := opErr == nil
	if success {
		log.Printf("wiki action=%s realm=%s client_id=%s actor=%s url=%s success=true", publishOperation, details.Realm, details.ClientID, actor.Name, pageURL)
	} else {
		log.Printf("wiki action=%s realm=%s client_id=%s actor=%s success=false error=%v", publishOperation, details.Realm, details.ClientID, actor.Name, opErr)
	}
	if p.audit == nil {
		return
	}

	payload := map[string]any{"title": title}
	if pageURL != "" {
		payload["url"] = pageURL
	}
	if opErr != nil {
		payload["error"] = opErr.Error()
	}
	raw, _ := json.Marshal(payload)
	entry := store.ApiLogEntry{
		Operation:   publishOperation,
		Actor:       actor.Name,
		Realm:       details.Realm,
		TargetID:    details.ClientID,
		Success:     success,
		RequestID:   actor.RequestID,
		RemoteIP:    actor.RemoteIP,
		Message:     pageURL,
		DetailsJSON: raw,
	}
	if err := p.audit.CreateApiLogEntry(context.WithoutCancel(ctx), entry); err != nil {
		log.Printf("api log insert failed action=%s client_id=%s error=%v", publishOperation, details.ClientID, err)
	}
}

func storageBody(xhtml string) map[string]any {
	return map[string]any{
		"storage": map[string]string{
			"value":          xhtml,
			"representation": "storage",
		},
	}
}

func confluenceError(resp *resty.Response) error {
	body := strings.TrimSpace(resp.String())
	if len(body) > 512 {
		body = body[:512]
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return fmt.Errorf("confluence %s %s: %w", resp.Request.Method, resp.Request.URL, errUnauthorized)
	}
	return fmt.Errorf("confluence %s %s: status %d: %s", resp.Request.Method, resp.Request.URL, resp.StatusCode(), body)
}

var errUnauthorized = errors.New("confluence rejected credentials")

var pageTemplate = template.Must(template.New("client").Funcs(template.FuncMap{
	"yesno": func(v bool) string {
		if v {
			return "yes"
		}
		return "no"
	},
	"dash": func(v string) string {
		if strings.TrimSpace(v) == "" {
			return "-"
		}
		return v
	},
	"join": strings.Join,
}).Parse(`# {{.DisplayName}}

{{if .Description}}{{.Description}}

{{end}}| Property | Value |
|---|---|
| Realm | {{.Realm}} |
| Client ID | ` + "`{{.ClientID}}`" + ` |
| Enabled | {{yesno .Enabled}} |
| Public client | {{yesno .PublicClient}} |
| Flows | {{dash (join .Flows ", ")}} |
| Root URL | {{dash .RootURL}} |
| Base URL | {{dash .BaseURL}} |

## Redirect URIs
{{range .RedirectURIs}}
- {{.}}{{else}}
None.{{end}}

## Web origins
{{range .WebOrigins}}
- {{.}}{{else}}
None.{{end}}

## Default client scopes
{{range .DefaultScopes}}
- {{.}}{{else}}
None.{{end}}

## Roles
{{range .LocalRoles}}
- **{{.Name}}**{{if .Description}}: {{.Description}}{{end}}{{else}}
None.{{end}}
`))
