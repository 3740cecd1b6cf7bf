package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"strings"
	"time"

	"github.com/houbamydar/clientdesk/internal/keycloak"
	"github.com/wneessen/go-mail"
)

// Notifier announces client registrations and access changes to the
// configured recipients. Delivery problems are logged, never returned.
type Notifier interface {
	ClientCreated(ctx context.Context, details keycloak.ClientDetails, actor string)
	AccessChanged(ctx context.Context, change AccessChange)
}

type AccessChange struct {
	Granted  bool
	Username string
	Realm    string
	ClientID string
	Actor    string
}

type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	TLS        bool
	Recipients []string
}

type Message struct {
	Subject string
	Lines   []string
}

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

type Mailer struct {
	from       string
	recipients []string
	client     sender
}

type Nop struct{}

func (Nop) ClientCreated(context.Context, keycloak.ClientDetails, string) {}
func (Nop) AccessChanged(context.Context, AccessChange)                   {}

// New returns Nop when no SMTP host or recipient is configured.
func New(cfg Config) (Notifier, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" || len(cfg.Recipients) == 0 {
		return Nop{}, nil
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(15 * time.Second),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create mail client: %w", err)
	}
	return newMailer(cfg.From, cfg.Recipients, client), nil
}

func newMailer(from string, recipients []string, client sender) *Mailer {
	return &Mailer{
		from:       strings.TrimSpace(from),
		recipients: append([]string(nil), recipients...),
		client:     client,
	}
}

func (m *Mailer) ClientCreated(ctx context.Context, details keycloak.ClientDetails, actor string) {
	lines := []string{
		fmt.Sprintf("%s created client %s in realm %s.", actor, details.ClientID, details.Realm),
		"Name: " + details.DisplayName(),
		"Flows: " + strings.Join(details.Flows(), ", "),
	}
	if len(details.RedirectURIs) > 0 {
		lines = append(lines, "Redirect URIs: "+strings.Join(details.RedirectURIs, ", "))
	}
	m.send(ctx, Message{
		Subject: fmt.Sprintf("[clientdesk] client %s/%s created", details.Realm, details.ClientID),
		Lines:   lines,
	})
}

func (m *Mailer) AccessChanged(ctx context.Context, change AccessChange) {
	verb := "revoked"
	if change.Granted {
		verb = "granted"
	}
	m.send(ctx, Message{
		Subject: fmt.Sprintf("[clientdesk] access %s: %s on %s/%s", verb, change.Username, change.Realm, change.ClientID),
		Lines: []string{
			fmt.Sprintf("%s %s access for %s to client %s in realm %s.", change.Actor, verb, change.Username, change.ClientID, change.Realm),
		},
	})
}

func (m *Mailer) send(ctx context.Context, message Message) {
	msg, err := m.buildMessage(message)
	if err == nil {
		err = m.client.DialAndSendWithContext(context.WithoutCancel(ctx), msg)
	}
	if err != nil {
		log.Printf("notify send failed subject=%q recipients=%d error=%v", message.Subject, len(m.recipients), err)
		return
	}
	log.Printf("notify sent subject=%q recipients=%d", message.Subject, len(m.recipients))
}

func (m *Mailer) buildMessage(message Message) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return nil, fmt.Errorf("set from address: %w", err)
	}
	if err := msg.To(m.recipients...); err != nil {
		return nil, fmt.Errorf("set recipients: %w", err)
	}
	msg.Subject(message.Subject)
	msg.SetBodyString(mail.TypeTextPlain, strings.Join(message.Lines, "\n")+"\n")

	var html bytes.Buffer
	if err := htmlBody.Execute(&html, message); err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}
	msg.AddAlternativeString(mail.TypeTextHTML, html.String())
	return msg, nil
}

var htmlBody = template.Must(template.New("notify").Parse(`<html><body>{{range .Lines}}<p>{{.}}</p>{{end}}</body></html>`))
