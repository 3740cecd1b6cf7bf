package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/houbamydar/clientdesk/internal/keycloak"
	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" env-default:":8080"`
	PostgresURL string `env:"POSTGRES_URL"`
	RedisAddr   string `env:"REDIS_ADDR" env-default:"localhost:6379"`

	Keycloak KeycloakConfig
	Staff    StaffConfig
	AdminAPI AdminAPIConfig
	Wiki     WikiConfig
	SMTP     SMTPConfig

	ClientPresetsFile        string `env:"CLIENT_PRESETS_FILE"`
	APILogRetentionDays      int    `env:"API_LOG_RETENTION_DAYS" env-default:"365"`
	RetentionDeleteBatchSize int    `env:"RETENTION_DELETE_BATCH_SIZE" env-default:"1000"`
}

type KeycloakConfig struct {
	BaseURL               string   `env:"KEYCLOAK_BASE_URL"`
	AuthRealm             string   `env:"KEYCLOAK_AUTH_REALM" env-default:"master"`
	ClientID              string   `env:"KEYCLOAK_ADMIN_CLIENT_ID"`
	ClientSecret          string   `env:"KEYCLOAK_ADMIN_CLIENT_SECRET"`
	Realms                []string `env:"KEYCLOAK_REALMS" env-default:"master" env-separator:","`
	PathMode              string   `env:"KEYCLOAK_PATH_MODE" env-default:"auto"`
	TimeoutSeconds        int      `env:"KEYCLOAK_TIMEOUT_SECONDS" env-default:"15"`
	RetryCount            int      `env:"KEYCLOAK_RETRY_COUNT" env-default:"2"`
	ClientCacheTTLSeconds int      `env:"CLIENT_CACHE_TTL_SECONDS" env-default:"60"`
}

type StaffConfig struct {
	Issuer             string   `env:"STAFF_OIDC_ISSUER"`
	ClientID           string   `env:"STAFF_OIDC_CLIENT_ID"`
	ClientSecret       string   `env:"STAFF_OIDC_CLIENT_SECRET"`
	RedirectURL        string   `env:"STAFF_OIDC_REDIRECT_URL"`
	Scopes             []string `env:"STAFF_OIDC_SCOPES" env-default:"openid,profile,email" env-separator:","`
	AdminUsernames     []string `env:"STAFF_ADMIN_USERNAMES" env-separator:","`
	AdminRole          string   `env:"STAFF_ADMIN_ROLE" env-default:"clientdesk-admin"`
	CookieHashKey      string   `env:"COOKIE_HASH_KEY"`
	CookieBlockKey     string   `env:"COOKIE_BLOCK_KEY"`
	SessionIdleMinutes int      `env:"ADMIN_SESSION_IDLE_MINUTES" env-default:"30"`
	SessionAbsoluteHrs int      `env:"ADMIN_SESSION_ABSOLUTE_HOURS" env-default:"12"`
	InsecureCookies    bool     `env:"STAFF_INSECURE_COOKIES" env-default:"false"`
}

type AdminAPIConfig struct {
	Token string `env:"ADMIN_API_TOKEN"`
	Host  string `env:"ADMIN_API_HOST"`
}

type WikiConfig struct {
	BaseURL      string `env:"CONFLUENCE_BASE_URL"`
	SpaceKey     string `env:"CONFLUENCE_SPACE_KEY"`
	ParentPageID string `env:"CONFLUENCE_PARENT_PAGE_ID"`
	User         string `env:"CONFLUENCE_USER"`
	Token        string `env:"CONFLUENCE_TOKEN"`
}

type SMTPConfig struct {
	Host       string   `env:"SMTP_HOST"`
	Port       int      `env:"SMTP_PORT" env-default:"587"`
	Username   string   `env:"SMTP_USERNAME"`
	Password   string   `env:"SMTP_PASSWORD"`
	From       string   `env:"SMTP_FROM" env-default:"clientdesk@localhost"`
	TLS        bool     `env:"SMTP_TLS" env-default:"true"`
	Recipients []string `env:"NOTIFY_RECIPIENTS" env-separator:","`
}

// Load reads the process environment. Validation is left to the caller so
// commands that only touch the database do not need Keycloak settings.
func Load() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.PostgresURL = strings.TrimSpace(c.PostgresURL)
	c.Keycloak.BaseURL = strings.TrimRight(strings.TrimSpace(c.Keycloak.BaseURL), "/")
	c.Keycloak.AuthRealm = strings.TrimSpace(c.Keycloak.AuthRealm)
	c.Keycloak.PathMode = strings.ToLower(strings.TrimSpace(c.Keycloak.PathMode))
	c.Keycloak.Realms = normalizeList(c.Keycloak.Realms)
	c.Staff.Scopes = normalizeList(c.Staff.Scopes)
	c.Staff.AdminUsernames = normalizeList(c.Staff.AdminUsernames)
	c.SMTP.Recipients = normalizeList(c.SMTP.Recipients)
	c.Wiki.BaseURL = strings.TrimRight(strings.TrimSpace(c.Wiki.BaseURL), "/")
}

func (c Config) ValidateDatabase() error {
	if c.PostgresURL == "" {
		return fmt.Errorf("POSTGRES_URL is required")
	}
	return nil
}

func (c Config) ValidateServer() error {
	missing := make([]string, 0, 9)
	if c.PostgresURL == "" {
		missing = append(missing, "POSTGRES_URL")
	}
	if c.Keycloak.BaseURL == "" {
		missing = append(missing, "KEYCLOAK_BASE_URL")
	}
	if strings.TrimSpace(c.Keycloak.ClientID) == "" {
		missing = append(missing, "KEYCLOAK_ADMIN_CLIENT_ID")
	}
	if strings.TrimSpace(c.Keycloak.ClientSecret) == "" {
		missing = append(missing, "KEYCLOAK_ADMIN_CLIENT_SECRET")
	}
	if strings.TrimSpace(c.Staff.Issuer) == "" {
		missing = append(missing, "STAFF_OIDC_ISSUER")
	}
	if strings.TrimSpace(c.Staff.ClientID) == "" {
		missing = append(missing, "STAFF_OIDC_CLIENT_ID")
	}
	if strings.TrimSpace(c.Staff.ClientSecret) == "" {
		missing = append(missing, "STAFF_OIDC_CLIENT_SECRET")
	}
	if strings.TrimSpace(c.Staff.RedirectURL) == "" {
		missing = append(missing, "STAFF_OIDC_REDIRECT_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.Keycloak.PathMode {
	case keycloak.PathModeAuto, keycloak.PathModeModern, keycloak.PathModeLegacy:
	default:
		return fmt.Errorf("unsupported KEYCLOAK_PATH_MODE %q", c.Keycloak.PathMode)
	}
	if len(c.Keycloak.Realms) == 0 {
		return fmt.Errorf("KEYCLOAK_REALMS must list at least one realm")
	}
	return nil
}

func (k KeycloakConfig) Timeout() time.Duration {
	if k.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(k.TimeoutSeconds) * time.Second
}

func (k KeycloakConfig) ClientCacheTTL() time.Duration {
	if k.ClientCacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(k.ClientCacheTTLSeconds) * time.Second
}

func (s StaffConfig) SessionIdleTTL() time.Duration {
	if s.SessionIdleMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.SessionIdleMinutes) * time.Minute
}

func (s StaffConfig) SessionAbsoluteTTL() time.Duration {
	if s.SessionAbsoluteHrs <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(s.SessionAbsoluteHrs) * time.Hour
}

func (w WikiConfig) Enabled() bool {
	return w.BaseURL != "" && strings.TrimSpace(w.SpaceKey) != ""
}

func (s SMTPConfig) Enabled() bool {
	return strings.TrimSpace(s.Host) != "" && len(s.Recipients) > 0
}

func normalizeList(items []string) []string {
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
