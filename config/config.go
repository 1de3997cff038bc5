package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	DefaultListenAddr    = "127.0.0.1:8080"
	DefaultListenAddrTLS = "127.0.0.1:1443"
	DefaultSMTPHost      = "smtp.gmail.com"
	DefaultSMTPPort      = 587
	DefaultSendTimeout   = 15 * time.Second
	DefaultDatabase      = "webd.db"
)

type MetaConfig struct {
	Version         string                 `json:"-"`
	ListenAddr      string                 `json:"listen"`
	ListenAddrTLS   string                 `json:"listentls"`
	SiteName        string                 `json:"sitename"`
	SiteURL         string                 `json:"siteurl"`
	DevelopmentMode bool                   `json:"devmode"`
	CopyrightName   string                 `json:"copyright-name"`
	TemplateData    map[string]interface{} `json:"templatedata"`
	PathTemplates   string                 `json:"templatedir"`
	PathPublic      string                 `json:"publicdir"`
}

type Config struct {
	Meta           MetaConfig     `json:"Meta,omitempty"`
	Owner          OwnerConfig    `json:"Owner,omitempty"`
	Relay          RelayConfig    `json:"Relay,omitempty"`
	Sec            SecurityConfig `json:"Security,omitempty"`
	ConfigFilePath string         `json:"-"` // empty if stdin or no file ($PWD used)
}

// OwnerConfig is the inert content table rendered on the home page.
type OwnerConfig struct {
	Name      string `json:"name"`
	Title     string `json:"title"`
	Bio       string `json:"bio"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Location  string `json:"location"`
	ResumeURL string `json:"resume"`
	GitHub    string `json:"github"`
	LinkedIn  string `json:"linkedin"`
	Instagram string `json:"instagram"`
}

// RelayConfig holds the outbound SMTP relay settings for the contact form.
type RelayConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	From        string `json:"from"` // defaults to Username
	To          string `json:"to"`   // operator address
	SSL         bool   `json:"ssl"` // implicit TLS; port 465 always uses it
	Required    bool   `json:"require-relay"`
	SendTimeout int    `json:"send-timeout-seconds"`
}

// Configured reports whether a credential pair is present. Without one the
// contact form accepts submissions but sends nothing.
func (r RelayConfig) Configured() bool {
	return r.Username != "" && r.Password != ""
}

// Sender is the envelope From address.
func (r RelayConfig) Sender() string {
	if r.From != "" {
		return r.From
	}
	return r.Username
}

func (r RelayConfig) Timeout() time.Duration {
	if r.SendTimeout <= 0 {
		return DefaultSendTimeout
	}
	return time.Duration(r.SendTimeout) * time.Second
}

type SecurityConfig struct {
	CSRFKey     string   `json:"csrf-key"`
	CookieName  string   `json:"cookie-name"`
	Whitelist   string   `json:"whitelist"`
	Blacklist   string   `json:"blacklist"`
	ServePublic bool     `json:"servepublic"` // Serve All Unhandled URL in ./public
	Database    string   `json:"database"`
	CORSOrigins []string `json:"cors-origins"`
	TrustProxy  bool     `json:"trust-proxy"` // use X-Forwarded-For for client IP
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	return &Config{
		Meta: MetaConfig{
			ListenAddr:    DefaultListenAddr,
			ListenAddrTLS: DefaultListenAddrTLS,
			PathTemplates: "./www/templates",
			PathPublic:    "./www/public",
		},
		Relay: RelayConfig{
			Host: DefaultSMTPHost,
			Port: DefaultSMTPPort,
		},
		Sec: SecurityConfig{
			CookieName: "webd",
			Database:   DefaultDatabase,
		},
	}
}

// Load decodes a JSON config over the defaults. path "-" reads r instead of
// a file. An empty path returns the defaults.
func Load(path string, r io.Reader) (*Config, error) {
	config := Default()
	switch path {
	case "":
		return config, nil
	case "-":
		if err := json.NewDecoder(r).Decode(config); err != nil {
			return nil, fmt.Errorf("error decoding json config: %w", err)
		}
		return config, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(config); err != nil {
		return nil, fmt.Errorf("error decoding json config %q: %w", path, err)
	}
	config.ConfigFilePath = path
	return config, nil
}

// LoadDotEnv copies variables from a .env file into the process environment
// without overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides config values with environment variables looked up
// through getenv. Unset (empty) variables leave the config untouched.
func ApplyEnv(config *Config, getenv func(string) string) error {
	if port := getenv("PORT"); port != "" {
		config.Meta.ListenAddr = ":" + port
	}
	if siteurl := getenv("SITEURL"); siteurl != "" {
		config.Meta.SiteURL = siteurl
	}
	if host := getenv("SMTP_HOST"); host != "" {
		config.Relay.Host = host
	}
	if port := getenv("SMTP_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("bad SMTP_PORT %q: %w", port, err)
		}
		config.Relay.Port = n
	}
	if ssl := getenv("SMTP_SSL"); ssl != "" {
		b, err := strconv.ParseBool(ssl)
		if err != nil {
			return fmt.Errorf("bad SMTP_SSL %q: %w", ssl, err)
		}
		config.Relay.SSL = b
	}
	if user := getenv("SMTP_USER"); user != "" {
		config.Relay.Username = user
	}
	if pass := getenv("SMTP_PASS"); pass != "" {
		config.Relay.Password = pass
	}
	if from := getenv("SMTP_FROM"); from != "" {
		config.Relay.From = from
	}
	if to := getenv("CONTACT_EMAIL"); to != "" {
		config.Relay.To = to
	}
	if req := getenv("REQUIRE_RELAY"); req != "" {
		b, err := strconv.ParseBool(req)
		if err != nil {
			return fmt.Errorf("bad REQUIRE_RELAY %q: %w", req, err)
		}
		config.Relay.Required = b
	}
	if origins := getenv("CORS_ORIGINS"); origins != "" {
		config.Sec.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				config.Sec.CORSOrigins = append(config.Sec.CORSOrigins, o)
			}
		}
	}
	if key := getenv("CSRF_KEY"); key != "" {
		config.Sec.CSRFKey = key
	}
	return nil
}

// CheckConfig fills defaults, resolves paths and returns an error naming the
// first missing or invalid setting.
func CheckConfig(config *Config, log zerolog.Logger) error {
	// minimal config needed
	if config.Meta.Version == "" {
		config.Meta.Version = "webd"
	}
	if config.Meta.PathPublic == "" {
		config.Meta.PathPublic = "./www/public"
	}
	if config.Meta.PathTemplates == "" {
		config.Meta.PathTemplates = "./www/templates"
	}
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	if config.ConfigFilePath != "" {
		dir, err = filepath.Abs(filepath.Dir(config.ConfigFilePath))
		if err != nil {
			return fmt.Errorf("error %v", err)
		}
	}
	log.Debug().Str("dir", dir).Msg("resolving relative paths")

	for _, p := range []*string{&config.Meta.PathPublic, &config.Meta.PathTemplates} {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
		s, err := os.Stat(*p)
		if err != nil {
			return fmt.Errorf("no web assets found at %q: %w", *p, err)
		}
		if !s.IsDir() {
			return fmt.Errorf("is not a dir: %v", *p)
		}
	}
	if config.Sec.Database != "" && !filepath.IsAbs(config.Sec.Database) {
		config.Sec.Database = filepath.Join(dir, config.Sec.Database)
	}

	if config.Meta.SiteURL == "" {
		return fmt.Errorf("config needs Meta.siteurl (or $SITEURL)")
	}
	if len(config.Sec.CSRFKey) < 32 {
		return fmt.Errorf("config needs Security.csrf-key (or $CSRF_KEY) of at least 32 bytes")
	}
	if config.Sec.CookieName == "" {
		return fmt.Errorf("config needs Security.cookie-name")
	}

	return checkRelay(&config.Relay, config.Owner.Email, log)
}

func checkRelay(relay *RelayConfig, ownerEmail string, log zerolog.Logger) error {
	if !relay.Configured() {
		if relay.Required {
			return fmt.Errorf("config needs Relay.username and Relay.password (or $SMTP_USER and $SMTP_PASS): require-relay is set")
		}
		log.Warn().Msg("mail relay not configured, contact submissions will be accepted but not sent")
		return nil
	}
	if relay.Host == "" {
		return fmt.Errorf("config needs Relay.host (or $SMTP_HOST)")
	}
	if relay.Port <= 0 || relay.Port > 65535 {
		return fmt.Errorf("bad Relay.port: %d", relay.Port)
	}
	if relay.To == "" {
		if ownerEmail == "" {
			return fmt.Errorf("config needs Relay.to (or $CONTACT_EMAIL)")
		}
		relay.To = ownerEmail
	}
	return nil
}

// Masked returns a copy safe to print: secrets are replaced.
func (c Config) Masked() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Relay.Password = mask(c.Relay.Password)
	c.Sec.CSRFKey = mask(c.Sec.CSRFKey)
	return c
}
