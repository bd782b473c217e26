package core

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultTokenDuration   = 24 * time.Hour
	DefaultSessionDuration = 24 * time.Hour
	DefaultSessionCookie   = "idgate_session"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	JWT     JWTConfig     `yaml:"jwt" envPrefix:"JWT_"`
	Session SessionConfig `yaml:"session" envPrefix:"SESSION_"`
}

type ServerConfig struct {
	Host           string `yaml:"host" env:"HOST"`
	Port           int    `yaml:"port" env:"PORT"`
	PublicProtocol string `yaml:"public_protocol" env:"PUBLIC_PROTOCOL"`
	PublicHost     string `yaml:"public_host" env:"PUBLIC_HOST"`
	PublicPort     int    `yaml:"public_port" env:"PUBLIC_PORT"`
	LoginPath      string `yaml:"login_path" env:"LOGIN_PATH"`
	WelcomePath    string `yaml:"welcome_path" env:"WELCOME_PATH"`
}

type JWTConfig struct {
	Secret     string        `yaml:"secret" env:"SECRET"`
	Expiration time.Duration `yaml:"expiration" env:"EXPIRATION"`
}

type SessionConfig struct {
	Secret       string        `yaml:"secret" env:"SECRET"` // derives the OAuth flow cookie key
	Duration     time.Duration `yaml:"duration" env:"DURATION"`
	CookieName   string        `yaml:"cookie_name" env:"COOKIE_NAME"`
	CookieSecure bool          `yaml:"cookie_secure" env:"COOKIE_SECURE"`
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.PublicProtocol == "" {
		c.Server.PublicProtocol = "http"
	}
	if c.Server.PublicHost == "" {
		c.Server.PublicHost = c.Server.Host
	}
	if c.Server.PublicPort == 0 {
		c.Server.PublicPort = c.Server.Port
	}
	if c.Server.LoginPath == "" {
		c.Server.LoginPath = "/login"
	}
	if c.Server.WelcomePath == "" {
		c.Server.WelcomePath = "/welcome"
	}
	if c.JWT.Expiration <= 0 {
		c.JWT.Expiration = DefaultTokenDuration
	}
	if c.Session.Duration <= 0 {
		c.Session.Duration = DefaultSessionDuration
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultSessionCookie
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if c.Session.Secret == "" {
		errs = append(errs, errors.New("session.secret is required"))
	}
	if c.Server.PublicProtocol != "http" && c.Server.PublicProtocol != "https" {
		errs = append(errs, fmt.Errorf("server.public_protocol must be http or https, got %q", c.Server.PublicProtocol))
	}
	return errors.Join(errs...)
}

// PublicBaseURL is the URL external users reach this service at. Standard
// ports are left out.
func (c *ServerConfig) PublicBaseURL() string {
	if (c.PublicProtocol == "http" && c.PublicPort == 80) ||
		(c.PublicProtocol == "https" && c.PublicPort == 443) {
		return fmt.Sprintf("%s://%s", c.PublicProtocol, c.PublicHost)
	}
	return fmt.Sprintf("%s://%s:%d", c.PublicProtocol, c.PublicHost, c.PublicPort)
}

func (c *ServerConfig) BuildPublicURL(path string) string {
	return c.PublicBaseURL() + path
}

func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
