package slack

import (
	"log/slog"
	"net/http"

	"threadrelay/internal/domain"
	"threadrelay/internal/infra/config"
)

// Clients routes each reply to the bot identity of the app that received
// the event. Apps without their own token share the default client.
type Clients struct {
	fallback *Platform
	byApp    map[string]*Platform
}

// NewClients builds one Platform per configured bot token.
func NewClients(cfg config.SlackConfig, httpClient *http.Client, logger *slog.Logger) *Clients {
	opts := Options{APIURL: cfg.APIURL, HTTPClient: httpClient, AppToken: cfg.AppToken, FileHosts: cfg.FileHosts}
	c := &Clients{
		fallback: NewPlatform(cfg.BotToken, opts, logger),
		byApp:    make(map[string]*Platform, len(cfg.AppTokens)),
	}
	for appID, token := range cfg.AppTokens {
		appOpts := Options{APIURL: cfg.APIURL, HTTPClient: httpClient, FileHosts: cfg.FileHosts}
		c.byApp[appID] = NewPlatform(token, appOpts, logger.With("app_id", appID))
	}
	return c
}

// ForApp implements domain.PlatformRouter.
func (c *Clients) ForApp(appID string) domain.Platform {
	if p, ok := c.byApp[appID]; ok {
		return p
	}
	return c.fallback
}

// Default returns the client for the primary bot token.
func (c *Clients) Default() *Platform { return c.fallback }

var _ domain.PlatformRouter = (*Clients)(nil)
