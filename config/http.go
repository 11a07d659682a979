package config

import (
	"net/http"
	"time"
)

// HTTPConfig holds outbound client timeouts per provider.
type HTTPConfig struct {
	KickTimeout  time.Duration `env:"HTTP_KICK_TIMEOUT" envDefault:"15s"`
	PayTRTimeout time.Duration `env:"HTTP_PAYTR_TIMEOUT" envDefault:"20s"`
}

func loadHTTPConfig() HTTPConfig {
	return HTTPConfig{
		KickTimeout:  getDuration("HTTP_KICK_TIMEOUT", 15*time.Second),
		PayTRTimeout: getDuration("HTTP_PAYTR_TIMEOUT", 20*time.Second),
	}
}

func (h HTTPConfig) KickClient() *http.Client {
	return &http.Client{Timeout: h.KickTimeout}
}

func (h HTTPConfig) PayTRClient() *http.Client {
	return &http.Client{Timeout: h.PayTRTimeout}
}
