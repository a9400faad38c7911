package httputil

import (
	"net/http"
	"time"
)

const (
	ScrapeTimeout = 20 * time.Second
	NotifyTimeout = 15 * time.Second
)

type Clients struct {
	Scraping *http.Client // list and detail pages on broker sites
	Notify   *http.Client // notification providers
}

func NewClients() *Clients {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Clients{
		Scraping: &http.Client{Timeout: ScrapeTimeout, Transport: transport},
		Notify:   &http.Client{Timeout: NotifyTimeout},
	}
}
