package client

import (
	"net/http"
	"time"
)

// HealthProber answers "is the network up" by probing the server's
// unauthenticated health endpoint.
type HealthProber struct {
	url    string
	client *http.Client
}

func NewHealthProber(baseURL string) *HealthProber {
	return &HealthProber{
		url:    baseURL + "/healthz",
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HealthProber) Online() bool {
	resp, err := p.client.Head(p.url)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}
