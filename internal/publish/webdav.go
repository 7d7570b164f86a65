package publish

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/emersion/go-webdav"

	appLog "birthdaycal/internal/log"
)

// WebDAV uploads saved files into a WebDAV collection.
type WebDAV struct {
	client   *webdav.Client
	endpoint string
}

// NewWebDAV creates a publisher for the collection at endpoint. Basic
// auth is used when username is non-empty.
func NewWebDAV(endpoint, username, password string) (*WebDAV, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("publish: endpoint is empty")
	}

	var hc webdav.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	if username != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, username, password)
	}

	client, err := webdav.NewClient(hc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("publish: create webdav client: %w", err)
	}
	return &WebDAV{client: client, endpoint: endpoint}, nil
}

// Publish PUTs data as name, relative to the endpoint.
func (p *WebDAV) Publish(ctx context.Context, name string, data []byte) error {
	w, err := p.client.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("publish: create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("publish: write %s: %w", name, err)
	}
	// Close waits for the server's answer to the PUT.
	if err := w.Close(); err != nil {
		return fmt.Errorf("publish: upload %s: %w", name, err)
	}

	appLog.Info("published", "name", name, "endpoint", p.endpoint, "bytes", len(data))
	return nil
}
