package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/danilo-araujo0000/boton/internal/directory"
)

// HTTPDispatcher delivers alerts to receiver stations over HTTP. Each
// receiver runs a small local server that pops the alert screen when its
// endpoint is hit.
type HTTPDispatcher struct {
	client       *http.Client
	receiverPort string
	secret       string
}

// NewHTTPDispatcher creates a dispatcher targeting receivers on receiverPort.
// The client carries no timeout of its own; Deliver relies on the context
// deadline set per attempt by the coordinator.
func NewHTTPDispatcher(receiverPort, secret string) *HTTPDispatcher {
	return &HTTPDispatcher{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		receiverPort: receiverPort,
		secret:       secret,
	}
}

type receiverPayload struct {
	Room     string `json:"sala"`
	Username string `json:"usuario"`
	Code     string `json:"codigo"`
}

// Deliver posts the alert to one receiver station. Any non-2xx response is
// reported as a StatusError.
func (d *HTTPDispatcher) Deliver(ctx context.Context, dest Destination, alert Resolved) error {
	body, err := json.Marshal(receiverPayload{
		Room:     alert.Room,
		Username: alert.Username,
		Code:     alert.Code,
	})
	if err != nil {
		return fmt.Errorf("failed to encode receiver payload: %w", err)
	}

	url := fmt.Sprintf("http://%s:%s/%s/enviar", dest.Addr, d.receiverPort, d.secret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build receiver request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach receiver %s: %w", dest.Addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// DirectoryDestinations enumerates destinations straight from the directory,
// so receivers added by the admin panel are picked up on the next alert.
type DirectoryDestinations struct {
	store directory.Store
}

// NewDirectoryDestinations creates a destination source backed by store.
func NewDirectoryDestinations(store directory.Store) *DirectoryDestinations {
	return &DirectoryDestinations{store: store}
}

// List returns every receiver currently registered in the directory.
func (s *DirectoryDestinations) List(ctx context.Context) ([]Destination, error) {
	receivers, err := s.store.ListReceiverAddresses(ctx)
	if err != nil {
		return nil, err
	}

	dests := make([]Destination, 0, len(receivers))
	for _, r := range receivers {
		dests = append(dests, Destination{Addr: r.Addr, Name: r.Name})
	}
	return dests, nil
}

var (
	_ Dispatcher        = (*HTTPDispatcher)(nil)
	_ DestinationSource = (*DirectoryDestinations)(nil)
)
