// Package supervisor talks to the local process supervisor daemons of the
// cluster. The control plane consumes this interface only; the daemon itself
// is an external collaborator.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/supvisors/supvisors/internal/model"
)

// Client is the RPC surface consumed from every node's local supervisor.
type Client interface {
	// StartProcess asks the node to spawn the process with the given extra
	// arguments appended to its command line.
	StartProcess(ctx context.Context, address, namespec, extraArgs string) error

	// StopProcess asks the node to stop the process.
	StopProcess(ctx context.Context, address, namespec string) error

	// GetAllProcessInfo dumps the node's full process table.
	GetAllProcessInfo(ctx context.Context, address string) ([]model.ProcessEvent, error)

	// CheckAuthorization asks the remote Supvisors instance whether this
	// node may join, completing the CHECKING handshake.
	CheckAuthorization(ctx context.Context, address, localAddress string) (bool, error)
}

// HTTPClient implements Client over the supervisor's HTTP JSON endpoint.
type HTTPClient struct {
	logger zerolog.Logger
	client *http.Client
	port   int
}

// Config sizes the HTTP client.
type Config struct {
	Port           int
	RequestTimeout time.Duration
}

// NewHTTPClient creates a client for the local supervisors of the cluster.
func NewHTTPClient(cfg Config, logger zerolog.Logger) *HTTPClient {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		logger: logger.With().Str("component", "supervisor").Logger(),
		client: &http.Client{Timeout: timeout},
		port:   cfg.Port,
	}
}

func (c *HTTPClient) url(address, method string) string {
	return fmt.Sprintf("http://%s:%d/rpc/%s", address, c.port, method)
}

func (c *HTTPClient) call(ctx context.Context, address, method string, request, response interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(address, method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s on %s failed: %w", method, address, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s on %s returned status %d", method, address, resp.StatusCode)
	}
	if response != nil {
		if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
			return fmt.Errorf("failed to decode %s response from %s: %w", method, address, err)
		}
	}
	return nil
}

// StartProcess implements Client.
func (c *HTTPClient) StartProcess(ctx context.Context, address, namespec, extraArgs string) error {
	c.logger.Debug().Str("address", address).Str("namespec", namespec).Msg("startProcess")
	request := map[string]interface{}{"namespec": namespec, "extra_args": extraArgs, "wait": false}
	return c.call(ctx, address, "startProcess", request, nil)
}

// StopProcess implements Client.
func (c *HTTPClient) StopProcess(ctx context.Context, address, namespec string) error {
	c.logger.Debug().Str("address", address).Str("namespec", namespec).Msg("stopProcess")
	request := map[string]interface{}{"namespec": namespec, "wait": false}
	return c.call(ctx, address, "stopProcess", request, nil)
}

// GetAllProcessInfo implements Client.
func (c *HTTPClient) GetAllProcessInfo(ctx context.Context, address string) ([]model.ProcessEvent, error) {
	var response struct {
		Processes []model.ProcessEvent `json:"processes"`
	}
	if err := c.call(ctx, address, "getAllProcessInfo", map[string]interface{}{}, &response); err != nil {
		return nil, err
	}
	return response.Processes, nil
}

// CheckAuthorization implements Client.
func (c *HTTPClient) CheckAuthorization(ctx context.Context, address, localAddress string) (bool, error) {
	var response struct {
		Authorized bool `json:"authorized"`
	}
	request := map[string]interface{}{"address": localAddress}
	if err := c.call(ctx, address, "checkAuthorization", request, &response); err != nil {
		return false, err
	}
	return response.Authorized, nil
}
