package client

import (
	"context"
	"fmt"
	"runtime"
)

// RegisterResponse is the one-time registration result. Token is only
// ever returned here; it cannot be recovered later.
type RegisterResponse struct {
	Token   string  `json:"token"`
	Machine Machine `json:"machine"`
}

// Register exchanges a single-use invitation for a machine identity
// and bearer token. The client's own token is not used; registration
// is how a token is obtained in the first place.
func (c *Client) Register(ctx context.Context, name, invitation string) (*RegisterResponse, error) {
	body := struct {
		Name            string `json:"name"`
		Platform        string `json:"platform"`
		InvitationToken string `json:"invitation_token"`
	}{name, runtime.GOOS, invitation}

	var resp RegisterResponse
	if err := c.post(ctx, "/api/machines/register", body, &resp); err != nil {
		return nil, fmt.Errorf("registering machine %q: %w", name, err)
	}
	return &resp, nil
}

// ListMachines returns all registered machines.
func (c *Client) ListMachines(ctx context.Context) ([]Machine, error) {
	var machines []Machine
	if err := c.get(ctx, "/api/machines", &machines); err != nil {
		return nil, fmt.Errorf("listing machines: %w", err)
	}
	return machines, nil
}

// DeleteMachine revokes a machine's registration and token.
func (c *Client) DeleteMachine(ctx context.Context, machineID string) error {
	if err := c.delete(ctx, "/api/machines/"+machineID); err != nil {
		return fmt.Errorf("deleting machine %s: %w", machineID, err)
	}
	return nil
}
