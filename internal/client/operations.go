package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devghori1264/instantcloud/internal/models"
	"github.com/devghori1264/instantcloud/internal/signer"
)

// LaunchOption sets one optional parameter of a launch request. Parameters
// without an option are left out of the request entirely.
type LaunchOption func(signer.Params)

func WithNumMachines(n int) LaunchOption {
	return func(p signer.Params) { p["numMachines"] = signer.Int(int64(n)) }
}

func WithLicenseType(t string) LaunchOption {
	return func(p signer.Params) { p["licenseType"] = signer.String(t) }
}

func WithLicenseID(id string) LaunchOption {
	return func(p signer.Params) { p["licenseId"] = signer.String(id) }
}

func WithUserPassword(pw string) LaunchOption {
	return func(p signer.Params) { p["userPassword"] = signer.String(pw) }
}

func WithRegion(r string) LaunchOption {
	return func(p signer.Params) { p["region"] = signer.String(r) }
}

// WithIdleShutdown sets the idle shutdown in minutes.
func WithIdleShutdown(minutes int) LaunchOption {
	return func(p signer.Params) { p["idleShutdown"] = signer.Int(int64(minutes)) }
}

func WithMachineType(t string) LaunchOption {
	return func(p signer.Params) { p["machineType"] = signer.String(t) }
}

func WithGRBVersion(v string) LaunchOption {
	return func(p signer.Params) { p["GRBVersion"] = signer.String(v) }
}

// LaunchParams returns the parameter set for a launch with opts applied.
func LaunchParams(opts ...LaunchOption) signer.Params {
	p := signer.Params{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// KillParams returns the parameter set for killing ids. The ids travel as
// one string holding a JSON array literal.
func KillParams(ids []string) signer.Params {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = `"` + id + `"`
	}
	return signer.Params{"machineIds": signer.String("[" + strings.Join(quoted, ",") + "]")}
}

// GetLicenses lists the licenses of the account.
func (c *Client) GetLicenses(ctx context.Context) ([]models.License, error) {
	var out []models.License
	if err := c.call(ctx, Licenses, signer.Params{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMachines lists the running machines of the account.
func (c *Client) GetMachines(ctx context.Context) ([]models.Machine, error) {
	var out []models.Machine
	if err := c.call(ctx, Machines, signer.Params{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LaunchMachines starts new machines and returns them.
func (c *Client) LaunchMachines(ctx context.Context, opts ...LaunchOption) ([]models.Machine, error) {
	var out []models.Machine
	if err := c.call(ctx, Launch, LaunchParams(opts...), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// KillMachines terminates the machines with the given ids and returns the
// affected machines.
func (c *Client) KillMachines(ctx context.Context, ids []string) ([]models.Machine, error) {
	var out []models.Machine
	if err := c.call(ctx, Kill, KillParams(ids), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, cmd Command, params signer.Params, out interface{}) error {
	raw, err := c.Send(ctx, cmd, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", cmd, err)
	}
	return nil
}
