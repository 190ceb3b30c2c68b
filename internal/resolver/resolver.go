// Package resolver turns a device reference from a request into a concrete
// connection target: ordered addresses, credentials, vendor profile, and
// session parameters. All user-input errors (missing vendor, missing
// credentials) surface here, before any transport is opened.
package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/marcus-qen/fcr/internal/counters"
	"github.com/marcus-qen/fcr/internal/inventory"
	"github.com/marcus-qen/fcr/internal/protocol"
	"github.com/marcus-qen/fcr/internal/vendors"
)

// Target is everything the session layer needs to reach one device.
type Target struct {
	Hostname string

	// Addrs are tried in order on connection failure. A single entry unless
	// the device opted into backup-IP failover.
	Addrs []string
	Port  int

	Username string
	Password string

	Profile     *vendors.Profile
	SessionType protocol.SessionType
	SessionData *protocol.SessionData

	// CommandPrompts are the per-command prompt overrides for this device.
	CommandPrompts map[string]string

	// PreSetup commands run before the vendor CLI setup sequence.
	PreSetup []string

	// ClearCommand is the resolved clear sequence; empty means do not send.
	ClearCommand string
}

// Resolver assembles targets from inventory records and vendor profiles.
type Resolver struct {
	inventory *inventory.Store
	vendors   *vendors.Registry
	counters  *counters.Registry
	logger    *zap.Logger
}

// New creates a resolver.
func New(inv *inventory.Store, vr *vendors.Registry, ctr *counters.Registry, logger *zap.Logger) *Resolver {
	return &Resolver{inventory: inv, vendors: vr, counters: ctr, logger: logger}
}

// Resolve produces the connection target for a device request.
func (r *Resolver) Resolve(ctx context.Context, device protocol.Device) (*Target, error) {
	if device.Hostname == "" {
		return nil, protocol.SessionErrorf(protocol.CodeValidation, "device hostname required")
	}

	record, err := r.inventory.Get(ctx, device.Hostname)
	if err != nil {
		// A fully self-describing request can proceed without inventory.
		if device.IPAddress == "" || device.Vendor == "" {
			return nil, protocol.SessionErrorf(protocol.CodeLookup,
				"device %q: %v", device.Hostname, err)
		}
		record = inventory.Record{Hostname: device.Hostname}
	}

	vendorName := device.Vendor
	if vendorName == "" {
		vendorName = record.Vendor
	}
	if vendorName == "" {
		return nil, protocol.SessionErrorf(protocol.CodeUnsupportedDevice,
			"device %q has no vendor", device.Hostname)
	}
	profile := r.vendors.Get(vendorName)
	r.counters.Incr("vendor." + vendorName + ".sessions")

	username := device.Username
	if username == "" {
		username = record.Username
	}
	password := device.Password
	if password == "" {
		password = record.Password
	}
	if username == "" {
		return nil, protocol.SessionErrorf(protocol.CodeValidation,
			"device %q: no username in request or inventory", device.Hostname)
	}

	addrs, err := r.selectAddrs(device, record)
	if err != nil {
		return nil, err
	}

	sessionType, supported := profile.SelectSessionType(device.SessionType)
	if !supported {
		r.counters.Incr("resolver.unsupported_session")
		r.logger.Warn("requested session type not supported by vendor",
			zap.String("device", device.Hostname),
			zap.String("vendor", vendorName),
			zap.String("requested", string(device.SessionType)))
	}
	if sessionType == protocol.SessionNetconf {
		if device.SessionData == nil ||
			(device.SessionData.Subsystem == "" && device.SessionData.ExecCommand == "") {
			return nil, protocol.SessionErrorf(protocol.CodeValidation,
				"device %q: netconf session needs a subsystem or exec_command", device.Hostname)
		}
	}

	clear := profile.ClearCommand
	if device.ClearCommand != nil {
		clear = *device.ClearCommand
	}

	return &Target{
		Hostname:       device.Hostname,
		Addrs:          addrs,
		Port:           profile.Port,
		Username:       username,
		Password:       password,
		Profile:        profile,
		SessionType:    sessionType,
		SessionData:    device.SessionData,
		CommandPrompts: device.CommandPrompts,
		PreSetup:       device.PreSetupCommands,
		ClearCommand:   clear,
	}, nil
}

// selectAddrs applies the address-selection policy: explicit override first,
// then the preferred list (optionally restricted to management addresses),
// then the inventory default.
func (r *Resolver) selectAddrs(device protocol.Device, record inventory.Record) ([]string, error) {
	if device.IPAddress != "" {
		return []string{device.IPAddress}, nil
	}

	var addrs []string
	for _, ip := range record.PrefIPs {
		if device.MgmtIP && !ip.Mgmt {
			continue
		}
		addrs = append(addrs, ip.Addr)
	}
	if device.MgmtIP && len(addrs) > 0 {
		r.counters.Incr("resolver.mgmt_ip")
	}
	if record.IP != "" {
		addrs = append(addrs, record.IP)
	}
	if len(addrs) == 0 {
		return nil, protocol.SessionErrorf(protocol.CodeLookup,
			"device %q has no usable address", device.Hostname)
	}

	if !device.FailoverToBackupIPs {
		return addrs[:1], nil
	}
	return dedupe(addrs), nil
}

func dedupe(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// String renders the target for logs without leaking the password.
func (t *Target) String() string {
	return fmt.Sprintf("%s@%s %v (vendor %s, %s)",
		t.Username, t.Hostname, t.Addrs, t.Profile.Name, t.SessionType)
}
