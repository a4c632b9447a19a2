package device

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/skobkin/ethercomm/internal/pdo"
	"github.com/skobkin/ethercomm/internal/transport"
)

// Registration is what the master handed back for a topology.
type Registration struct {
	Entries   []pdo.Entry
	Handles   []transport.DeviceHandle
	Reference transport.DeviceHandle
}

// Register configures every device with the master: identity, output PDO,
// input PDO, then distributed clocks. The domain offsets come back in the
// returned entries.
func Register(top *Topology, cfg transport.Configurator, period time.Duration, logger *slog.Logger) (*Registration, error) {
	if top == nil {
		return nil, fmt.Errorf("topology is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "device")

	reg := &Registration{
		Entries:   make([]pdo.Entry, 0, len(top.Devices)),
		Handles:   make([]transport.DeviceHandle, 0, len(top.Devices)),
		Reference: transport.NoDevice,
	}

	for _, d := range top.Devices {
		h, err := cfg.ConfigureDevice(d.Identity)
		if err != nil {
			return nil, fmt.Errorf("configure device %s: %w", d.Name, err)
		}
		out, err := cfg.RegisterPDO(h, transport.Output, d.OutputPort, d.OutputSize)
		if err != nil {
			return nil, fmt.Errorf("register output pdo of %s: %w", d.Name, err)
		}
		in, err := cfg.RegisterPDO(h, transport.Input, d.InputPort, d.InputSize)
		if err != nil {
			return nil, fmt.Errorf("register input pdo of %s: %w", d.Name, err)
		}
		if err := cfg.ConfigureDC(h, d.AssignActivate, period, top.Sync0Shift); err != nil {
			return nil, fmt.Errorf("configure dc of %s: %w", d.Name, err)
		}

		reg.Handles = append(reg.Handles, h)
		reg.Entries = append(reg.Entries, pdo.Entry{
			Position: d.Identity.Position,
			Name:     d.Name,
			Input:    pdo.Segment{Offset: in, Length: d.InputSize},
			Output:   pdo.Segment{Offset: out, Length: d.OutputSize},
		})

		logger.Info("device registered",
			"name", d.Name,
			"device", d.Identity.String(),
			"output_offset", out,
			"input_offset", in,
			"assign_activate", fmt.Sprintf("0x%04x", d.AssignActivate),
		)
	}

	reg.Reference = top.referenceHandle(reg.Handles)
	return reg, nil
}

// referenceHandle picks the configured reference device, else the first
// device with distributed clocks enabled, else leaves the choice to the master.
func (t *Topology) referenceHandle(handles []transport.DeviceHandle) transport.DeviceHandle {
	if t.ReferenceClock != "" {
		for i, d := range t.Devices {
			if d.Name == t.ReferenceClock {
				return handles[i]
			}
		}
	}
	for i, d := range t.Devices {
		if d.AssignActivate != 0 {
			return handles[i]
		}
	}
	return transport.NoDevice
}
