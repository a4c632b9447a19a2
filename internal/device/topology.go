// Package device loads the bus topology and registers it with the master.
package device

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/skobkin/ethercomm/internal/transport"
)

// File is the on-disk layout. Pointer fields are required.
type File struct {
	Sync0Shift     *int32       `yaml:"sync0_shift"`
	ReferenceClock string       `yaml:"reference_clock"`
	Devices        []DeviceSpec `yaml:"devices"`
}

// DeviceSpec is one entry of the devices list.
type DeviceSpec struct {
	Name           string  `yaml:"name"`
	VendorID       *uint32 `yaml:"vendor_id"`
	ProductCode    *uint32 `yaml:"product_code"`
	Alias          *uint16 `yaml:"alias"`
	Position       *uint16 `yaml:"position"`
	AssignActivate *uint16 `yaml:"assign_activate"`
	InputPort      *uint16 `yaml:"input_port"`
	OutputPort     *uint16 `yaml:"output_port"`
	InputSize      *int    `yaml:"input_size"`
	OutputSize     *int    `yaml:"output_size"`
}

// Device is a validated device description.
type Device struct {
	Name           string             `json:"name"`
	Identity       transport.Identity `json:"identity"`
	AssignActivate uint16             `json:"assign_activate"`
	InputPort      uint16             `json:"input_port"`
	OutputPort     uint16             `json:"output_port"`
	InputSize      int                `json:"input_size"`
	OutputSize     int                `json:"output_size"`
}

// Topology is the validated device set of one deployment.
type Topology struct {
	Sync0Shift     int32    `json:"sync0_shift"`
	ReferenceClock string   `json:"reference_clock,omitempty"`
	Devices        []Device `json:"devices"`
}

// Load reads and validates a device file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device file: %w", err)
	}
	top, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("device file %s: %w", path, err)
	}
	return top, nil
}

// Parse decodes and validates a device file. Every missing required field is reported.
func Parse(data []byte) (*Topology, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty device file")
		}
		return nil, fmt.Errorf("parse device file: %w", err)
	}
	return f.Validate()
}

// Validate converts the raw file into a Topology.
func (f File) Validate() (*Topology, error) {
	var errs []error
	missing := func(field string) {
		errs = append(errs, fmt.Errorf("%s is required", field))
	}

	top := &Topology{ReferenceClock: f.ReferenceClock}
	if f.Sync0Shift == nil {
		missing("sync0_shift")
	} else {
		top.Sync0Shift = *f.Sync0Shift
	}
	if len(f.Devices) == 0 {
		errs = append(errs, fmt.Errorf("at least one device is required"))
	}

	names := make(map[string]struct{}, len(f.Devices))
	positions := make(map[uint16]struct{}, len(f.Devices))

	for i, raw := range f.Devices {
		field := func(name string) string { return fmt.Sprintf("devices[%d].%s", i, name) }
		var d Device

		d.Name = raw.Name
		if d.Name == "" {
			missing(field("name"))
		} else if _, dup := names[d.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", field("name"), d.Name))
		}
		names[d.Name] = struct{}{}

		if raw.VendorID == nil {
			missing(field("vendor_id"))
		} else {
			d.Identity.VendorID = *raw.VendorID
		}
		if raw.ProductCode == nil {
			missing(field("product_code"))
		} else {
			d.Identity.ProductCode = *raw.ProductCode
		}
		if raw.Alias == nil {
			missing(field("alias"))
		} else {
			d.Identity.Alias = *raw.Alias
		}
		if raw.Position == nil {
			missing(field("position"))
		} else {
			d.Identity.Position = *raw.Position
			if _, dup := positions[d.Identity.Position]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate position %d", field("position"), d.Identity.Position))
			}
			positions[d.Identity.Position] = struct{}{}
		}
		if raw.AssignActivate == nil {
			missing(field("assign_activate"))
		} else {
			d.AssignActivate = *raw.AssignActivate
		}
		if raw.InputPort == nil {
			missing(field("input_port"))
		} else {
			d.InputPort = *raw.InputPort
		}
		if raw.OutputPort == nil {
			missing(field("output_port"))
		} else {
			d.OutputPort = *raw.OutputPort
		}
		if raw.InputSize == nil {
			missing(field("input_size"))
		} else if *raw.InputSize < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", field("input_size")))
		} else {
			d.InputSize = *raw.InputSize
		}
		if raw.OutputSize == nil {
			missing(field("output_size"))
		} else if *raw.OutputSize < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", field("output_size")))
		} else {
			d.OutputSize = *raw.OutputSize
		}

		top.Devices = append(top.Devices, d)
	}

	if f.ReferenceClock != "" {
		if _, ok := names[f.ReferenceClock]; !ok {
			errs = append(errs, fmt.Errorf("reference_clock %q does not name a device", f.ReferenceClock))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return top, nil
}

// Loopback builds an n-device topology for the simulated bus.
func Loopback(n, inputSize, outputSize int) *Topology {
	top := &Topology{}
	for i := 0; i < n; i++ {
		top.Devices = append(top.Devices, Device{
			Name: fmt.Sprintf("sim-%d", i),
			Identity: transport.Identity{
				Position:    uint16(i),
				VendorID:    0x0000_0002,
				ProductCode: 0x0bb8_3052,
			},
			AssignActivate: 0x0300,
			InputPort:      0x6000,
			OutputPort:     0x7000,
			InputSize:      inputSize,
			OutputSize:     outputSize,
		})
	}
	return top
}
