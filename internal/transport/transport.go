// Package transport defines the boundary to the fieldbus master: device
// registration before activation and the non-blocking primitives used by
// the cyclic loop afterwards.
package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotActive is returned by operations that need an activated master.
	ErrNotActive = errors.New("transport not active")
	// ErrActive is returned by registration calls made after activation.
	ErrActive = errors.New("transport already active")
	// ErrNoReference is returned when no reference clock value has been latched yet.
	ErrNoReference = errors.New("no reference clock sample")
)

// DeviceHandle identifies a configured device. NoDevice selects none.
type DeviceHandle int

// NoDevice lets the master pick the reference clock itself.
const NoDevice DeviceHandle = -1

// Direction of a process data registration.
type Direction int

const (
	Output Direction = iota
	Input
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// Identity addresses a device on the bus.
type Identity struct {
	Alias       uint16 `json:"alias"`
	Position    uint16 `json:"position"`
	VendorID    uint32 `json:"vendor_id"`
	ProductCode uint32 `json:"product_code"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%d:%d (0x%08x/0x%08x)", id.Alias, id.Position, id.VendorID, id.ProductCode)
}

// DomainState summarises the working counter of the last exchange.
type DomainState int

const (
	DomainOK DomainState = iota
	DomainDegraded
	DomainLost
)

func (s DomainState) String() string {
	switch s {
	case DomainOK:
		return "ok"
	case DomainDegraded:
		return "degraded"
	case DomainLost:
		return "lost"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DomainStatus is reported after each receive.
type DomainStatus struct {
	WorkingCounter uint16      `json:"working_counter"`
	Expected       uint16      `json:"expected_working_counter"`
	State          DomainState `json:"-"`
}

// MasterStatus is the low-rate master diagnostic.
type MasterStatus struct {
	RespondingDevices int   `json:"responding_devices"`
	ALStates          uint8 `json:"al_states"`
	LinkUp            bool  `json:"link_up"`
}

// Configurator is used once, before the cyclic loop starts.
type Configurator interface {
	ConfigureDevice(id Identity) (DeviceHandle, error)
	// RegisterPDO maps the PDO entry at index into the domain and returns
	// its byte offset.
	RegisterPDO(h DeviceHandle, dir Direction, index uint16, size int) (int, error)
	ConfigureDC(h DeviceHandle, assignActivate uint16, period time.Duration, sync0Shift int32) error
	SelectReferenceClock(h DeviceHandle) error
	Activate() error
	// BindDomain returns the domain memory. It is valid until Close.
	BindDomain() ([]byte, error)
}

// Cyclic holds the per-cycle primitives. None of them may block.
type Cyclic interface {
	Receive()
	MaterializeDomain() []byte
	QueueDomain()
	Send()

	ApplyApplicationTime(ns uint64)
	SampleReferenceClock() (uint32, error)
	SyncReferenceClock()
	AlignFollowerClocks()

	DomainState() DomainStatus
	MasterState() MasterStatus
}

// Transport is a complete fieldbus master.
type Transport interface {
	Configurator
	Cyclic
	Close() error
}

// ALStateOperational is the AL state bit of devices in OP.
const ALStateOperational uint8 = 0x08
