// Package types holds the configuration surface handed to the core by its
// caller (the VM manager). The core never parses flags or files itself; it
// only consumes structured values of this shape (see spec §6).
package types

import (
	"time"

	"github.com/ozanturksever/gondolin/pkg/httptypes"
)

// Configuration is the structured value an external collaborator (the VM
// manager) hands to vnet.New. Nothing under this package is read from a CLI
// flag or config file by the core itself.
type Configuration struct {
	Debug       bool
	CaptureFile string

	// MTU bounds every Ethernet payload on egress and is advertised via DHCP.
	MTU int

	GuestIP           string
	GatewayIP         string
	DNSIP             string
	SubnetMask        string
	GatewayMacAddress string

	LeaseTime time.Duration

	Policy PolicyConfig

	MitmDir string

	OnRequest  RequestHook
	OnResponse ResponseHook

	MaxFlows     int
	LeafCacheCap int
}

// PolicyConfig is the allow/block surface named in spec §6's configuration
// table.
type PolicyConfig struct {
	AllowedHosts        []string
	BlockInternalRanges bool
	Secrets             map[string]SecretConfig
	PortsAllowed        PortsAllowed
}

// SecretConfig registers one named placeholder-to-value binding.
type SecretConfig struct {
	Hosts []string
	Value string
}

// PortsAllowed lists the ports admitted per scheme; nil means the component
// default (80 for HTTP, 443 for TLS).
type PortsAllowed struct {
	HTTP []int
	TLS  []int
}

// RequestHook runs before a request is issued upstream; it may rewrite the
// request in place. pkg/vnet logs a non-nil error and issues the request
// anyway; the error neither fails the request nor produces a synthesized
// response.
type RequestHook func(req *httptypes.Request) error

// ResponseHook runs after a response is received, before it is serialized
// back to the guest.
type ResponseHook func(resp *httptypes.Response) error

// DefaultConfiguration returns the spec §6 defaults.
func DefaultConfiguration() Configuration {
	return Configuration{
		MTU:               1500,
		GuestIP:           "10.0.2.15",
		GatewayIP:         "10.0.2.2",
		DNSIP:             "10.0.2.3",
		SubnetMask:        "255.255.255.0",
		GatewayMacAddress: "5a:94:ef:e4:0c:dd",
		LeaseTime:         time.Hour,
		MaxFlows:          1024,
		LeafCacheCap:      256,
		Policy: PolicyConfig{
			BlockInternalRanges: true,
		},
	}
}
