// Command vnetd runs the virtual network core against a single QEMU guest
// connection, in the style of the teacher's cmd/gvproxy: flag-driven
// control endpoint, YAML network/policy config, signal handling, and a
// debug stats goroutine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ozanturksever/gondolin/pkg/transport"
	"github.com/ozanturksever/gondolin/pkg/types"
	"github.com/ozanturksever/gondolin/pkg/vnet"
)

var (
	debug      bool
	endpoint   string
	configPath string
)

func main() {
	flag.BoolVar(&debug, "debug", false, "print debug info")
	flag.StringVar(&endpoint, "listen", transport.DefaultEndpoint, "control endpoint (vsock:// or unix://)")
	flag.StringVar(&configPath, "config", "", "path to a YAML network/policy config file")
	flag.Parse()

	if debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfiguration(configPath)
	if err != nil {
		exitWithError(err)
	}
	cfg.Debug = debug

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-sigChan:
			cancel()
			return errors.New("signal caught")
		case <-ctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		return run(ctx, g, cfg)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("vnetd exiting: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, g *errgroup.Group, cfg types.Configuration) error {
	ln, err := transport.Listen(endpoint)
	if err != nil {
		return errors.Wrap(err, "vnetd: listen")
	}
	log.Infof("vnetd: listening on %s", endpoint)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "vnetd: accept")
		}

		g.Go(func() error {
			n, err := vnet.New(cfg, conn, log.StandardLogger())
			if err != nil {
				log.WithError(err).Error("vnetd: build network")
				return nil
			}
			if cfg.Debug {
				g.Go(func() error { return logStats(ctx, n) })
			}
			if err := n.Run(ctx); err != nil {
				log.WithError(err).Warn("vnetd: guest link ended")
			}
			return nil
		})
	}
}

func logStats(ctx context.Context, n *vnet.Network) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			log.Debugf("%s sent to the VM, %s received from the VM",
				humanize.Bytes(n.BytesSent()), humanize.Bytes(n.BytesReceived()))
		}
	}
}

// fileConfiguration is the YAML-serializable subset of types.Configuration;
// hooks are never expressible in a config file and stay nil.
type fileConfiguration struct {
	MTU               int               `yaml:"mtu"`
	GuestIP           string            `yaml:"guestIP"`
	GatewayIP         string            `yaml:"gatewayIP"`
	DNSIP             string            `yaml:"dnsIP"`
	SubnetMask        string            `yaml:"subnetMask"`
	GatewayMacAddress string            `yaml:"gatewayMacAddress"`
	LeaseTime         time.Duration     `yaml:"leaseTime"`
	MitmDir           string            `yaml:"mitmDir"`
	MaxFlows          int               `yaml:"maxFlows"`
	LeafCacheCap      int               `yaml:"leafCacheCap"`
	Policy            filePolicyConfig  `yaml:"policy"`
	CaptureFile       string            `yaml:"captureFile"`
}

type filePolicyConfig struct {
	AllowedHosts        []string                    `yaml:"allowedHosts"`
	BlockInternalRanges bool                        `yaml:"blockInternalRanges"`
	Secrets             map[string]fileSecretConfig `yaml:"secrets"`
	HTTPPorts           []int                       `yaml:"httpPorts"`
	TLSPorts            []int                       `yaml:"tlsPorts"`
}

type fileSecretConfig struct {
	Hosts []string `yaml:"hosts"`
	Value string   `yaml:"value"`
}

func loadConfiguration(path string) (types.Configuration, error) {
	cfg := types.DefaultConfiguration()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "vnetd: read config file")
	}
	var fc fileConfiguration
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, errors.Wrap(err, "vnetd: parse config file")
	}

	if fc.MTU != 0 {
		cfg.MTU = fc.MTU
	}
	if fc.GuestIP != "" {
		cfg.GuestIP = fc.GuestIP
	}
	if fc.GatewayIP != "" {
		cfg.GatewayIP = fc.GatewayIP
	}
	if fc.DNSIP != "" {
		cfg.DNSIP = fc.DNSIP
	}
	if fc.SubnetMask != "" {
		cfg.SubnetMask = fc.SubnetMask
	}
	if fc.GatewayMacAddress != "" {
		cfg.GatewayMacAddress = fc.GatewayMacAddress
	}
	if fc.LeaseTime != 0 {
		cfg.LeaseTime = fc.LeaseTime
	}
	if fc.MitmDir != "" {
		cfg.MitmDir = fc.MitmDir
	}
	if fc.MaxFlows != 0 {
		cfg.MaxFlows = fc.MaxFlows
	}
	if fc.LeafCacheCap != 0 {
		cfg.LeafCacheCap = fc.LeafCacheCap
	}
	if fc.CaptureFile != "" {
		cfg.CaptureFile = fc.CaptureFile
	}

	cfg.Policy.AllowedHosts = fc.Policy.AllowedHosts
	cfg.Policy.BlockInternalRanges = fc.Policy.BlockInternalRanges
	cfg.Policy.PortsAllowed = types.PortsAllowed{HTTP: fc.Policy.HTTPPorts, TLS: fc.Policy.TLSPorts}
	if len(fc.Policy.Secrets) > 0 {
		cfg.Policy.Secrets = make(map[string]types.SecretConfig, len(fc.Policy.Secrets))
		for name, sc := range fc.Policy.Secrets {
			cfg.Policy.Secrets[name] = types.SecretConfig{Hosts: sc.Hosts, Value: sc.Value}
		}
	}

	return cfg, nil
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
