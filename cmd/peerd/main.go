// Command peerd runs the peer engine described in spec.md: it loads a
// process configuration, opens or joins a swarm for each descriptor file
// handed to it, and serves/downloads pieces until interrupted.
//
// Grounded on agent/cmd/cmd.go's ParseFlags/App shape in the teacher
// repository, trimmed to this engine's narrower scope (spec.md §1 treats
// the web dashboard, descriptor-creation CLI, and tracker HTTP server as
// external collaborators, so this entrypoint only wires the core engine).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"

	"github.com/nodeswarm/peerd/core"
	"github.com/nodeswarm/peerd/internal/config"
	"github.com/nodeswarm/peerd/internal/engine"
	"github.com/nodeswarm/peerd/utils/log"
)

// flags holds the CLI flags this binary accepts.
type flags struct {
	configFile  string
	peerIP      string
	peerPort    int
	descriptors descriptorFiles
	magnets     descriptorFiles
}

// descriptorFiles collects a repeatable -descriptor/-magnet flag into a
// slice, the same "flag.Value" idiom the teacher's own multi-value flags
// use (e.g. hostlist.List in origin/cmd/cmd.go).
type descriptorFiles []string

func (d *descriptorFiles) String() string { return fmt.Sprintf("%v", []string(*d)) }
func (d *descriptorFiles) Set(v string) error {
	*d = append(*d, v)
	return nil
}

func parseFlags() *flags {
	var f flags
	flag.StringVar(&f.configFile, "config", "", "path to a peerd YAML config file")
	flag.StringVar(&f.peerIP, "peer-ip", "127.0.0.1", "ip this peer announces to the tracker and to other peers")
	flag.IntVar(&f.peerPort, "peer-port", 0, "base TCP port this peer listens on (0 keeps the configured base_port)")
	flag.Var(&f.descriptors, "descriptor", "path to a <name>.torrent.json descriptor file to seed/leech (repeatable)")
	flag.Var(&f.magnets, "magnet", "a magnet:?xt=urn:btih:... URL to join (repeatable)")
	flag.Parse()
	return &f
}

func main() {
	f := parseFlags()

	cfg := config.Default()
	if f.configFile != "" {
		loaded, err := config.Load(f.configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %s\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if f.peerIP != "" {
		cfg.IP = f.peerIP
	}
	if f.peerPort != 0 {
		cfg.BasePort = f.peerPort
	}

	zlog := log.ConfigureLogger(cfg.Logging)
	defer zlog.Sync()

	pctx, err := core.NewPeerContext(cfg.PeerIDFactory, cfg.IP, cfg.BasePort)
	if err != nil {
		zlog.Fatalf("create peer context: %s", err)
	}

	reg := engine.New(cfg, pctx, clock.New(), tally.NoopScope, zlog)
	defer reg.Close()

	for _, path := range f.descriptors {
		if err := addDescriptorFile(reg, path); err != nil {
			zlog.Errorf("Failed to add descriptor %s: %s", path, err)
		}
	}
	for _, magnetURL := range f.magnets {
		if _, err := reg.AddFromMagnet(magnetURL); err != nil {
			zlog.Errorf("Failed to add magnet %s: %s", magnetURL, err)
		}
	}

	zlog.Infof("peerd started, peer id %s, listening from port %d", pctx.PeerID, cfg.BasePort)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	zlog.Info("Shutting down peerd...")
}

func addDescriptorFile(reg *engine.Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read descriptor: %s", err)
	}
	d, err := core.DeserializeDescriptor(data)
	if err != nil {
		return fmt.Errorf("deserialize descriptor: %s", err)
	}
	return reg.AddFromDescriptor(d)
}
