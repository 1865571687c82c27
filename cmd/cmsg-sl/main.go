// cmsg-sl is the CMSG service-listener daemon: a registry of live
// servers and subscribed listeners, reachable over a UNIX socket, that
// tells listeners when a server in their service comes up or goes away
// and cleans up entries itself when the owning process dies.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alliedtelesis/cmsg-go/internal/processwatch"
	"github.com/alliedtelesis/cmsg-go/internal/remotesync"
	"github.com/alliedtelesis/cmsg-go/internal/servicelistener"
	"github.com/alliedtelesis/cmsg-go/internal/server"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
	log "github.com/alliedtelesis/cmsg-go/pkg/cmsglog"
)

const (
	adminSocketPath = "/tmp/cmsg-service-listener"
	debugDumpPath   = "/tmp/cmsg_sld_debug.txt"
	debugRingSize   = 256
)

var (
	fRunfile = flag.String("r", "", "path to touch on successful startup")
	fLocal   = flag.String("local", "", "host:port this node advertises to peers, enables remote sync")
	fPeers   = flag.String("peers", "", "comma-separated host:port list of remote-sync peers to dial at startup")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	log.AddLogger("stderr", newStderrSink(), log.INFO)
	ring := log.NewRing(debugRingSize)
	log.AddLogger("ring", ring, log.DEBUG)

	daemon := servicelistener.NewDaemon()

	attachment := processwatch.Attach(daemon)
	defer attachment.Close()

	adminDesc := transport.Descriptor{Kind: transport.KindUnix, UnixPath: adminSocketPath}
	adminTransport, err := transport.New(adminDesc)
	if err != nil {
		log.Fatal("sl: admin transport: %v", err)
	}

	srv := server.New(servicelistener.AdminServiceDescriptor(), daemon.Handlers())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Listen(ctx, adminTransport); err != nil {
		log.Fatal("sl: listen on %s: %v", adminDesc.ID(), err)
	}
	log.Info("sl: admin socket listening on %s", adminDesc.ID())

	if *fLocal != "" {
		localAddr, err := parseHostPort(*fLocal)
		if err != nil {
			log.Fatal("sl: -local: %v", err)
		}

		syncer := remotesync.NewSyncer(daemon, localAddr)
		syncTransport, err := transport.New(localAddr)
		if err != nil {
			log.Fatal("sl: remote-sync transport: %v", err)
		}
		if err := syncer.Listen(ctx, syncTransport); err != nil {
			log.Fatal("sl: remote-sync listen on %s: %v", localAddr.ID(), err)
		}
		log.Info("sl: remote-sync listening on %s", localAddr.ID())

		for _, peer := range splitPeers(*fPeers) {
			peerAddr, err := parseHostPort(peer)
			if err != nil {
				log.Fatal("sl: -peers: %v", err)
			}
			if err := syncer.AddHost(ctx, peerAddr); err != nil {
				log.Error("sl: add_host %s: %v", peerAddr.ID(), err)
			}
		}
	}

	if *fRunfile != "" {
		f, err := os.Create(*fRunfile)
		if err != nil {
			log.Fatal("sl: runfile: %v", err)
		}
		f.Close()
	}

	sig := make(chan os.Signal, 16)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	for s := range sig {
		switch s {
		case syscall.SIGUSR1:
			dumpDebug(ring, daemon)
		default:
			log.Info("sl: shutting down on %v", s)
			srv.Shutdown()
			return
		}
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-r runfile] [-local host:port] [-peers host:port,...]\n", os.Args[0])
	flag.PrintDefaults()
}

func dumpDebug(ring *log.Ring, daemon *servicelistener.Daemon) {
	f, err := os.Create(debugDumpPath)
	if err != nil {
		log.Error("sl: debug dump: %v", err)
		return
	}
	defer f.Close()

	for service, entry := range daemon.Registry().Dump() {
		fmt.Fprintf(f, "service %s: %d servers, %d listeners\n", service, len(entry.Servers), len(entry.Listeners))
		for _, s := range entry.Servers {
			fmt.Fprintf(f, "  server %s pid=%d remote=%v\n", s.Desc.ID(), s.PID, s.Remote)
		}
		for _, l := range entry.Listeners {
			fmt.Fprintf(f, "  listener %s id=%s\n", l.Desc.ID(), l.ID)
		}
	}

	fmt.Fprintln(f, "--- recent log ---")
	for _, line := range ring.Dump() {
		fmt.Fprintln(f, line)
	}
}

func splitPeers(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseHostPort(s string) (transport.Descriptor, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return transport.Descriptor{}, fmt.Errorf("%q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return transport.Descriptor{}, fmt.Errorf("%q: bad port: %w", s, err)
	}
	return transport.Descriptor{Kind: transport.KindTCP4, TCPAddr: host, TCPPort: port}, nil
}

type stderrSink struct{}

func newStderrSink() stderrSink { return stderrSink{} }

func (stderrSink) Println(v ...interface{}) {
	fmt.Fprintln(os.Stderr, v...)
}
