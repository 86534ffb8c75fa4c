// Command backendsim runs a fake flight backend for manual testing of linkd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/backendlink/internal/backendsim"
	"github.com/meshcommons/backendlink/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7000", "listen address")
	ports := flag.String("ports", "simulation", "comma-separated device ports; prefix with ! for incompatible")
	ftpPort := flag.Int("ftp-port", 9000, "announced ftp port")
	every := flag.Duration("announce-every", 0, "push unsolicited announcements at this interval")
	silent := flag.Bool("silent", false, "never answer the handshake")
	muteConnect := flag.Bool("mute-connect", false, "never acknowledge device selection")
	muteHeartbeat := flag.Bool("mute-heartbeat", false, "never answer heartbeat polls")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "backendsim: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	opts := backendsim.Options{
		Announcement: protocol.Announcement{
			ProtocolVersion: protocol.Version,
			FTPPort:         *ftpPort,
			Ports:           parsePorts(*ports),
		},
		Silent:        *silent,
		MuteConnect:   *muteConnect,
		MuteHeartbeat: *muteHeartbeat,
	}
	srv, err := backendsim.Start(*addr, opts, log)
	if err != nil {
		log.Fatal("backendsim: start", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *every > 0 {
		go announceLoop(ctx, srv, *every, log)
	}
	<-ctx.Done()

	if err := srv.Close(); err != nil {
		log.Warn("backendsim: close", zap.Error(err))
	}
	log.Info("backendsim stopped", zap.Int("connections", srv.Accepted()))
}

func parsePorts(s string) []protocol.Port {
	var out []protocol.Port
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, incompatible := strings.CutPrefix(p, "!")
		out = append(out, protocol.Port{ID: id, Compatible: !incompatible})
	}
	return out
}

func announceLoop(ctx context.Context, srv *backendsim.Server, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := srv.Announce(); err != nil {
				log.Debug("backendsim: announce", zap.Error(err))
			}
		}
	}
}
