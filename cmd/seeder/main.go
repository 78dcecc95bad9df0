// Command seeder shares one or more files over a swift-style UDP swarm.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/swiftp2p/swarmd/internal/catalog"
	"github.com/swiftp2p/swarmd/internal/config"
	"github.com/swiftp2p/swarmd/internal/events"
	"github.com/swiftp2p/swarmd/internal/observability"
	"github.com/swiftp2p/swarmd/internal/seeder"
)

func main() {
	listenAddr := flag.String("listen", ":7777", "UDP listen address")
	sharePath := flag.String("share", "", "File or directory to seed")
	chunkSize := flag.Uint("chunk-size", 1024, "Chunk size in bytes")
	fecK := flag.Int("fec-k", 0, "FEC data shards per group (0 disables FEC)")
	fecR := flag.Int("fec-r", 0, "FEC parity shards per group")
	metricsAddr := flag.String("metrics", "", "Prometheus/health HTTP listen address, e.g. :9100 (empty disables)")
	flag.Parse()

	if *sharePath == "" {
		fmt.Fprintln(os.Stderr, "Usage: seeder -share <path> [-listen :7777] [-chunk-size 1024] [-fec-k N -fec-r N]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if shutdown, err := observability.InitTracing(context.Background(), "swarmd-seeder"); err == nil {
		defer shutdown(context.Background())
	}

	logger := observability.NewLogger("swarmd-seeder", "dev", os.Stdout)
	metrics := observability.NewMetrics()
	pub := events.NewPublisher(100)

	cfg := config.DefaultConfig()
	cfg.ListenAddress = *listenAddr
	cfg.ChunkSize = uint32(*chunkSize)

	sess, err := seeder.New(cfg, logger, metrics, pub)
	if err != nil {
		logger.Fatal(err, "failed to start seeder")
	}

	var fec *catalog.FECProfile
	if *fecK > 0 {
		fec = &catalog.FECProfile{K: *fecK, R: *fecR}
	}
	if err := sess.AddFileOrDirectory(*sharePath, fec); err != nil {
		logger.Fatal(err, "failed to add share path")
	}

	if *metricsAddr != "" {
		hc := observability.NewHealthChecker("dev")
		hc.RegisterCheck("udp_listener", observability.UDPListenerCheck(*listenAddr))
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", hc.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error(err, "metrics server exited")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		sess.Close()
	}()

	logger.Info(fmt.Sprintf("seeding %s on %s", *sharePath, *listenAddr))
	if err := sess.Run(); err != nil {
		logger.Fatal(err, "seeder exited with error")
	}
}
