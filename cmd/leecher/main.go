// Command leecher fetches one file from a swift-style UDP seeder.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/swiftp2p/swarmd/internal/config"
	"github.com/swiftp2p/swarmd/internal/events"
	"github.com/swiftp2p/swarmd/internal/leecher"
	"github.com/swiftp2p/swarmd/internal/merkle"
	"github.com/swiftp2p/swarmd/internal/observability"
)

func main() {
	seederAddr := flag.String("seeder", "", "Seeder UDP address, e.g. 127.0.0.1:7777")
	rootHex := flag.String("root", "", "Hex-encoded 20-byte Merkle root of the content to fetch")
	out := flag.String("out", "", "Output file path")
	flag.Parse()

	if *seederAddr == "" || *rootHex == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "Usage: leecher -seeder host:port -root <hex sha1> -out <path>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	rootBytes, err := hex.DecodeString(*rootHex)
	if err != nil || len(rootBytes) != merkle.HashSize {
		fmt.Fprintf(os.Stderr, "invalid -root: must be %d hex-encoded bytes\n", merkle.HashSize)
		os.Exit(1)
	}
	var root merkle.Hash
	copy(root[:], rootBytes)

	addr, err := net.ResolveUDPAddr("udp", *seederAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -seeder address: %v\n", err)
		os.Exit(1)
	}

	if shutdown, err := observability.InitTracing(context.Background(), "swarmd-leecher"); err == nil {
		defer shutdown(context.Background())
	}

	logger := observability.NewLogger("swarmd-leecher", "dev", os.Stdout)
	metrics := observability.NewMetrics()
	pub := events.NewPublisher(100)
	cfg := config.DefaultConfig()

	sess, err := leecher.New(cfg, addr, root, logger, metrics, pub)
	if err != nil {
		logger.Fatal(err, "handshake failed")
	}
	defer sess.Close()

	meta := sess.GetMetadata()
	logger.Info(fmt.Sprintf("fetching %s (%d bytes, %d chunks)", meta.FileName, meta.FileSize, meta.NumChunks))

	f, err := os.Create(*out)
	if err != nil {
		logger.Fatal(err, "failed to create output file")
	}
	defer f.Close()
	if err := f.Truncate(meta.FileSize); err != nil {
		logger.Fatal(err, "failed to preallocate output file")
	}

	if err := sess.FetchRange(0, meta.NumChunks-1, f); err != nil {
		logger.Fatal(err, "fetch failed")
	}

	logger.Info(fmt.Sprintf("fetched %s successfully", meta.FileName))
}
