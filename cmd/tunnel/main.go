package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"

	"nuha.dev/famtrack/internal/transport/devsrv"
)

// tunnel is the edge relay for device servers running without a public
// address. Start it where devices can reach it and point the device server
// tunnel_addr at -taddr.
func main() {
	eaddr := flag.String("eaddr", ":5555", "address for device connections")
	taddr := flag.String("taddr", ":5556", "address for the device server tunnel")
	secret := flag.String("token", "", "token the device server must present")
	certfile := flag.String("cert", "", "tls certificate file")
	keyfile := flag.String("key", "", "tls key file")
	flag.Parse()
	if *secret == "" {
		log.Fatal().Msg("-token is required")
	}

	cfg := devsrv.RelayConfig{ExternalAddr: *eaddr, TunnelAddr: *taddr, Token: *secret}
	if *certfile != "" || *keyfile != "" {
		cert, err := tls.LoadX509KeyPair(*certfile, *keyfile)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to load certificate")
		}
		cfg.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	relay := devsrv.NewRelay(cfg)
	if err := relay.Listen(); err != nil {
		log.Fatal().Err(err).Msg("unable to listen")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := relay.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("relay stopped")
		os.Exit(1)
	}
}
