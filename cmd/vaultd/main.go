// Command vaultd runs one stakeholder's vault engine: it watches a
// bitcoind node for new deposits, signs and exchanges the revocation
// transactions every vault needs, and serves a status websocket and a
// Prometheus /metrics endpoint for the operator.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/csknk/revault-go/chainrpc"
	"github.com/csknk/revault-go/config"
	"github.com/csknk/revault-go/cosigner"
	"github.com/csknk/revault-go/keyring"
	"github.com/csknk/revault-go/log"
	"github.com/csknk/revault-go/sigserver"
	"github.com/csknk/revault-go/statushub"
	"github.com/csknk/revault-go/vaultdb"
	"github.com/csknk/revault-go/vaultengine"
	"github.com/csknk/revault-go/vaultmetrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "[vaultd] %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	log.InitLogging(cfg.DebugLevel)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	keychain, err := keyring.New(cfg.NetParams(), cfg.XpubArray(), cfg.OurXpriv, cfg.OurSlot-1)
	if err != nil {
		return fmt.Errorf("building keychain: %w", err)
	}

	emergencyPubkeys, err := keyring.DeriveEmergencyPubKeys(cfg.EmergencyXpubArray())
	if err != nil {
		return fmt.Errorf("deriving emergency pubkeys: %w", err)
	}

	chainClient, err := chainrpc.New(chainrpc.Config{
		Host:       cfg.RPCHost,
		User:       cfg.RPCUser,
		Pass:       cfg.RPCPass,
		DisableTLS: cfg.RPCDisableTLS,
	})
	if err != nil {
		return fmt.Errorf("dialing node: %w", err)
	}
	defer chainClient.Shutdown()

	db, err := vaultdb.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening vault store: %w", err)
	}
	defer db.Close()

	hub := statushub.New()
	go hub.Run()
	defer hub.Stop()

	registry := prometheus.NewRegistry()
	metrics := vaultmetrics.NewMetrics(registry)

	engine, err := vaultengine.New(vaultengine.Config{
		Keychain:           keychain,
		ChainRPC:           chainClient,
		SigServer:          sigserver.New(cfg.SigServerURL),
		Cosigner:           cosigner.New(cfg.CosignerURL),
		DB:                 db,
		EmergencyPubkeys:   emergencyPubkeys,
		AckedAddresses:     ackedAddressSet(cfg.AckedAddresses),
		FundsPollInterval:  cfg.FundsPollInterval,
		SpendsPollInterval: cfg.SpendsPollInterval,
		WatchWindow:        cfg.WatchWindow,
		RefillThreshold:    cfg.RefillThreshold,
		StartIndex:         cfg.StartIndex,
		WalletBirthday:     cfg.WalletBirthday,
		BumpConfTarget:     cfg.FeeBumpConfTarget,
		Metrics:            metrics,
		Hub:                hub,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	if err := engine.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer engine.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/status/ws", hub.Subscribe)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: cfg.RPCListen, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "[vaultd] status server: %v\n", err)
		}
	}()
	defer httpServer.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	return nil
}

func ackedAddressSet(addrs []string) map[string]bool {
	set := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		set[addr] = true
	}
	return set
}
