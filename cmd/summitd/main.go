// Command summitd is the Summit node daemon: it loads configuration and the
// node's long-term identity, wires every application service onto
// daemon/core, exposes the control API, and runs until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	daemoncore "github.com/quantarax/summit/daemon/core"
	"github.com/quantarax/summit/daemon/noisecrypto"
	"github.com/quantarax/summit/daemon/session"
	"github.com/quantarax/summit/internal/apiserver"
	"github.com/quantarax/summit/internal/compute"
	"github.com/quantarax/summit/internal/daemonconfig"
	"github.com/quantarax/summit/internal/filetransfer"
	"github.com/quantarax/summit/internal/identity"
	"github.com/quantarax/summit/internal/messagestore"
	"github.com/quantarax/summit/internal/observability"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to daemon config YAML (defaults built in if empty)")
	flag.Parse()

	logger := observability.NewLogger("summitd", version, os.Stdout)

	cfg, err := daemonconfig.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}

	static, err := identity.LoadOrCreate(keyPathOf(cfg), "")
	if err != nil {
		logger.Fatal(err, "failed to load identity")
	}

	messages, err := messagestore.Open(cfg.MessageStore)
	if err != nil {
		logger.Fatal(err, "failed to open message store")
	}
	defer messages.Close()

	services, schemaIDs := buildServices(cfg)

	c, err := daemoncore.New(daemoncore.Config{
		Interface:     cfg.Interface,
		SessionPort:   cfg.SessionPort,
		ChunkPort:     cfg.ChunkPort,
		Services:      services,
		AutoTrust:     cfg.AutoTrust,
		CacheDir:      cfg.CacheRoot,
		CacheMaxBytes: cfg.CacheMaxBytes,
		Static:        static,
	})
	if err != nil {
		logger.Fatal(err, "failed to build core")
	}

	msgSvc := messagestore.NewService(messages)
	c.RegisterService(schemaIDs["messaging"], msgSvc)

	computeSvc := compute.NewService(c.Send, cfg.OutputDir, 0)
	if hash, ok := schemaIDs["compute"]; ok {
		c.RegisterService(hash, computeSvc)
	}
	defer computeSvc.Close()

	fileSvc := filetransfer.NewService(c.Send, c.Cache, c.Reasm, cfg.OutputDir)
	if hash, ok := schemaIDs["filetransfer"]; ok {
		c.RegisterService(hash, fileSvc)
		c.Recv.SetNACKSink(fileSvc)
	}

	api := apiserver.New(c, messages, version)
	mux := http.NewServeMux()
	api.RegisterHTTP(mux)
	httpServer := &http.Server{Addr: cfg.APIAddress, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("summitd: control API server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info(fmt.Sprintf("summitd starting on interface %s (public key fingerprint %s)", cfg.Interface, fingerprintOf(static)))
	if err := c.Run(ctx); err != nil {
		logger.Error(err, "core run exited with error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("summitd stopped")
}

const httpShutdownGrace = 5 * time.Second

func keyPathOf(cfg *daemonconfig.Config) string {
	if cfg.KeysDirectory == "" {
		return ""
	}
	return cfg.KeysDirectory + "/id_x25519"
}

// buildServices turns the config's enabled service list into daemon/core
// service definitions, returning the schema_id each service name hashed to
// so callers can register the matching dispatch.Service by name.
func buildServices(cfg *daemonconfig.Config) ([]daemoncore.ServiceDef, map[string][32]byte) {
	defs := make([]daemoncore.ServiceDef, 0, len(cfg.Services))
	byName := make(map[string][32]byte, len(cfg.Services))
	for _, sc := range cfg.Services {
		hash := noisecrypto.SchemaHash(sc.Name)
		defs = append(defs, daemoncore.ServiceDef{
			Name:     sc.Name,
			SchemaID: hash,
			Contract: contractOf(sc.Contract),
		})
		byName[sc.Name] = hash
	}
	return defs, byName
}

func contractOf(name string) session.Contract {
	switch strings.ToLower(name) {
	case "realtime":
		return session.ContractRealtime
	case "background":
		return session.ContractBackground
	default:
		return session.ContractBulk
	}
}

func fingerprintOf(kp *noisecrypto.KeyPair) string {
	hash := noisecrypto.ContentHash(kp.PublicKey[:])
	return fmt.Sprintf("%x", hash[:8])
}
