package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"stays/config"
	"stays/core"
	"stays/crypto"
	"stays/gateway"
	"stays/native/deal"
	"stays/observability/logging"
	"stays/rpc"
	"stays/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("staysd", cfg.Environment, cfg.LogPath)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "deals"))
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	deployer, err := resolveAddress(cfg.Deployer)
	if err != nil {
		logger.Error("resolve deployer address", "error", err)
		os.Exit(1)
	}
	var treasury [20]byte
	if cfg.Treasury != "" {
		if treasury, err = resolveAddress(cfg.Treasury); err != nil {
			logger.Error("resolve treasury address", "error", err)
			os.Exit(1)
		}
	}

	line := core.LineID(cfg.Line)
	domain := deal.Domain{
		Name:     cfg.DomainName,
		Version:  cfg.DomainVersion,
		ChainID:  cfg.ChainID,
		Contract: registryIdentity(cfg.Line),
	}

	node, err := core.NewNode(db, domain, line, deployer, treasury, cfg.FeeBps, logger)
	if err != nil {
		logger.Error("construct node", "error", err)
		os.Exit(1)
	}

	rpcService := rpc.NewServer(node)
	rpcService.SetRateLimit(cfg.RPCRateLimit)
	rpcServer := &http.Server{
		Addr:    cfg.RPCAddress,
		Handler: rpcService.Handler(),
	}
	gatewayServer := &http.Server{
		Addr:    cfg.GatewayAddress,
		Handler: gateway.NewServer(node, cfg.JWTSecret, logger).Handler(),
	}

	go func() {
		logger.Info("rpc listening", "address", cfg.RPCAddress)
		if err := rpcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("rpc listen", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		logger.Info("gateway listening", "address", cfg.GatewayAddress)
		if err := gatewayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rpcServer.Shutdown(ctx); err != nil {
		logger.Error("rpc shutdown", "error", err)
	}
	if err := gatewayServer.Shutdown(ctx); err != nil {
		logger.Error("gateway shutdown", "error", err)
	}
}

// registryIdentity derives the verifying-contract identity folded into the
// signing domain from the line name, so each line deployment gets a distinct
// signature domain.
func registryIdentity(line string) [20]byte {
	digest := ethcrypto.Keccak256([]byte("registry:" + line))
	var out [20]byte
	copy(out[:], digest[12:])
	return out
}

func resolveAddress(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Raw(), nil
}
