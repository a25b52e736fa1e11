// Command chatmesh runs one site's Chat Node and Exchange Node in a
// single process (spec.md §2 "System overview", §6 "Startup").
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/chatmesh/internal/chatnode"
	"github.com/example/chatmesh/internal/config"
	"github.com/example/chatmesh/internal/creds"
	"github.com/example/chatmesh/internal/exchange"
	"github.com/example/chatmesh/internal/logging"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "server_config.yaml", "path to the site configuration document")
	flag.Parse()

	log := logging.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	store, err := creds.Load(cfg.CredentialsFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load credential store")
	}

	peers := make([]exchange.PeerConfig, 0, len(cfg.RemoteServers))
	for _, p := range cfg.RemoteServers {
		peers = append(peers, exchange.PeerConfig{Name: p.Name, Host: p.Host, Port: p.Port})
	}

	// Leaves-first construction (SPEC_FULL.md §2): presence directory
	// is internal to the Exchange Node, which is built before the Chat
	// Node; the two narrow capability interfaces are then wired
	// together explicitly, resolving the cyclic reference (spec.md §9).
	exchangeNode := exchange.New(cfg.ServerName, cfg.ExchangeServer.Addr(), peers, log)
	chatNode := chatnode.New(cfg.ServerName, cfg.ChatServer.Addr(), store, log)

	chatNode.SetExchange(exchangeNode)
	exchangeNode.SetChat(chatNode)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, peer := range exchangeNode.Peers() {
		go exchangeNode.RunDialer(ctx, peer)
		go exchangeNode.RunLivenessPinger(ctx, peer)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- chatNode.Serve(ctx) }()
	go func() { errCh <- exchangeNode.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("node listener exited")
		}
		cancel()
	}

	<-errCh
}
