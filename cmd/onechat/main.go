package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/agentmarket/onechat/internal/client"
	"github.com/agentmarket/onechat/internal/payment"
	"github.com/agentmarket/onechat/internal/paytoken"
	"github.com/agentmarket/onechat/internal/wallet"
)

func main() {
	_ = godotenv.Load()

	var gateway, network string
	var dev bool
	flag.StringVar(&gateway, "gateway", envOr("ONECHAT_GATEWAY", "http://localhost:8080"), "gateway base URL")
	flag.StringVar(&network, "network", envOr("ONECHAT_NETWORK", "cronos-testnet"), "network the wallet signs payments for")
	flag.BoolVar(&dev, "dev", false, "use a throwaway wallet when ONECHAT_WALLET_KEY is unset")
	flag.Parse()

	decimals := 6
	if v := os.Getenv("ONECHAT_ASSET_DECIMALS"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid ONECHAT_ASSET_DECIMALS: %v\n", err)
			os.Exit(1)
		}
		decimals = d
	}

	var signer payment.Signer
	walletAddr := ""
	switch {
	case os.Getenv("ONECHAT_WALLET_KEY") != "":
		w, err := wallet.FromHex(os.Getenv("ONECHAT_WALLET_KEY"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "load wallet: %v\n", err)
			os.Exit(1)
		}
		signer = w
		walletAddr = w.Address()
	case dev:
		w, err := wallet.Generate()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate dev wallet: %v\n", err)
			os.Exit(1)
		}
		signer = w
		walletAddr = w.Address()
	}

	// Dispatcher logs would tear up the alt screen; they go to a file
	// when asked for and nowhere otherwise.
	logWriter := io.Writer(io.Discard)
	if path := os.Getenv("ONECHAT_LOG"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logWriter = f
	}
	logger := slog.New(slog.NewTextHandler(logWriter, nil))

	api := client.New(gateway, 90*time.Second)
	provider := payment.NewWalletProvider(signer, network)
	acquirer := payment.NewAcquirer(provider, api, decimals)

	m := newAppModel(appConfig{
		gateway:    gateway,
		network:    network,
		walletAddr: walletAddr,
		decimals:   decimals,
		client:     api,
		tokens:     paytoken.NewStore(),
		acquirer:   acquirer,
		logger:     logger,
	})

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
