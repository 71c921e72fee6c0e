package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"

	"github.com/agentmarket/onechat/internal/client"
	"github.com/agentmarket/onechat/internal/directory"
	"github.com/agentmarket/onechat/internal/payment"
	"github.com/agentmarket/onechat/internal/registry"
)

var errSkipped = errors.New("not configured")

type check struct {
	Name string
	Run  func(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()

	gateway := envOr("ONECHAT_GATEWAY", "http://localhost:8080")
	api := client.New(gateway, 10*time.Second)

	checks := []check{
		{"Gateway /health", func(ctx context.Context) error { return api.Health(ctx) }},
		{"Chat requirements", func(ctx context.Context) error { return checkRequirements(ctx, api) }},
		{"Agent listings", func(ctx context.Context) error { return checkListings(ctx, api) }},
		{"Chain RPC", checkRPC},
		{"Registry contract", checkRegistry},
		{"Facilitator /health", checkFacilitator},
		{"Supabase directory", checkDirectory},
	}

	fmt.Println("\033[96mOneChat Gateway Pre-Flight Diagnostic\033[0m")
	fmt.Printf("gateway: %s\n", gateway)
	fmt.Println("---------------------------------------------------------")

	failed := 0
	for _, c := range checks {
		fmt.Printf("Checking %-22s ", c.Name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Run(ctx)
		cancel()
		switch {
		case errors.Is(err, errSkipped):
			fmt.Printf("\033[33m[SKIP]\033[0m %v\n", err)
		case err != nil:
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> %v\n", err)
		default:
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: ready for paid traffic.\033[0m")
}

func checkRequirements(ctx context.Context, api *client.Client) error {
	req, err := api.Requirements(ctx, client.ActionChat)
	if err != nil {
		return err
	}
	if _, ok := new(big.Int).SetString(req.Amount, 10); !ok {
		return fmt.Errorf("advertised amount %q is not an integer", req.Amount)
	}
	if req.PayTo == "" || req.Network == "" {
		return fmt.Errorf("requirements missing payTo or network")
	}
	return nil
}

func checkListings(ctx context.Context, api *client.Client) error {
	if _, err := api.ListAgents(ctx); err != nil {
		return err
	}
	return nil
}

func checkRPC(ctx context.Context) error {
	rpcURL := os.Getenv("ONECHAT_RPC_URL")
	if rpcURL == "" {
		return fmt.Errorf("%w: ONECHAT_RPC_URL unset", errSkipped)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return err
	}
	defer eth.Close()
	if _, err := eth.ChainID(ctx); err != nil {
		return err
	}
	return nil
}

func checkRegistry(ctx context.Context) error {
	rpcURL := os.Getenv("ONECHAT_RPC_URL")
	addr := os.Getenv("ONECHAT_REGISTRY_ADDRESS")
	if rpcURL == "" || addr == "" {
		return fmt.Errorf("%w: ONECHAT_RPC_URL or ONECHAT_REGISTRY_ADDRESS unset", errSkipped)
	}
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("registry address %q is not a hex address", addr)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return err
	}
	defer eth.Close()

	reader, err := registry.NewReader(eth, common.HexToAddress(addr))
	if err != nil {
		return err
	}
	next, err := reader.NextAgentID(ctx)
	if err != nil {
		return err
	}
	if next < 1 {
		return fmt.Errorf("nextAgentId returned %d", next)
	}
	return nil
}

func checkFacilitator(ctx context.Context) error {
	fc := payment.NewFacilitatorClient(os.Getenv("ONECHAT_FACILITATOR_URL"), 10*time.Second)
	if fc == nil {
		return fmt.Errorf("%w: ONECHAT_FACILITATOR_URL unset", errSkipped)
	}
	return fc.Health(ctx)
}

func checkDirectory(ctx context.Context) error {
	if os.Getenv("SUPABASE_URL") == "" || os.Getenv("SUPABASE_SERVICE_KEY") == "" {
		return fmt.Errorf("%w: SUPABASE_URL or SUPABASE_SERVICE_KEY unset", errSkipped)
	}
	mirror, err := directory.NewMirror(envOr("ONECHAT_NETWORK", "cronos-testnet"), 6)
	if err != nil {
		return err
	}
	if _, err := mirror.ListAgents(ctx, false, 1); err != nil {
		return err
	}
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
