// Command loadtest drives paid chat traffic against a running gateway.
// Every turn is a real x402 payment: each worker owns a throwaway dev
// wallet, signs a transfer authorization for the advertised price, and
// dispatches one paid request per turn. The point is to find out how
// the gateway behaves when many payers hammer it at once, replay
// protection included.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentmarket/onechat/internal/client"
	"github.com/agentmarket/onechat/internal/dispatch"
	"github.com/agentmarket/onechat/internal/payment"
	"github.com/agentmarket/onechat/internal/paytoken"
	"github.com/agentmarket/onechat/internal/wallet"
)

func main() {
	_ = godotenv.Load()

	gateway := flag.String("gateway", envOr("ONECHAT_GATEWAY", "http://localhost:8080"), "Gateway base URL")
	network := flag.String("network", envOr("ONECHAT_NETWORK", "cronos-testnet"), "Network the wallets sign payments for")
	agentID := flag.Int64("agent", 0, "Marketplace agent to execute (0 = plain chat)")
	turns := flag.Int("turns", 1000, "Number of paid turns to run")
	payers := flag.Int("payers", 100, "Number of concurrent payers")
	report := flag.Duration("report", 5*time.Second, "Progress reporting interval")
	flag.Parse()

	decimals := 6
	if v := os.Getenv("ONECHAT_ASSET_DECIMALS"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			slog.Error("invalid ONECHAT_ASSET_DECIMALS", "error", err)
			os.Exit(1)
		}
		decimals = d
	}

	slog.Info("🚀 Starting OneChat paid traffic load test",
		"gateway", *gateway, "turns", *turns, "payers", *payers)

	t, err := run(*gateway, *network, *agentID, *turns, *payers, decimals, *report)
	if err != nil {
		slog.Error("load test aborted", "error", err)
		os.Exit(1)
	}
	t.print()
}

func run(gateway, network string, agentID int64, turns, payers, decimals int, report time.Duration) (*tally, error) {
	api := client.New(gateway, 30*time.Second)

	actionKey := client.ActionChat
	if agentID > 0 {
		actionKey = client.AgentActionKey(agentID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One requirements fetch up front tells us the advertised price all
	// workers will pay.
	reqCtx, reqCancel := context.WithTimeout(ctx, 10*time.Second)
	req, err := api.Requirements(reqCtx, actionKey)
	reqCancel()
	if err != nil {
		return nil, fmt.Errorf("fetch payment requirements: %w", err)
	}
	units, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("gateway advertised a bad amount %q", req.Amount)
	}
	price := payment.FormatAmount(units, decimals)
	slog.Info("Price per turn", "price", price, "network", req.Network)

	// Per-turn dispatch logs would drown the progress report.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	t := newTally()
	go t.progressLoop(ctx, report)

	// Workers pull turn numbers from a shared counter until the budget
	// is spent. Each worker is its own payer, with a fresh wallet and
	// token store, so replay protection sees distinct payers.
	var next atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for p := 0; p < payers; p++ {
		w, err := wallet.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate payer wallet: %w", err)
		}
		provider := payment.NewWalletProvider(w, network)
		acquirer := payment.NewAcquirer(provider, api, decimals)
		disp := dispatch.NewDispatcher(actionKey, price, paytoken.NewStore(), acquirer, api, quiet)

		wg.Add(1)
		go func(payer int, disp *dispatch.Dispatcher) {
			defer wg.Done()
			for {
				turn := next.Add(1)
				if turn > int64(turns) {
					return
				}
				input := fmt.Sprintf("load turn %d from payer %d", turn, payer)
				began := time.Now()
				_, err := disp.Dispatch(ctx, input)
				t.record(time.Since(began), err)
			}
		}(p, disp)
	}

	wg.Wait()
	t.elapsed = time.Since(start)
	return t, nil
}

// tally collects per-turn outcomes across all payers.
type tally struct {
	mu        sync.Mutex
	ok        int
	rejected  int
	failed    int
	latencies []time.Duration
	elapsed   time.Duration
}

func newTally() *tally {
	return &tally{}
}

func (t *tally) record(latency time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latencies = append(t.latencies, latency)

	var rejected *dispatch.PaymentRequiredError
	switch {
	case err == nil:
		t.ok++
	case errors.As(err, &rejected):
		// The gateway refused a real signed payment. Under load that
		// usually means replay protection or verification misfired.
		t.rejected++
	default:
		t.failed++
	}
}

func (t *tally) counts() (ok, rejected, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ok, t.rejected, t.failed
}

func (t *tally) progressLoop(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			ok, rejected, failed := t.counts()
			slog.Info("Progress", "done", ok+rejected+failed, "ok", ok, "rejected", rejected, "failed", failed)
		case <-ctx.Done():
			return
		}
	}
}

// print writes the final report. Only called after all workers have
// stopped, so the fields are read without the lock.
func (t *tally) print() {
	total := t.ok + t.rejected + t.failed
	if total == 0 {
		fmt.Println("no turns completed")
		return
	}
	sort.Slice(t.latencies, func(i, j int) bool { return t.latencies[i] < t.latencies[j] })

	var sum time.Duration
	for _, d := range t.latencies {
		sum += d
	}
	rate := float64(total) / t.elapsed.Seconds()

	rule := strings.Repeat("=", 72)
	fmt.Println("\n" + rule)
	fmt.Println("📊 Paid traffic results")
	fmt.Println(rule)
	fmt.Printf("turns     %d\n", total)
	fmt.Printf("ok        %d (%.1f%%)\n", t.ok, share(t.ok, total))
	fmt.Printf("rejected  %d (%.1f%%)\n", t.rejected, share(t.rejected, total))
	fmt.Printf("failed    %d (%.1f%%)\n", t.failed, share(t.failed, total))
	fmt.Printf("elapsed   %v (%.2f turns/sec)\n", t.elapsed.Round(time.Millisecond), rate)
	fmt.Printf("latency   min %v / avg %v / p95 %v / p99 %v / max %v\n",
		t.latencies[0].Round(time.Millisecond),
		(sum / time.Duration(total)).Round(time.Millisecond),
		t.percentile(95).Round(time.Millisecond),
		t.percentile(99).Round(time.Millisecond),
		t.latencies[total-1].Round(time.Millisecond))
	fmt.Println(rule)

	// A paid turn carries an ECDSA signature and two gateway round
	// trips, so the latency bar sits well above a bare HTTP ping.
	gate("throughput above 10 turns/sec", rate > 10)
	gate("p95 latency under 2s", t.percentile(95) < 2*time.Second)
	gate("success rate at least 95%", share(t.ok, total) >= 95)
	fmt.Println(rule)
}

// percentile expects latencies already sorted by print.
func (t *tally) percentile(p int) time.Duration {
	if len(t.latencies) == 0 {
		return 0
	}
	idx := len(t.latencies) * p / 100
	if idx >= len(t.latencies) {
		idx = len(t.latencies) - 1
	}
	return t.latencies[idx]
}

func gate(name string, passed bool) {
	if passed {
		fmt.Println("✅ PASS:", name)
	} else {
		fmt.Println("❌ FAIL:", name)
	}
}

func share(n, total int) float64 {
	return float64(n) / float64(total) * 100
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
