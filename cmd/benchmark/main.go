// Benchmark tool for Kestrel's ensemble on synthetic AML data.
//
// Usage:
//
//	go run ./cmd/benchmark -transactions 100000 -accounts 10000
//	go run ./cmd/benchmark -url http://localhost:8080
//
// This tool:
//  1. Generates a labeled training set and an independent evaluation set
//  2. Trains a model in-process, or scores against a running server with -url
//  3. Compares alerting tiers with the ground-truth labels
//  4. Prints AUC, precision, recall, F1, the tier distribution and the
//     confusion matrix
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/synth"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Results tracks benchmark outcomes. A record counts as an alert when its
// tier is critical or high.
type Results struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int

	Tiers    map[domain.RiskTier]int
	AUC      float64
	Scored   int
	Duration time.Duration
}

func main() {
	configPath := pflag.StringP("config", "c", "", "kestrel.yaml for detector and ensemble settings")
	baseURL := pflag.String("url", "", "score against a running Kestrel instead of training in-process")
	accounts := pflag.Int("accounts", 2000, "synthetic accounts per dataset")
	transactions := pflag.Int("transactions", 20000, "synthetic transactions per dataset")
	ratio := pflag.Float64("ratio", 0.05, "suspicious ratio")
	seed := pflag.Uint64("seed", 42, "seed for the training set; the evaluation set uses seed+1")
	batchSize := pflag.Int("batch", 2000, "transactions per /score request with -url")
	top := pflag.Int("top", 10, "feature importances to print")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(telemetry.NewLogger(domain.LoggingConfig{Level: "warn", Format: "text"}, os.Stderr))

	fmt.Println("KESTREL BENCHMARK - synthetic AML detection")
	fmt.Printf("\nAccounts:     %d\n", *accounts)
	fmt.Printf("Transactions: %d\n", *transactions)
	fmt.Printf("Suspicious:   %.2f%%\n", *ratio*100)
	fmt.Println()

	anchor := time.Now().UTC()
	scfg := synth.Config{Accounts: *accounts, Transactions: *transactions, SuspiciousRatio: *ratio}
	evalSet, err := synth.NewSeeded(*seed+1, anchor).Generate(scfg)
	if err != nil {
		fmt.Printf("ERROR: generate evaluation set: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var records []domain.ScoreRecord
	start := time.Now()

	if *baseURL != "" {
		fmt.Printf("Scoring against %s\n", *baseURL)
		records, err = scoreRemote(*baseURL, evalSet, *batchSize)
	} else {
		records, err = scoreLocal(ctx, cfg, scfg, *seed, anchor, evalSet, *top)
	}
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	res := tally(records, evalSet.Labels)
	res.Duration = time.Since(start)
	printResults(res)
}

func scoreLocal(ctx context.Context, cfg *domain.Config, scfg synth.Config, seed uint64, anchor time.Time, evalSet *synth.Dataset, top int) ([]domain.ScoreRecord, error) {
	trainSet, err := synth.NewSeeded(seed, anchor).Generate(scfg)
	if err != nil {
		return nil, fmt.Errorf("generate training set: %w", err)
	}

	fmt.Println("Training...")
	trainStart := time.Now()
	model, err := pipeline.Train(ctx, cfg, trainSet.Transactions, trainSet.Accounts, trainSet.Labels)
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	fmt.Printf("Trained %s in %v\n", model.ID, time.Since(trainStart).Round(time.Millisecond))

	if ev := model.Metrics.Ensemble; ev != nil {
		fmt.Printf("Holdout AUC %.4f  precision %.4f  recall %.4f\n", ev.AUC, ev.Precision, ev.Recall)
	}

	if fw := model.FeatureImportance(top); len(fw) > 0 {
		fmt.Println("\nFEATURE IMPORTANCE")
		for i, w := range fw {
			fmt.Printf("  %2d. %-28s %.4f\n", i+1, w.Feature, w.Importance)
		}
	}
	fmt.Println()

	return pipeline.Predict(ctx, evalSet.Transactions, evalSet.Accounts, model)
}

func scoreRemote(baseURL string, evalSet *synth.Dataset, batchSize int) ([]domain.ScoreRecord, error) {
	client := &http.Client{Timeout: 5 * time.Minute}

	resp, err := client.Get(baseURL + "/ready")
	if err != nil {
		return nil, fmt.Errorf("kestrel not reachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kestrel not ready: status %d", resp.StatusCode)
	}

	if batchSize <= 0 {
		batchSize = len(evalSet.Transactions)
	}
	records := make([]domain.ScoreRecord, 0, len(evalSet.Transactions))
	for lo := 0; lo < len(evalSet.Transactions); lo += batchSize {
		hi := min(lo+batchSize, len(evalSet.Transactions))
		// earlier rows ride along as history so velocity windows are complete
		body, err := json.Marshal(api.ScoreRequest{
			History:      evalSet.Transactions[:lo],
			Transactions: evalSet.Transactions[lo:hi],
			Accounts:     evalSet.Accounts,
		})
		if err != nil {
			return nil, err
		}

		resp, err := client.Post(baseURL+"/score", "application/json", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("score batch at %d: %w", lo, err)
		}
		var out domain.ScoreBatchResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("score batch at %d: status %d", lo, resp.StatusCode)
		}
		if err != nil {
			return nil, fmt.Errorf("decode batch at %d: %w", lo, err)
		}
		records = append(records, out.Records...)
		fmt.Printf("  scored %d / %d\n", hi, len(evalSet.Transactions))
	}
	return records, nil
}

func tally(records []domain.ScoreRecord, labels []int) *Results {
	res := &Results{Tiers: ensemble.TierCounts(records), Scored: len(records)}
	scores := make([]float64, len(records))
	for i := range records {
		scores[i] = records[i].Score
		alert := ensemble.ShouldAlert(&records[i])
		switch {
		case alert && labels[i] == 1:
			res.TruePositives++
		case alert:
			res.FalsePositives++
		case labels[i] == 1:
			res.FalseNegatives++
		default:
			res.TrueNegatives++
		}
	}
	res.AUC = detector.AUC(scores, labels[:len(records)])
	return res
}

func printResults(m *Results) {
	fmt.Println("BENCHMARK RESULTS")

	fmt.Printf("\nTIER DISTRIBUTION\n")
	for _, tier := range []domain.RiskTier{domain.TierCritical, domain.TierHigh, domain.TierMedium, domain.TierLow} {
		n := m.Tiers[tier]
		fmt.Printf("   %-9s %8d  (%.2f%%)\n", tier, n, 100*float64(n)/float64(max(m.Scored, 1)))
	}

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   alert     no alert")
	fmt.Printf("   Actual  S    %8d    %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NS    %8d    %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := 0.0
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := 0.0
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   AUC:        %.4f\n", m.AUC)
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were suspicious)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of suspicious, how many alerted)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", m.Duration.Round(time.Millisecond))
	if m.Scored > 0 {
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.Scored)/m.Duration.Seconds())
	}
	fmt.Println()
}
