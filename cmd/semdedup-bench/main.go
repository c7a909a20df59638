// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command semdedup-bench is an operator-facing CLI for exercising and
// inspecting the deduplication core outside of a calling service:
//
//	semdedup-bench run           loads a symbol fixture batch and runs find_duplicates twice
//	semdedup-bench bloom-stats   opens (or seeds) a persisted bloom filter ledger and reports its stats
//	semdedup-bench cache-inspect opens an existing persistence BadgerDB dir and prints row counts
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/AleutianAI/semdedup/bloom"
	"github.com/AleutianAI/semdedup/cache"
	"github.com/AleutianAI/semdedup/dedup"
	"github.com/AleutianAI/semdedup/persistence"
	"github.com/AleutianAI/semdedup/semdedupconfig"
	"github.com/AleutianAI/semdedup/similarity"
	"github.com/AleutianAI/semdedup/symbol"
)

func main() {
	root := &cobra.Command{
		Use:   "semdedup-bench",
		Short: "Exercise and inspect the semantic deduplication core",
	}
	root.AddCommand(newRunCmd(), newBloomStatsCmd(), newCacheInspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "semdedup-bench: %v\n", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var symbolsDir string
	var count int
	var duplicateRate float64
	var seed int64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a symbol batch and run find_duplicates twice, showing cold vs. cached timing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := semdedupconfig.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			engine := dedup.New(
				dedup.Config{
					GroupConfidenceFloor:   cfg.GroupConfidenceFloor,
					SimilarityThreshold:    cfg.SimilarityThreshold,
					AutoMergeConfidence:    cfg.AutoMergeConfidence,
					ManualReviewConfidence: cfg.ManualReviewConfidence,
				},
				similarity.New(),
				bloom.New(cfg.BloomExpectedInsertions, cfg.BloomOptions()...),
				cache.NewMultiCache(cfg.CacheSizes),
			)

			var symbols []*symbol.Symbol
			if symbolsDir != "" {
				symbols, err = loadSymbolFixtures(symbolsDir)
				if err != nil {
					return fmt.Errorf("load symbol fixtures from %s: %w", symbolsDir, err)
				}
			} else {
				symbols = syntheticSymbols(count, duplicateRate, seed)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			coldStart := time.Now()
			groups, err := engine.FindDuplicates(ctx, symbols)
			coldElapsed := time.Since(coldStart)
			if err != nil {
				return fmt.Errorf("find_duplicates (cold): %w", err)
			}

			warmStart := time.Now()
			_, err = engine.FindDuplicates(ctx, symbols)
			warmElapsed := time.Since(warmStart)
			if err != nil {
				return fmt.Errorf("find_duplicates (cached): %w", err)
			}

			stats := engine.Stats()
			fmt.Printf("symbols:            %d\n", len(symbols))
			fmt.Printf("duplicate groups:   %d\n", len(groups))
			fmt.Printf("cold run elapsed:   %s\n", coldElapsed)
			fmt.Printf("cached run elapsed: %s\n", warmElapsed)
			fmt.Printf("batches processed:  %d\n", stats.BatchesProcessed)
			fmt.Printf("degraded batches:   %d\n", stats.DegradedBatches)

			for i, g := range groups {
				fmt.Printf("  group[%d] primary=%s members=%d confidence=%.3f strategy=%s\n",
					i, g.Primary.ID, len(g.Duplicates)+1, g.GroupConfidence, g.Strategy)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&symbolsDir, "symbols", "", "directory of symbol.Symbol JSON fixtures to load (one symbol per .json file)")
	cmd.Flags().IntVar(&count, "count", 500, "number of synthetic symbols to generate when --symbols is not given")
	cmd.Flags().Float64Var(&duplicateRate, "duplicate-rate", 0.1, "fraction of synthetic symbols generated as a near-duplicate of an earlier one")
	cmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed for synthetic generation, for reproducible runs")
	return cmd
}

// loadSymbolFixtures reads every *.json file directly under dir and decodes
// each as a single symbol.Symbol.
func loadSymbolFixtures(dir string) ([]*symbol.Symbol, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var symbols []*symbol.Symbol
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		var s symbol.Symbol
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Name(), err)
		}
		symbols = append(symbols, &s)
	}
	return symbols, nil
}

func newBloomStatsCmd() *cobra.Command {
	var dbPath string
	var expectedInsertions int
	var targetFPR float64
	var seedInsertions int
	var seed int64

	cmd := &cobra.Command{
		Use:   "bloom-stats",
		Short: "Open a persisted bloom filter ledger (seeding one if absent) and report its sizing stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				return fmt.Errorf("--db is required")
			}

			var filter *bloom.Filter
			if _, err := os.Stat(dbPath); err == nil {
				filter, err = bloom.LoadLedgerFile(dbPath, expectedInsertions, bloom.WithTargetFPR(targetFPR))
				if err != nil {
					return fmt.Errorf("load bloom ledger from %s: %w", dbPath, err)
				}
				fmt.Printf("loaded existing ledger: %s\n", dbPath)
			} else {
				filter = bloom.New(expectedInsertions, bloom.WithTargetFPR(targetFPR))

				rng := rand.New(rand.NewSource(seed))
				for i := 0; i < seedInsertions; i++ {
					a := fmt.Sprintf("sym-%d", rng.Intn(seedInsertions*2+1))
					b := fmt.Sprintf("sym-%d", rng.Intn(seedInsertions*2+1))
					if err := filter.Insert(a, b); err != nil {
						fmt.Printf("insert %d/%d: %v (continuing)\n", i+1, seedInsertions, err)
					}
				}

				if err := filter.SaveLedger(dbPath); err != nil {
					return fmt.Errorf("save bloom ledger to %s: %w", dbPath, err)
				}
				fmt.Printf("seeded new ledger:   %s\n", dbPath)
			}

			s := filter.Stats()
			fmt.Printf("capacity (bits):    %d\n", s.Capacity)
			fmt.Printf("insertions:         %d\n", s.Insertions)
			fmt.Printf("load factor:        %.4f\n", s.LoadFactor)
			fmt.Printf("estimated fpr:      %.6f\n", s.MeasuredFPR)
			fmt.Printf("k (hash probes):    %d\n", s.K)
			fmt.Printf("resizes:            %d\n", s.Resizes)
			fmt.Printf("avg insert time:    %s\n", s.AvgInsertionTime)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to a persisted bloom filter ledger file (required); seeded on first use")
	cmd.Flags().IntVar(&expectedInsertions, "expected-insertions", 10000, "expected insertion count used to size the filter")
	cmd.Flags().Float64Var(&targetFPR, "target-fpr", 0.01, "target false-positive rate")
	cmd.Flags().IntVar(&seedInsertions, "seed-insertions", 10000, "number of synthetic pairs to insert when seeding a new ledger")
	cmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed for synthetic seeding, for reproducible runs")
	return cmd
}

func newCacheInspectCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "cache-inspect",
		Short: "Open an existing persistence BadgerDB directory and print per-cache_type row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				return fmt.Errorf("--db is required")
			}
			if _, err := os.Stat(dbPath); os.IsNotExist(err) {
				fmt.Println("Cache directory does not exist; nothing has been persisted yet.")
				return nil
			}

			store, err := persistence.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open persistence store at %s: %w", dbPath, err)
			}
			defer func() { _ = store.Close() }()

			s := store.Stats()
			fmt.Printf("path:               %s\n", dbPath)
			fmt.Printf("similarity rows:    %d\n", s.SimilarityRows)
			fmt.Printf("group rows:         %d\n", s.GroupRows)
			fmt.Printf("last cleanup count: %d\n", s.LastCleanupN)
			if s.LastPersistErr != nil {
				fmt.Printf("last error:         %v\n", s.LastPersistErr)
			} else {
				fmt.Printf("last error:         none\n")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the persistence BadgerDB directory (required)")
	return cmd
}

// syntheticSymbols builds count symbols, a fraction (duplicateRate) of which
// are near-duplicates of an earlier symbol in the batch — the same name,
// signature and file under a new ID, with the line range shifted by one,
// so the name/signature/context channels all carry a strong signal
// without the records being byte-identical.
// Used as a convenience fallback when --symbols is not given.
func syntheticSymbols(count int, duplicateRate float64, seed int64) []*symbol.Symbol {
	rng := rand.New(rand.NewSource(seed))
	verbs := []string{"Get", "Fetch", "Load", "Find", "Resolve"}
	nouns := []string{"User", "Order", "Invoice", "Session", "Account", "Payment"}

	symbols := make([]*symbol.Symbol, 0, count)
	for i := 0; i < count; i++ {
		if i > 0 && rng.Float64() < duplicateRate {
			base := symbols[rng.Intn(len(symbols))]
			dup := &symbol.Symbol{
				ID:             fmt.Sprintf("sym-%d", i),
				Name:           base.Name,
				NormalizedName: base.NormalizedName,
				Signature:      base.Signature,
				Language:       base.Language,
				FilePath:       base.FilePath,
				StartLine:      base.StartLine + 1,
				EndLine:        base.EndLine + 1,
				SemanticHash:   base.SemanticHash,
			}
			symbols = append(symbols, dup)
			continue
		}

		name := verbs[rng.Intn(len(verbs))] + nouns[rng.Intn(len(nouns))] + "ByID"
		symbols = append(symbols, &symbol.Symbol{
			ID:             fmt.Sprintf("sym-%d", i),
			Name:           name,
			NormalizedName: symbol.NormalizeName(name),
			Signature:      "(id int) User",
			Language:       symbol.LanguageGo,
			FilePath:       fmt.Sprintf("pkg/gen%d.go", i%20),
			StartLine:      1,
			EndLine:        10,
			SemanticHash:   fmt.Sprintf("hash-%d", i),
		})
	}
	return symbols
}
