package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const (
	verifyPageSize    = 200
	verifyConcurrency = 8
)

func newRootCmd() *cobra.Command {
	var configFile string
	v := viper.New()
	load := func() (Config, error) { return loadConfig(v, configFile) }

	root := &cobra.Command{
		Use:           "medchain",
		Short:         "Tamper-evident audit ledger for health predictions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API with the live ledger",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return runServe(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the persisted block log offline",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return runValidate(cfg)
			},
		},
		&cobra.Command{
			Use:   "block <digest>",
			Short: "Print a persisted block by its digest",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return runBlock(cfg, args[0])
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Re-verify the fingerprints of every stored prediction record",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return runVerify(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println("medchain", version)
			},
		},
	)
	return root
}

// Execute : main 진입점
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		stop()
		os.Exit(1)
	}
}

////////////////////////////////////////////////////////////////////////////////
// serve
// ----------------------------------------------------------------------------
// 원장은 프로세스당 하나. API 와 라이브 피드가 같은 인스턴스를 공유
////////////////////////////////////////////////////////////////////////////////

func runServe(ctx context.Context, cfg Config) error {
	var opts []LedgerOption
	if cfg.LedgerPath != "" {
		blockLog, err := OpenBlockLog(cfg.LedgerPath, false)
		if err != nil {
			return err
		}
		defer blockLog.Close()
		opts = append(opts, WithBlockLog(blockLog))
	} else {
		log.Println("[INIT] ledger.db_path is empty, ledger will reset on restart")
	}
	if cfg.Sealers > 0 {
		sealer := NewSealer(cfg.Sealers)
		defer sealer.Close()
		opts = append(opts, WithSealer(sealer))
	}

	ledger, err := NewLedger(cfg.Difficulty, opts...)
	if err != nil {
		return err
	}
	records, err := initStore(cfg)
	if err != nil {
		return err
	}
	defer records.Close()

	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	scorer := NewHTTPScorer(cfg.ScoringURL, cfg.ScoringTimeout, cfg.ScoringMaxRetries)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           NewServer(ledger, records, scorer, hub, cfg.ModelVersion).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[API] Listening on %s (difficulty=%d, blocks=%d)", srv.Addr, ledger.Difficulty(), ledger.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("[API] Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

////////////////////////////////////////////////////////////////////////////////
// validate / block (LevelDB 읽기 전용, 서버가 실행 중이면 잠금으로 실패)
////////////////////////////////////////////////////////////////////////////////

func openLedgerReadOnly(cfg Config) (*BlockLog, error) {
	if cfg.LedgerPath == "" {
		return nil, errors.New("ledger.db_path is empty, nothing persisted to inspect")
	}
	return OpenBlockLog(cfg.LedgerPath, true)
}

func runValidate(cfg Config) error {
	blockLog, err := openLedgerReadOnly(cfg)
	if err != nil {
		return err
	}
	defer blockLog.Close()

	difficulty := cfg.Difficulty
	if d, ok, err := blockLog.Difficulty(); err != nil {
		return err
	} else if ok {
		difficulty = d
	}
	blocks, err := blockLog.LoadAll()
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return errors.New("block log is empty")
	}

	res := ValidateChain(blocks, difficulty)
	data := pterm.TableData{{"#", "Subject", "Payload", "Nonce", "Digest", "Status"}}
	for i, b := range blocks {
		status := pterm.Green("ok")
		switch {
		case !res.Valid && i == res.BlockIndex:
			status = pterm.Red(res.Reason)
		case !res.Valid && i > res.BlockIndex:
			status = pterm.Gray("unchecked")
		}
		subject := b.SubjectID
		if i == 0 && b.isGenesis() {
			subject = pterm.Cyan(subject)
		}
		data = append(data, []string{
			strconv.Itoa(i), subject, b.Payload, strconv.Itoa(b.Nonce), shortDigest(b.Digest), status,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}

	if !res.Valid {
		return fmt.Errorf("chain invalid at block #%d: %s", res.BlockIndex, res.Reason)
	}
	pterm.Success.Printfln("%d blocks valid (difficulty=%d)", len(blocks), difficulty)
	return nil
}

func runBlock(cfg Config, digest string) error {
	blockLog, err := openLedgerReadOnly(cfg)
	if err != nil {
		return err
	}
	defer blockLog.Close()

	idx, ok, err := blockLog.IndexOf(digest)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("block %s not found", digest)
	}
	b, err := blockLog.Get(idx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(indexedBlock{Index: idx, Block: b}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// verify : 저장된 모든 레코드 지문 재검증 (병렬)
////////////////////////////////////////////////////////////////////////////////

type recordFailure struct {
	UUID      string
	SubjectID string
	Check     RecordCheck
}

func verifyAllRecords(ctx context.Context, store RecordStore, bar *progressbar.ProgressBar) (int, []recordFailure, error) {
	total, err := store.CountRecords(ctx)
	if err != nil {
		return 0, nil, err
	}

	var (
		mu       sync.Mutex
		failures []recordFailure
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(verifyConcurrency)
	for offset := 0; offset < total; offset += verifyPageSize {
		recs, err := store.ListRecords(ctx, offset, verifyPageSize)
		if err != nil {
			_ = eg.Wait()
			return 0, nil, err
		}
		for _, rec := range recs {
			eg.Go(func() error {
				check := VerifyRecord(rec)
				if !check.Valid {
					mu.Lock()
					failures = append(failures, recordFailure{UUID: rec.UUID, SubjectID: rec.SubjectID, Check: check})
					mu.Unlock()
				}
				if bar != nil {
					return bar.Add(1)
				}
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return 0, nil, err
	}
	return total, failures, nil
}

func runVerify(ctx context.Context, cfg Config) error {
	store, err := initStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	total, err := store.CountRecords(ctx)
	if err != nil {
		return err
	}
	bar := progressbar.NewOptions(
		total,
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription("Verifying records..."),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	checked, failures, err := verifyAllRecords(ctx, store, bar)
	if err != nil {
		return err
	}
	_ = bar.Finish()

	if len(failures) == 0 {
		pterm.Success.Printfln("%d records verified", checked)
		return nil
	}
	data := pterm.TableData{{"UUID", "Patient", "Failures"}}
	for _, f := range failures {
		data = append(data, []string{f.UUID, f.SubjectID, fmt.Sprint(f.Check.Failures)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	return fmt.Errorf("%d of %d records failed verification", len(failures), checked)
}
