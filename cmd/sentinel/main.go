// cmd/sentinel/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/clawsight/sentinel/internal/checkpoint"
	"github.com/clawsight/sentinel/internal/config"
	"github.com/clawsight/sentinel/internal/diagnose"
	"github.com/clawsight/sentinel/internal/engine"
	"github.com/clawsight/sentinel/internal/ingest"
	"github.com/clawsight/sentinel/internal/protocol"
	"github.com/clawsight/sentinel/internal/report"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Router telemetry correlation and diagnosis engine",
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	root.AddCommand(runCmd(), recentCmd(), showCmd(), summaryCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgPath == "" {
		cfg := config.Default()
		if cfg.Storage.CheckpointPath == "" {
			cfg.Storage.CheckpointPath = cfg.Storage.Dir + "/checkpoint.db"
		}
		return cfg, cfg.Validate()
	}
	return config.Load(cfgPath)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := report.NewStore(cfg.Storage.Dir, cfg.Storage.RetentionDays, cfg.MaxStoreBytes())
			if err != nil {
				return err
			}

			ckpt, err := checkpoint.Open(cfg.Storage.CheckpointPath)
			if err != nil {
				return err
			}
			defer ckpt.Close()

			var scorer diagnose.Scorer
			if len(cfg.Scorer.Endpoints) > 0 {
				scorer = diagnose.NewLLMScorer(cfg.Scorer.Endpoints)
			} else {
				log.Print("no scorer endpoints configured, running rule-only")
			}

			eng, err := engine.New(cfg, store, ckpt, scorer)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			receiver := ingest.NewSyslogReceiver(cfg.Ingest.SyslogListen, eng.Ingest)
			if err := receiver.Listen(ctx); err != nil {
				return fmt.Errorf("binding syslog listener: %w", err)
			}

			errc := make(chan error, 1)
			go func() { errc <- receiver.Run(ctx) }()

			if cfg.MetricsListen != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					log.Printf("metrics on %s/metrics", cfg.MetricsListen)
					if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
						log.Printf("metrics listener: %v", err)
					}
				}()
			}

			log.Printf("engine running, %d-minute windows", cfg.Analysis.FrequencyMinutes)
			if err := eng.Run(ctx); err != nil {
				return err
			}
			return <-errc
		},
	}
}

func recentCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show recent diagnoses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := report.NewStore(cfg.Storage.Dir, cfg.Storage.RetentionDays, cfg.MaxStoreBytes())
			if err != nil {
				return err
			}
			diags, err := store.Recent(limit)
			if err != nil {
				return err
			}
			for _, d := range diags {
				printDiagnosis(d)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum diagnoses to show")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <date>",
		Short: "Show every diagnosis of one day (YYYY-MM-DD)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := report.NewStore(cfg.Storage.Dir, cfg.Storage.RetentionDays, cfg.MaxStoreBytes())
			if err != nil {
				return err
			}
			diags, err := store.ByDate(args[0])
			if err != nil {
				return err
			}
			if len(diags) == 0 {
				fmt.Printf("no diagnoses for %s\n", args[0])
				return nil
			}
			for _, d := range diags {
				printDiagnosis(d)
			}
			return nil
		},
	}
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show counts from the latest diagnosis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := report.NewStore(cfg.Storage.Dir, cfg.Storage.RetentionDays, cfg.MaxStoreBytes())
			if err != nil {
				return err
			}
			diags, err := store.Recent(1)
			if err != nil {
				return err
			}
			if len(diags) == 0 {
				fmt.Println("no diagnoses yet")
				return nil
			}
			d := diags[0]
			counts := protocol.CountBySeverity(d.Body.Issues)
			fmt.Printf("as of %s (window %d): %d critical, %d warning, %d info\n",
				d.Timestamp.Format(time.RFC3339), d.WindowSeq,
				counts[protocol.SeverityCritical], counts[protocol.SeverityWarning], counts[protocol.SeverityInfo])
			fmt.Printf("  %s\n", d.Body.Summary)
			for _, key := range []string{"total_devices", "offline_count", "flapping_count", "wifi_clients", "avg_packet_loss", "avg_latency_ms"} {
				if v, ok := d.Body.Metrics[key]; ok {
					fmt.Printf("  %s: %g\n", key, v)
				}
			}
			return nil
		},
	}
}

func printDiagnosis(d protocol.Diagnosis) {
	flags := ""
	if d.Truncated {
		flags += " [truncated]"
	}
	if d.Degraded {
		flags += " [degraded]"
	}
	fmt.Printf("%s window %d (%s, confidence %.2f)%s\n",
		d.Timestamp.Format(time.RFC3339), d.WindowSeq, d.Model, d.Confidence, flags)
	fmt.Printf("  %s\n", d.Body.Summary)
	for _, is := range d.Body.Issues {
		line := fmt.Sprintf("  [%s] %s", is.Severity, is.Description)
		if is.Recommendation != "" {
			line += " -- " + is.Recommendation
		}
		fmt.Println(line)
	}
}
