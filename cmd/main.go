package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"turbine-health-monitor/internal/api"
	"turbine-health-monitor/internal/config"
	"turbine-health-monitor/internal/db"
	"turbine-health-monitor/internal/export"
	"turbine-health-monitor/internal/fault"
	"turbine-health-monitor/internal/health"
	"turbine-health-monitor/internal/logging"
	"turbine-health-monitor/internal/metrics"
	"turbine-health-monitor/internal/models"
	"turbine-health-monitor/internal/parser"
	"turbine-health-monitor/internal/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
	logLevel   string

	cfg       *config.Config
	database  *db.Database
	logger    *slog.Logger
	logCloser io.Closer
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "turbine-monitor",
		Short: "Turbine Health Monitor - wind farm SCADA analytics",
		Long: `A CLI tool for ingesting 10-minute wind turbine SCADA data, fitting the
farm power curve, classifying faults and scoring turbine health, with SQLite
storage and REST API access.`,
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(turbineCmd())
	rootCmd.AddCommand(guidanceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger. Flags win over the
// environment, which wins over the config file.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.LoadEnv(cfg); err != nil {
		return err
	}
	applyFlags(cfg)

	logger, logCloser, err = logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// applyFlags copies the global flag overrides into c.
func applyFlags(c *config.Config) {
	if dbPath != "" {
		c.Storage.Path = dbPath
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
}

func teardown(cmd *cobra.Command, args []string) error {
	if logCloser != nil {
		return logCloser.Close()
	}
	return nil
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(cfg.Storage.Path)
	return err
}

func newEngine(c *config.Config, opts ...pipeline.Option) *pipeline.Engine {
	return pipeline.New(c.Pipeline(), append([]pipeline.Option{pipeline.WithLogger(logger)}, opts...)...)
}

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.New(reg)
			hist := health.NewHistory()
			engineOpts := []pipeline.Option{pipeline.WithHistory(hist), pipeline.WithMetrics(m)}

			server := api.NewServer(database, newEngine(cfg, engineOpts...), api.Options{
				Metrics:  m,
				Gatherer: reg,
				History:  hist,
				Logger:   logger,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if configPath != "" {
				reloader := &config.Reloader{Path: configPath, Override: applyFlags, Logger: logger}
				go func() {
					err := reloader.Run(ctx, func(next *config.Config) {
						server.SetEngine(newEngine(next, engineOpts...))
						logger.Info("server: engine reconfigured", "workers", next.Engine.Workers)
					})
					if err != nil {
						logger.Error("config: watch stopped", "err", err)
					}
				}()
			}

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			fmt.Printf("Turbine Health Monitor API Server\n")
			fmt.Printf("   Listening on http://localhost%s\n", addr)
			fmt.Printf("   Database: %s\n\n", cfg.Storage.Path)
			fmt.Println("Available endpoints:")
			fmt.Println("  GET  /api/v1/health")
			fmt.Println("  GET  /api/v1/turbines")
			fmt.Println("  GET  /api/v1/turbines/{id}/health")
			fmt.Println("  GET  /api/v1/turbines/{id}/health/{as_of}")
			fmt.Println("  POST /api/v1/readings/batch")
			fmt.Println("  GET  /api/v1/runs")
			fmt.Println("  POST /api/v1/runs")
			fmt.Println("  GET  /api/v1/runs/{run_id}/kpis|power-curve|events|faults|health|quality")
			fmt.Println("  GET  /api/v1/priority")
			fmt.Println("  GET  /api/v1/guidance[/{category}]")
			fmt.Println("  GET  /api/v1/stats")
			fmt.Println("  GET  /metrics")
			fmt.Println()

			errCh := make(chan error, 1)
			go func() { errCh <- httpServer.ListenAndServe() }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				logger.Info("server: shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultHTTPPort, "Server port (overrides config)")
	return cmd
}

// ingestCmd ingests SCADA data from files
func ingestCmd() *cobra.Command {
	var format string
	var validate bool

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest SCADA data from files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			totalRecords := 0
			totalErrors := 0

			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				start := time.Now()

				f := format
				if f == "" {
					f = parser.FormatFromPath(file)
				}
				p := parser.NewParser(f)
				records, err := p.ParseFile(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}
				totalErrors += p.Skipped()

				// Validate if requested
				if validate {
					valid := records[:0]
					for i := range records {
						if errs := parser.ValidateReading(&records[i]); len(errs) == 0 {
							valid = append(valid, records[i])
						} else {
							logger.Warn("ingest: invalid reading", "file", file, "turbine", records[i].TurbineID, "err", errs[0])
							totalErrors++
						}
					}
					records = valid
				}

				// Insert into database
				count, err := database.InsertReadingsBatch(records)
				if err != nil {
					fmt.Printf("  Database error: %v\n", err)
					continue
				}

				elapsed := time.Since(start)
				fmt.Printf("  ✓ Inserted %d readings in %v (%.0f readings/sec)\n",
					count, elapsed, float64(count)/elapsed.Seconds())
				totalRecords += int(count)
			}

			fmt.Printf("\nTotal: %d readings ingested", totalRecords)
			if totalErrors > 0 {
				fmt.Printf(", %d skipped", totalErrors)
			}
			fmt.Println()

			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "File format (csv, json, ndjson); default from extension")
	cmd.Flags().BoolVarP(&validate, "validate", "v", true, "Validate readings before inserting")
	return cmd
}

// analyzeCmd runs the full engine over stored readings
func analyzeCmd() *cobra.Command {
	var asOf string
	var turbineID string
	var startTime string
	var endTime string
	var exportDir string
	var metricsOut string
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze stored readings and store the run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			q := models.ReadingQuery{TurbineID: turbineID}
			var err error
			if q.StartTime, err = parseOptionalTime(startTime); err != nil {
				return fmt.Errorf("invalid start time (use RFC3339): %w", err)
			}
			if q.EndTime, err = parseOptionalTime(endTime); err != nil {
				return fmt.Errorf("invalid end time (use RFC3339): %w", err)
			}

			var day time.Time
			if asOf != "" {
				if day, err = time.Parse("2006-01-02", asOf); err != nil {
					return fmt.Errorf("invalid as-of date (use YYYY-MM-DD): %w", err)
				}
			}

			readings, err := database.QueryReadings(q)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			if len(readings) == 0 {
				return errors.New("no stored readings match; run 'turbine-monitor ingest' first")
			}

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)

			res, err := newEngine(cfg, pipeline.WithMetrics(m)).Run(cmd.Context(), readings, day)
			if err != nil {
				return fmt.Errorf("analysis failed: %w", err)
			}
			if err := database.SaveRun(res); err != nil {
				return fmt.Errorf("save run: %w", err)
			}

			if exportDir != "" {
				dir, err := export.WriteRun(exportDir, res)
				if err != nil {
					return err
				}
				logger.Info("analyze: artifacts exported", "dir", dir)
			}
			if metricsOut != "" {
				if err := writeMetrics(metricsOut, reg); err != nil {
					return err
				}
			}

			switch outputFormat {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"run":      res.Info(),
					"farm":     res.KPIs.Farm,
					"priority": res.Priority,
				})
			default:
				printRun(res)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "Scoring date YYYY-MM-DD (default: date of latest reading)")
	cmd.Flags().StringVarP(&turbineID, "turbine", "t", "", "Restrict to one turbine")
	cmd.Flags().StringVarP(&startTime, "start", "s", "", "Start time (RFC3339)")
	cmd.Flags().StringVarP(&endTime, "end", "e", "", "End time (RFC3339)")
	cmd.Flags().StringVar(&exportDir, "export", "", "Write CSV artifacts to DIR/<run_id>")
	cmd.Flags().StringVar(&metricsOut, "metrics-out", "", "Write run metrics in Prometheus text format to FILE")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

func writeMetrics(path string, g prometheus.Gatherer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	if err := metrics.WriteText(f, g); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func printRun(res *pipeline.Result) {
	farm := res.KPIs.Farm
	fmt.Printf("Run %s (as of %s, power curve v%d)\n", res.RunID, res.AsOf.Format("2006-01-02"), res.Curve.Version)
	fmt.Println("==========================================")
	fmt.Printf("  Turbines:          %d analyzed, %d dropped\n", len(res.Series), len(res.Failures))
	fmt.Printf("  Energy:            %.1f kWh\n", farm.EnergyKWh)
	fmt.Printf("  Capacity Factor:   %.1f%%\n", farm.CapacityFactor*100)
	fmt.Printf("  Availability:      %.1f%%\n", farm.Availability*100)
	fmt.Printf("  Underperformance:  %d events, %.1f kWh deficit\n", farm.Underperformances, farm.DeficitKWh)

	for _, f := range res.Failures {
		fmt.Printf("  ⚠️  %s dropped at %s: %v\n", f.TurbineID, f.Stage, f.Err)
	}

	fmt.Println("\nMaintenance priority:")
	fmt.Printf("%-5s %-10s %-7s %-9s %-10s %-18s %s\n", "Rank", "Turbine", "Score", "P(fail)", "State", "Risk", "Action")
	fmt.Println(strings.Repeat("-", 80))
	for _, p := range res.Priority {
		fmt.Printf("%-5d %-10s %-7.1f %-9.3f %-10s %-18s %s\n",
			p.Rank, p.TurbineID, p.Score, p.FailureProbability, p.State, p.DominantRisk, p.ActionWindow)
	}
}

// queryCmd queries raw readings
func queryCmd() *cobra.Command {
	var turbineID string
	var startTime string
	var endTime string
	var limit int
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query stored SCADA readings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			q := models.ReadingQuery{
				TurbineID: turbineID,
				Limit:     limit,
			}
			var err error
			if q.StartTime, err = parseOptionalTime(startTime); err != nil {
				return fmt.Errorf("invalid start time (use RFC3339): %w", err)
			}
			if q.EndTime, err = parseOptionalTime(endTime); err != nil {
				return fmt.Errorf("invalid end time (use RFC3339): %w", err)
			}

			start := time.Now()
			results, err := database.QueryReadings(q)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			switch outputFormat {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			case "csv":
				return export.WriteReadingsCSV(os.Stdout, results)
			default:
				fmt.Printf("Found %d readings (query time: %v)\n\n", len(results), elapsed)
				for i := range results {
					r := &results[i]
					fmt.Printf("[%s] %s | Wind: %s m/s | Power: %s kW | Oil: %s °C | Vib: %s g\n",
						r.Timestamp.Format("2006-01-02 15:04"), r.TurbineID,
						show(r, models.FieldWindSpeed), show(r, models.FieldPower),
						show(r, models.FieldGearOilTemp), show(r, models.FieldVibration))
					if r.GridAbnormal() {
						fmt.Printf("     ⚠️  Grid event: %s\n", r.GridEvent)
					}
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&turbineID, "turbine", "t", "", "Filter by turbine ID")
	cmd.Flags().StringVarP(&startTime, "start", "s", "", "Start time (RFC3339)")
	cmd.Flags().StringVarP(&endTime, "end", "e", "", "End time (RFC3339)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum readings to return")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, csv)")
	return cmd
}

func show(r *models.Reading, f models.Field) string {
	v, ok := r.Get(f)
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.1f", v)
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			stats, err := database.GetStats()
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("Turbine Health Monitor Statistics")
			fmt.Println("=================================")
			fmt.Printf("  Turbines:           %v\n", stats["total_turbines"])
			fmt.Printf("  Raw Readings:       %v\n", stats["total_readings"])
			fmt.Printf("  Analysis Runs:      %v\n", stats["total_runs"])
			fmt.Printf("  Fault Records:      %v\n", stats["fault_records"])
			fmt.Printf("  Score Revisions:    %v\n", stats["health_score_revisions"])
			if latest, ok := stats["latest_run"]; ok {
				fmt.Printf("  Latest Run:         %v\n", latest)
			}
			fmt.Printf("  Database:           %s\n", cfg.Storage.Path)

			return nil
		},
	}
}

// generateCmd generates synthetic SCADA data
func generateCmd() *cobra.Command {
	var opts genOptions
	var startDate string
	var output string
	var store bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate synthetic SCADA data with injected faults",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse("2006-01-02", startDate)
			if err != nil {
				return fmt.Errorf("invalid start date (use YYYY-MM-DD): %w", err)
			}
			opts.Start = start
			opts.Interval = cfg.Turbine.SamplingInterval
			opts.RatedKW = cfg.Turbine.RatedCapacityKW

			records := generateReadings(opts)
			fmt.Printf("Generated %d readings for %d turbines over %d days\n", len(records), opts.Turbines, opts.Days)

			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				if err := export.WriteReadingsCSV(file, records); err != nil {
					file.Close()
					return err
				}
				if err := file.Close(); err != nil {
					return err
				}
				fmt.Printf("Data exported to %s\n", output)
			}

			if !store {
				return nil
			}
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			// Insert in batches of 5000
			begin := time.Now()
			batchSize := 5000
			inserted := 0
			for i := 0; i < len(records); i += batchSize {
				end := i + batchSize
				if end > len(records) {
					end = len(records)
				}
				count, err := database.InsertReadingsBatch(records[i:end])
				if err != nil {
					return fmt.Errorf("insert batch: %w", err)
				}
				inserted += int(count)
				fmt.Printf("\rInserted %d/%d readings...", inserted, len(records))
			}

			elapsed := time.Since(begin)
			fmt.Printf("\n✓ Stored %d readings in %v (%.0f readings/sec)\n",
				inserted, elapsed, float64(inserted)/elapsed.Seconds())
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Turbines, "turbines", "n", 6, "Number of turbines")
	cmd.Flags().IntVarP(&opts.Days, "days", "d", 30, "Number of days")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 42, "Random seed")
	cmd.Flags().StringVar(&startDate, "start", "2024-03-01", "First day YYYY-MM-DD")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Export generated data to CSV file")
	cmd.Flags().BoolVar(&store, "store", true, "Insert generated readings into the database")
	return cmd
}

// turbineCmd inspects turbines
func turbineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turbine",
		Short: "Turbine inspection commands",
	}

	// List subcommand
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all turbines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			turbines, err := database.ListTurbines()
			if err != nil {
				return fmt.Errorf("error listing turbines: %w", err)
			}

			if len(turbines) == 0 {
				fmt.Println("No turbines found. Use 'turbine-monitor generate' to create sample data.")
				return nil
			}

			fmt.Printf("%-10s %-10s %-20s %-20s\n", "ID", "Readings", "First", "Last")
			fmt.Println(strings.Repeat("-", 62))
			for _, t := range turbines {
				fmt.Printf("%-10s %-10d %-20s %-20s\n", t.TurbineID, t.Readings,
					t.First.Format("2006-01-02 15:04"), t.Last.Format("2006-01-02 15:04"))
			}

			return nil
		},
	}

	// Health subcommand
	healthCmd := &cobra.Command{
		Use:   "health [turbine_id]",
		Short: "Show the health score history of a turbine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			history, err := database.HealthHistory(args[0])
			if err != nil {
				return fmt.Errorf("error getting health history: %w", err)
			}
			if len(history) == 0 {
				fmt.Printf("No health scores for %s. Run 'turbine-monitor analyze' first.\n", args[0])
				return nil
			}

			fmt.Printf("Health history for %s\n", args[0])
			fmt.Println("==========================================")
			fmt.Printf("%-12s %-7s %-9s %-10s %-18s %s\n", "As of", "Score", "P(fail)", "State", "Risk", "Action")
			for _, h := range history {
				fmt.Printf("%-12s %-7.1f %-9.3f %-10s %-18s %s\n",
					h.AsOf.Format("2006-01-02"), h.Score, h.FailureProbability, h.State, h.DominantRisk, h.ActionWindow)
			}

			return nil
		},
	}

	cmd.AddCommand(listCmd, healthCmd)
	return cmd
}

// guidanceCmd prints troubleshooting guidance for fault categories
func guidanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "guidance [category]",
		Short: "Show troubleshooting guidance for fault categories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			guides := fault.AllGuidance()
			if len(args) == 1 {
				g, ok := fault.Guidance(models.FaultCategory(strings.ToUpper(args[0])))
				if !ok {
					return fmt.Errorf("unknown fault category %q", args[0])
				}
				guides = []fault.Guide{g}
			}

			for _, g := range guides {
				fmt.Printf("%s (%s)\n", g.Category, g.Urgency)
				fmt.Printf("  %s\n", g.Description)
				for _, section := range []struct {
					title string
					items []string
				}{
					{"Possible causes", g.PossibleCauses},
					{"Checks", g.Checks},
					{"Actions", g.RecommendedActions},
				} {
					fmt.Printf("  %s:\n", section.title)
					for _, item := range section.items {
						fmt.Printf("    - %s\n", item)
					}
				}
				fmt.Println()
			}
			return nil
		},
	}
}
