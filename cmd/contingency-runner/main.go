package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/grid-variants/internal/config"
	"github.com/signalsfoundry/grid-variants/internal/dcflow"
	"github.com/signalsfoundry/grid-variants/internal/logging"
	"github.com/signalsfoundry/grid-variants/internal/observability"
	"github.com/signalsfoundry/grid-variants/network"
	"github.com/signalsfoundry/grid-variants/security"
	"github.com/signalsfoundry/grid-variants/variant"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type runFlags struct {
	metricsAddr string
	stateOut    string
	format      string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "contingency-runner",
		Short: "Run N-k security analyses on a network definition",
		Long: `contingency-runner loads a network from YAML, solves it with a DC load
flow, and simulates every configured contingency on its own variant of the
network, reporting the limit violations found in each.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newStateCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run [run-file]",
		Short: "Run the security analysis described by a run file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysis(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running (overrides the run file)")
	cmd.Flags().StringVar(&flags.stateOut, "state-out", "", "write the solved base state as YAML to this file (overrides the run file)")
	cmd.Flags().StringVar(&flags.format, "format", "text", "result format: text or yaml")
	return cmd
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state [scenario-file]",
		Short: "Solve a network definition and print its state as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := newLogger(cmd.ErrOrStderr(), "")
			n, err := loadNetwork(args[0], log)
			if err != nil {
				return err
			}
			if err := (dcflow.Solver{}).Solve(ctx, n); err != nil {
				return err
			}
			return n.WriteState(ctx, cmd.OutOrStdout())
		},
	}
}

func runAnalysis(ctx context.Context, stdout, stderr io.Writer, path string, flags runFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	run, err := config.Load(path)
	if err != nil {
		return err
	}
	if flags.metricsAddr != "" {
		run.MetricsAddr = flags.metricsAddr
	}
	if flags.stateOut != "" {
		run.StateOut = flags.stateOut
	}
	if flags.format != "text" && flags.format != "yaml" {
		return fmt.Errorf("unsupported format %q", flags.format)
	}

	log := newLogger(stderr, run.LogLevel)

	shutdown, err := observability.InitTracing(ctx, run.Tracing.ApplyEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	reg := prometheus.NewRegistry()
	variantMetrics, err := observability.NewVariantCollector(reg)
	if err != nil {
		return err
	}
	securityMetrics, err := observability.NewSecurityCollector(reg)
	if err != nil {
		return err
	}
	if srv := serveMetrics(run.MetricsAddr, variantMetrics.Handler(), log); srv != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	n, err := loadNetwork(run.Scenario, log, network.WithManagerOptions(variant.WithMetricsRecorder(variantMetrics)))
	if err != nil {
		return err
	}

	in := security.NewInputs()
	if err := security.Configure(in, run); err != nil {
		return err
	}
	runner := security.NewRunner(dcflow.Solver{},
		security.WithLogger(log),
		security.WithParallelism(run.Parallelism),
		security.WithMetricsRecorder(securityMetrics),
	)
	res, err := runner.Run(ctx, n, in)
	if err != nil {
		return err
	}

	if run.StateOut != "" {
		if err := writeStateFile(ctx, n, run.StateOut); err != nil {
			return err
		}
		log.Info(ctx, "base state written", logging.String("path", run.StateOut))
	}

	if flags.format == "yaml" {
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return err
		}
		return enc.Close()
	}
	return printResult(stdout, res)
}

func newLogger(w io.Writer, level string) logging.Logger {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	return logging.New(logging.Config{
		Level:  level,
		Format: os.Getenv("LOG_FORMAT"),
		Output: w,
	})
}

func loadNetwork(path string, log logging.Logger, opts ...network.Option) (*network.Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()

	opts = append([]network.Option{network.WithLogger(log)}, opts...)
	n, err := network.LoadScenario(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info(context.Background(), "network loaded",
		logging.String("network_id", n.ID()),
		logging.Int("buses", len(n.Graph().Buses())),
		logging.Int("branches", len(n.Graph().Branches())),
	)
	return n, nil
}

func writeStateFile(ctx context.Context, n *network.Network, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return n.WriteState(ctx, f)
}

// printResult writes one line per violation, grouped by state.
func printResult(w io.Writer, res *security.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STATE\tSTATUS\tSUBJECT\tTYPE\tVALUE\tLIMIT\n")
	writeState(tw, "pre-contingency", res.PreContingency)

	post := append([]security.ContingencyResult(nil), res.PostContingency...)
	sort.Slice(post, func(i, j int) bool { return post[i].Contingency.ID < post[j].Contingency.ID })
	for _, c := range post {
		writeState(tw, c.Contingency.ID, c.StateResult)
	}
	return tw.Flush()
}

func writeState(w io.Writer, name string, st security.StateResult) {
	if st.Status == security.StatusFailed {
		fmt.Fprintf(w, "%s\t%s\t-\t-\t-\t%s\n", name, st.Status, st.Error)
		return
	}
	if len(st.Violations) == 0 {
		fmt.Fprintf(w, "%s\t%s\t-\t-\t-\t-\n", name, st.Status)
		return
	}
	for _, v := range st.Violations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%.2f\n", name, st.Status, v.SubjectID, v.Type, v.Value, v.Limit*v.Reduction)
	}
}

func serveMetrics(addr string, handler http.Handler, log logging.Logger) *http.Server {
	if addr == "" || handler == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
