package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aretw0/labrun"
	"github.com/aretw0/labrun/internal/presentation/tui"
	"github.com/aretw0/labrun/internal/telemetry"
	"github.com/aretw0/labrun/pkg/coordinator"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var runCmd = &cobra.Command{
	Use:   "run <protocol-id>",
	Short: "Start a protocol run and follow it until it ends",
	Long: `Starts a run of the given protocol, prints its progress and renders a report
when it reaches a terminal status. An interrupt (Ctrl+C) cancels the run.`,
	Args: cobra.ExactArgs(1),
	RunE: runProtocol,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("name", "", "Display name of the run")
	runCmd.Flags().StringArrayP("param", "p", nil, "Parameter override key=value; values are parsed as JSON when possible (repeatable)")
	runCmd.Flags().String("params-file", "", "YAML or JSON file with parameter overrides")
	runCmd.Flags().Bool("simulation", false, "Run against simulated hardware")
	runCmd.Flags().Bool("json", false, "Print the final state as JSON")
	runCmd.Flags().Bool("quiet", false, "Do not print the banner or progress")
	runCmd.Flags().Duration("stop-timeout", 10*time.Second, "How long to wait for the backend after an interrupt")
}

func runProtocol(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	simulation, _ := flags.GetBool("simulation")
	jsonOut, _ := flags.GetBool("json")
	quiet, _ := flags.GetBool("quiet")
	stopTimeout, _ := flags.GetDuration("stop-timeout")
	paramsFile, _ := flags.GetString("params-file")
	paramArgs, _ := flags.GetStringArray("param")

	params, err := parseParams(paramsFile, paramArgs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return err
	}
	defer flush(shutdown)

	app, err := labrun.New(ctx, cfg, labrun.WithLogger(logger))
	if err != nil {
		return err
	}
	defer app.Close()

	stderr := cmd.ErrOrStderr()
	if !quiet && !jsonOut {
		tui.PrintBanner(stderr, labrun.Version)
	}

	runID, err := app.StartRun(ctx, coordinator.StartRequest{
		ProtocolID: args[0],
		Name:       name,
		Parameters: params,
		Simulation: simulation,
	})
	if err != nil {
		return err
	}
	logger.Info("run started", "run_id", runID, "protocol_id", args[0])

	progress := progressPrinter(stderr, quiet || jsonOut)
	final, err := app.Wait(ctx, progress)
	if errors.Is(err, context.Canceled) {
		logger.Warn("interrupted, cancelling run", "run_id", runID)
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := app.StopRun(stopCtx); err != nil {
			logger.Error("failed to cancel run", "run_id", runID, "err", err)
		}
		final, err = app.Wait(stopCtx, progress)
	}
	if err != nil {
		return err
	}

	if err := printState(cmd.OutOrStdout(), final, jsonOut); err != nil {
		return err
	}
	if final.Status == domain.StatusFailed {
		return fmt.Errorf("run %s failed", runID)
	}
	return nil
}

// progressPrinter prints one status line per visible change.
func progressPrinter(w io.Writer, silent bool) func(domain.RunState) {
	if silent {
		return nil
	}
	out := termenv.NewOutput(w)
	last := ""
	return func(s domain.RunState) {
		line := tui.StatusLine(out, s)
		if line == last {
			return
		}
		last = line
		fmt.Fprintln(w, line)
	}
}

func printState(w io.Writer, s domain.RunState, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	return render(w, tui.RunMarkdown(s))
}

func render(w io.Writer, markdown string) error {
	out, err := tui.NewRenderer(tui.IsTerminal(os.Stdout))(markdown)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

// parseParams merges a parameter file with key=value overrides.
func parseParams(file string, assignments []string) (map[string]any, error) {
	params := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read params file: %w", err)
		}
		// YAML is a superset of JSON.
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("failed to parse params file: %w", err)
		}
	}
	for _, a := range assignments {
		key, raw, ok := strings.Cut(a, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", a)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[key] = value
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func flush(shutdown telemetry.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
