package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/browsertest/pkg/compare"
	bterrors "github.com/odvcencio/browsertest/pkg/errors"
	"github.com/odvcencio/browsertest/pkg/report"
	"github.com/odvcencio/browsertest/pkg/testcase"
)

type runOptions struct {
	format     string
	reportPath string
}

func newRunCmd(load configLoader) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <spec-file>",
		Short: "Run one test specification and print its result",
		Long: "Run one test specification (YAML or JSON, \"-\" for stdin) to completion.\n" +
			"Exit status is 0 when the test passed, 1 when it failed and 2 when the verdict is partial.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(cmd, load, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format: text or json")
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "Also write the exported report (with embedded screenshots) to this path")
	return cmd
}

func runExecute(cmd *cobra.Command, load configLoader, opts *runOptions, source string) error {
	if opts.format != "text" && opts.format != "json" {
		return withExitCode(fmt.Errorf("unknown format %q (want text or json)", opts.format), exitUsage)
	}

	spec, err := readSpecFile(cmd.InOrStdin(), source)
	if err != nil {
		if bterrors.IsValidation(err) {
			printViolations(cmd.ErrOrStderr(), err)
		}
		return withExitCode(err, exitUsage)
	}

	cfg, err := load()
	if err != nil {
		return err
	}
	svc, err := newService(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = svc.Close(closeCtx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := svc.orch.Execute(ctx, spec)
	if err != nil {
		return err
	}

	if opts.reportPath != "" {
		if err := writeReport(ctx, svc, res, opts.reportPath); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(out, res)
	}

	switch res.Status {
	case compare.StatusPassed:
		return nil
	case compare.StatusPartial:
		return withExitCode(fmt.Errorf("test %s: verdict partial", res.TestID), exitPartial)
	default:
		return withExitCode(fmt.Errorf("test %s: failed", res.TestID), exitFailed)
	}
}

func readSpecFile(stdin io.Reader, source string) (testcase.Specification, error) {
	var (
		spec testcase.Specification
		err  error
	)
	if source == "-" {
		data, readErr := io.ReadAll(stdin)
		if readErr != nil {
			return testcase.Specification{}, fmt.Errorf("read specification: %w", readErr)
		}
		spec, err = testcase.Parse(data)
	} else {
		spec, err = testcase.LoadFile(source)
	}
	if err != nil {
		return testcase.Specification{}, err
	}
	spec = spec.Normalize()
	if err := spec.Validate(); err != nil {
		return testcase.Specification{}, err
	}
	return spec, nil
}

func writeReport(ctx context.Context, svc *service, res *report.Result, path string) error {
	doc, err := report.Export(ctx, res, svc.orch.Artifacts(), time.Now())
	if err != nil {
		return fmt.Errorf("export report: %w", err)
	}
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func printViolations(w io.Writer, err error) {
	for _, v := range testcase.ViolationsFrom(err) {
		fmt.Fprintf(w, "  %s\n", v)
	}
}

func printResult(w io.Writer, res *report.Result) {
	title := res.Title
	if title == "" {
		title = res.URL
	}
	fmt.Fprintf(w, "%s  %s\n", strings.ToUpper(string(res.Status)), title)
	fmt.Fprintf(w, "  test:       %s\n", res.TestID)
	fmt.Fprintf(w, "  run state:  %s\n", res.RunState)
	fmt.Fprintf(w, "  verdict:    %s (confidence %.2f)\n", res.VerdictSignal, res.Confidence)
	fmt.Fprintf(w, "  elapsed:    %.2fs\n", res.ExecutionTimeSeconds)
	for _, step := range res.Steps {
		fmt.Fprintf(w, "  %2d. [%s] %s\n", step.Index, step.Outcome, step.Instruction)
	}
	if res.ComparisonResult != "" {
		fmt.Fprintf(w, "  %s\n", res.ComparisonResult)
	}
}
