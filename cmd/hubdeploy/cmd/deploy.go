package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/bianoble/hubdeploy/internal/metrics"
	"github.com/bianoble/hubdeploy/pkg/hubdeploy"
)

var (
	deployProject        string
	deployVersion        string
	deployTitle          string
	deploySkipProcessing bool
	deployMetricsAddr    string
)

// progressInterval spaces progress lines.
const progressInterval = 250 * time.Millisecond

var phaseMessages = map[hubdeploy.Phase]string{
	hubdeploy.PhaseScanning:   "Scanning and compressing files...",
	hubdeploy.PhaseUploading:  "Uploading modified files...",
	hubdeploy.PhaseProcessing: "Post processing...",
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Upload the game to the hub",
	Long: `Scans the game directory, compresses and hashes files whose cached
metadata is stale, asks the hub which content it is missing and uploads only
that. The run waits for the hub to process the new version unless
--skip-processing is given. Interrupting the command cancels the upload
session on the hub.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		client, err := newClient(reg)
		if err != nil {
			return err
		}

		addr := deployMetricsAddr
		if addr == "" {
			addr = client.Config().MetricsAddr
		}
		if addr != "" {
			stop, err := serveMetrics(addr, reg)
			if err != nil {
				return err
			}
			defer stop()
		}

		d, err := client.NewDeployment(hubdeploy.Target{
			Project:        deployProject,
			Version:        deployVersion,
			VersionTitle:   deployTitle,
			SkipProcessing: deploySkipProcessing,
		})
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
		defer cancel()

		info("Deploying %s version %s to %s", d.Project(), d.Version(), client.Host())
		start := time.Now()
		watched := make(chan struct{})
		go func() {
			defer close(watched)
			watch(d)
		}()

		err = client.Deploy(ctx, d)
		<-watched
		if err != nil {
			return fmt.Errorf("deployment failed: %w", err)
		}

		p := d.Progress()
		info("Done uploading: %s", countBytes(p.NumFiles, p.NumBytes))
		info("Deployment time: %s", formatElapsed(time.Since(start)))
		detail("Recorded in %s", client.RecordPath())
		return nil
	},
}

// watch prints phase changes, and counters in verbose mode, until d
// finishes.
func watch(d *hubdeploy.Deployment) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	last := hubdeploy.PhasePending
	report := func() {
		p := d.Progress()
		if p.Phase != last {
			last = p.Phase
			if msg, ok := phaseMessages[p.Phase]; ok {
				info("%s", msg)
			}
		}
		switch p.Phase {
		case hubdeploy.PhaseScanning:
			detail("%s", printer.Sprintf("%d/%d (%d bytes)", p.NumFiles, p.TotalFiles, p.NumBytes))
		case hubdeploy.PhaseUploading:
			detail("%s", printer.Sprintf("%d/%d (%d/%d bytes)", p.UploadedFiles, p.NumFiles, p.UploadedBytes, p.NumBytes))
		case hubdeploy.PhaseProcessing:
			detail("%d%% %s", p.Processed, p.ProcessingInfo)
		}
	}

	for {
		select {
		case <-d.Finished():
			report()
			return
		case <-ticker.C:
			report()
		}
	}
}

// serveMetrics exposes reg on addr under /metrics until the returned
// function is called.
func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorf("metrics server: %v", err)
		}
	}()
	detail("Serving metrics on http://%s/metrics", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func init() {
	deployCmd.Flags().StringVar(&deployProject, "project", "", "hub project (default: from config)")
	deployCmd.Flags().StringVar(&deployVersion, "version", "", "hub project version (default: from config)")
	deployCmd.Flags().StringVar(&deployTitle, "title", "", "version title (default: the version)")
	deployCmd.Flags().BoolVar(&deploySkipProcessing, "skip-processing", false, "return once the upload is committed")
	deployCmd.Flags().StringVar(&deployMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	rootCmd.AddCommand(deployCmd)
}
