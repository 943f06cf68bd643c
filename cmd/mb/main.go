package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mountebank-testing/imposters/internal/config"
	"github.com/mountebank-testing/imposters/internal/server"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mb",
		Short:        "mountebank - over the wire test doubles",
		Long:         `mountebank is a service virtualization tool that provides test doubles over the wire.`,
		SilenceUsage: true,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the mountebank server",
		RunE:  runStart,
	}
	config.RegisterFlags(startCmd.Flags())

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the mountebank server",
		RunE:  runStop,
	}
	stopCmd.Flags().String("pidfile", config.Defaults().PidFile, "where the process id was written")

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the mountebank server",
		RunE:  runRestart,
	}
	config.RegisterFlags(restartCmd.Flags())

	saveCmd := &cobra.Command{
		Use:   "save",
		Short: "Save current imposters to a file",
		RunE:  runSave,
	}
	addClientFlags(saveCmd)
	saveCmd.Flags().String("savefile", "mb.json", "file to save to; .yaml or .yml saves YAML")
	saveCmd.Flags().Bool("removeProxies", false, "drop proxy responses, keeping what they recorded")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replace proxies with the responses they recorded",
		RunE:  runReplay,
	}
	addClientFlags(replayCmd)

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, saveCmd, replayCmd)

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "start")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, _ []string) error {
	opts, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	srv := server.New(opts, nil)

	if err := os.WriteFile(opts.PidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing PID file: %v\n", err)
	}
	defer os.Remove(opts.PidFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func runStop(cmd *cobra.Command, _ []string) error {
	pidFile, _ := cmd.Flags().GetString("pidfile")
	return stopProcess(pidFile)
}

func stopProcess(pidFile string) error {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid PID file %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("stopping process %d: %w", pid, err)
	}

	// wait for the old process to release its ports and remove its PID file
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(pidFile); errors.Is(err, os.ErrNotExist) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Println("Server stopped")
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	pidFile, _ := cmd.Flags().GetString("pidfile")
	if err := stopProcess(pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return runStart(cmd, args)
}
