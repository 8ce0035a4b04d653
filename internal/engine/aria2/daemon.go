package aria2

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/italolelis/urlrelay/internal/logctx"
)

// DaemonConfig describes how to launch a local aria2c.
type DaemonConfig struct {
	Binary        string
	RPCURL        string
	Secret        string
	Dir           string
	MaxConcurrent int
}

// Daemon is a locally spawned aria2c process.
type Daemon struct {
	cfg  DaemonConfig
	cmd  *exec.Cmd
	done chan error
}

func NewDaemon(cfg DaemonConfig) *Daemon {
	return &Daemon{cfg: cfg}
}

// Args builds the aria2c command line. The RPC port is taken from RPCURL.
func (d *Daemon) Args() ([]string, error) {
	u, err := url.Parse(d.cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rpc url: %w", err)
	}

	port := u.Port()
	if port == "" {
		port = "6800"
	}

	maxConcurrent := d.cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	args := []string{
		"--enable-rpc",
		"--rpc-listen-all=false",
		"--rpc-allow-origin-all",
		"--rpc-listen-port=" + port,
		"--dir=" + d.cfg.Dir,
		"--max-concurrent-downloads=" + strconv.Itoa(maxConcurrent),
		"--continue=true",
		"--split=5",
		"--max-connection-per-server=5",
		"--min-split-size=1M",
	}

	if d.cfg.Secret != "" {
		args = append(args, "--rpc-secret="+d.cfg.Secret)
	}

	return args, nil
}

// Start launches aria2c and waits until its RPC endpoint answers, or ctx ends.
func (d *Daemon) Start(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	args, err := d.Args()
	if err != nil {
		return err
	}

	d.cmd = exec.Command(d.cfg.Binary, args...)
	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", d.cfg.Binary, err)
	}

	d.done = make(chan error, 1)

	go func() { d.done <- d.cmd.Wait() }()

	logger.InfoContext(ctx, "aria2 daemon started", "pid", d.cmd.Process.Pid, "rpc_url", d.cfg.RPCURL)

	client := NewClient(d.cfg.RPCURL, d.cfg.Secret)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if v, err := client.Version(ctx); err == nil {
			logger.InfoContext(ctx, "aria2 rpc ready", "version", v)

			return nil
		}

		select {
		case <-ctx.Done():
			_ = d.Stop()

			return ctx.Err()
		case err := <-d.done:
			d.cmd = nil

			return fmt.Errorf("aria2 daemon exited before becoming ready: %w", err)
		case <-ticker.C:
		}
	}
}

// Stop kills the daemon and reaps it. Safe to call on a daemon that never started.
func (d *Daemon) Stop() error {
	if d.cmd == nil || d.cmd.Process == nil {
		return nil
	}

	if err := d.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to stop aria2 daemon: %w", err)
	}

	<-d.done
	d.cmd = nil

	return nil
}
