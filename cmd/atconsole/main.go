// Atconsole sends AT commands over a serial line through the arbiter
// stack: device backend, optional capture, terminator receiver, driver,
// and one client task reading commands from stdin.
//
// Usage:
//
//	atconsole [--config file] [--device path] [--baud n] [--capture file]
//	atconsole --dump file [--compressed]
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/luhtfiimanal/go-uartmux/arbiter"
	"github.com/luhtfiimanal/go-uartmux/capture"
	"github.com/luhtfiimanal/go-uartmux/client"
	"github.com/luhtfiimanal/go-uartmux/config"
	"github.com/luhtfiimanal/go-uartmux/grant"
	"github.com/luhtfiimanal/go-uartmux/uart"
)

const consoleApp grant.AppID = 1

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "atconsole: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	device     string
	backend    string
	baud       int
	logLevel   string
	capture    string
	dump       string
	compressed bool
	timeout    time.Duration
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("atconsole", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVarP(&opts.device, "device", "d", "", "serial device (overrides config)")
	flags.StringVar(&opts.backend, "backend", "", "line backend: tty or serial (overrides config)")
	flags.IntVarP(&opts.baud, "baud", "b", 0, "baud rate (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (overrides config)")
	flags.StringVar(&opts.capture, "capture", "", "record line traffic to this file (overrides config)")
	flags.StringVar(&opts.dump, "dump", "", "print the frames of a capture file and exit")
	flags.BoolVar(&opts.compressed, "compressed", false, "the --dump file is zstd-compressed")
	flags.DurationVarP(&opts.timeout, "timeout", "t", 5*time.Second, "per-command response timeout")
	if err := flags.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.dump != "" {
		return dump(opts.dump, opts.compressed, stdout)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port, err := openLine(cfg)
	if err != nil {
		return err
	}
	defer port.Close()

	var raw uart.UART = port
	if cfg.Capture.Path != "" {
		f, err := os.Create(cfg.Capture.Path)
		if err != nil {
			return fmt.Errorf("create capture: %w", err)
		}
		defer f.Close()
		rec, err := capture.NewRecorder(port, f, capture.Options{Compress: cfg.Capture.Compress})
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Error("capture failed", "error", err)
			}
		}()
		raw = rec
	}

	params, err := cfg.Parameters()
	if err != nil {
		return err
	}
	framing, err := cfg.Framing()
	if err != nil {
		return err
	}
	receiver := uart.NewTerminatorReceiver(raw, cfg.Driver.ScanWindow)
	driver := arbiter.New(receiver, grant.New[arbiter.App](), arbiter.Config{
		TxBufferSize: cfg.Driver.TxBufferSize,
		RxBufferSize: cfg.Driver.RxBufferSize,
		Framing:      framing,
		Interbyte:    cfg.Driver.Interbyte,
		Terminator:   cfg.TerminatorByte(),
		Logger:       logger,
	})
	if err := driver.Initialize(params); err != nil {
		return fmt.Errorf("configure line: %w", err)
	}

	task, err := client.NewTask(driver, consoleApp, cfg.Driver.TxBufferSize)
	if err != nil {
		return err
	}
	defer task.Close()
	task.SetTerminator(cfg.TerminatorByte())

	logger.Info("line ready",
		"device", cfg.Line.Device,
		"backend", cfg.Line.Backend,
		"baud", cfg.Line.BaudRate,
		"framing", framing,
	)
	return console(ctx, task, stdin, stdout, opts.timeout, logger)
}

// console runs one AT command per input line until EOF or ctx ends.
func console(ctx context.Context, task *client.Task, stdin io.Reader, stdout io.Writer, timeout time.Duration, logger *slog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var cmd string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			cmd = l
		}
		if cmd == "" {
			continue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := task.Exec(cmdCtx, cmd)
		cancel()
		for _, l := range resp {
			fmt.Fprintln(stdout, l)
		}
		switch {
		case err == nil:
			fmt.Fprintln(stdout, "OK")
		case errors.Is(err, client.ErrCommandFailed):
			fmt.Fprintln(stdout, "ERROR")
		default:
			logger.Warn("command failed", "command", cmd, "error", err)
			fmt.Fprintf(stdout, "! %v\n", err)
		}
	}
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.device != "" {
		cfg.Line.Device = opts.device
	}
	if opts.backend != "" {
		cfg.Line.Backend = opts.backend
	}
	if opts.baud != 0 {
		cfg.Line.BaudRate = opts.baud
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.capture != "" {
		cfg.Capture.Path = opts.capture
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		w = rotating
		closeFn = func() { rotating.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}

func dump(path string, compressed bool, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	frames, err := capture.ReadAll(f, compressed)
	for _, fr := range frames {
		fmt.Fprintf(stdout, "%s %s %q", fr.At.Format(time.RFC3339Nano), fr.Dir, fr.Data)
		if fr.Err != "" {
			fmt.Fprintf(stdout, " err=%s", fr.Err)
		}
		fmt.Fprintln(stdout)
	}
	return err
}
