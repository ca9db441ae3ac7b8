// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	gserial "github.com/grid-x/serial"
	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-rtu/internal/config"
	"github.com/ffutop/modbus-rtu/internal/slave"
	"github.com/ffutop/modbus-rtu/modbus"
	"github.com/ffutop/modbus-rtu/scheduler"
	"github.com/ffutop/modbus-rtu/transport"
	"github.com/ffutop/modbus-rtu/transport/rtu"
	"github.com/ffutop/modbus-rtu/transport/rtuovertcp"
	"github.com/ffutop/modbus-rtu/transport/serial"
	"github.com/ffutop/modbus-rtu/transport/stream"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "Configuration file path.")
	logLevel := pflag.StringP("log-level", "v", "", "Log verbosity level (debug, info, warn, error), overrides the config file.")
	pflag.Parse()

	// Load Configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	setupLogger(cfg.Log)

	if err := run(cfg); err != nil {
		slog.Error("Modbus RTU engine stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("Goodbye.")
}

func run(cfg *config.Config) error {
	slog.Info("Starting Modbus RTU engine...", "transport", cfg.Transport.Type)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	provider, err := openProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer provider.Close()

	sched := scheduler.New()

	// a dead link stops the daemon instead of timing out forever
	var watch *scheduler.Task
	watch = sched.NewTask("link-watch", func() {
		if err := provider.Err(); err != nil {
			slog.Error("Link lost", "err", err)
			cancel()
			return
		}
		watch.Delay(time.Second)
	})
	watch.Enable()

	if cfg.Client.Enabled {
		cli, err := newClient(sched, provider, cfg.Client)
		if err != nil {
			return err
		}
		defer cli.Close()
		cli.Start()
	}

	if cfg.Server.Enabled {
		bank, err := openBank(cfg.Server.Bank)
		if err != nil {
			return err
		}
		defer func() {
			if err := bank.Close(); err != nil {
				slog.Error("Failed to close register bank", "err", err)
			}
		}()

		srv := rtu.NewServer(sched, provider, cfg.Server.SlaveID,
			rtu.WithListenInterval(cfg.Server.ListenInterval),
			rtu.WithRequestByteCountLimit(cfg.Server.ByteLimit),
			rtu.WithCodecExceptions(cfg.Server.CodecExceptions),
			rtu.WithIncompleteFrameGrace(cfg.Server.IncompleteGrace),
		)
		if err := bank.Install(srv); err != nil {
			return err
		}
		defer srv.Close()
		if cfg.Server.Bank.SharedImage != "" {
			bank.Sync(sched, cfg.Server.Bank.SyncInterval)
		}
		srv.Start()
		slog.Info("Modbus RTU server listening", "slave_id", cfg.Server.SlaveID)
	}

	err = sched.Run(ctx)
	slog.Info("Shutting down...")
	if errors.Is(err, context.Canceled) {
		return provider.Err()
	}
	return err
}

func openProvider(ctx context.Context, cfg *config.Config) (*stream.Stream, error) {
	kind, err := transport.ParseKind(cfg.Transport.Type)
	if err != nil {
		return nil, err
	}

	sc := serial.Config{
		Device:   cfg.Serial.Device,
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.DataBits,
		Parity:   cfg.Serial.Parity,
		StopBits: cfg.Serial.StopBits,
		Timeout:  cfg.Serial.Timeout,
		RS485: gserial.RS485Config{
			DelayRtsBeforeSend: cfg.Serial.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.Serial.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.Serial.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.Serial.RtsHighAfterSend,
			RxDuringTx:         cfg.Serial.RxDuringTx,
		},
	}

	switch kind {
	case transport.KindSerial:
		return serial.Open(sc)
	case transport.KindRS485:
		return serial.OpenRS485(sc)
	case transport.KindStream:
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Transport.Tcp.Timeout)
		defer cancel()
		return rtuovertcp.Dial(dialCtx, cfg.Transport.Tcp.Address, cfg.Transport.Tcp.BaudRate)
	default:
		return nil, fmt.Errorf("transport %s can not be opened from the configuration", kind)
	}
}

func newClient(sched *scheduler.Scheduler, provider transport.Provider, cfg config.ClientConfig) (*rtu.Client, error) {
	opts := []rtu.ClientOption{
		rtu.WithPollInterval(cfg.PollInterval),
		rtu.WithByteCountLimit(cfg.ByteLimit),
	}
	if cfg.RetrieveInterval > 0 {
		opts = append(opts, rtu.WithRetrieveInterval(cfg.RetrieveInterval))
	}
	cli := rtu.NewClient(sched, provider, opts...)
	cli.SetFunctionCodeValidation(cfg.ValidateFunctionCode)
	cli.SetErrorHandler(func(resp *rtu.Response, kind modbus.ErrorKind) {
		req := resp.Request
		slog.Warn("Modbus request failed",
			"slave", req.SlaveAddress(), "function", req.FunctionCode(), "address", req.Address(),
			"err", kind, "exception", resp.ExceptionCode)
	})

	for _, p := range cfg.Polls {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("%d/%d/%d", p.SlaveID, p.Function, p.Address)
		}
		reqOpts := []rtu.RequestOption{
			rtu.WithTimeout(cfg.Timeout),
			rtu.WithDeviceDelay(cfg.DeviceDelay),
			rtu.WithThrottle(p.Throttle),
		}
		if p.Swap > 0 {
			reqOpts = append(reqOpts, rtu.WithSwap(p.Swap))
		}
		req, err := rtu.NewReadRequest(p.SlaveID, p.Function, p.Address, p.Quantity, func(resp *rtu.Response) {
			slog.Info("Modbus poll", "name", name, "slave", resp.SlaveAddress, "byte_count", resp.ByteCount,
				"data", hex.EncodeToString(resp.Payload))
		}, reqOpts...)
		if err != nil {
			return nil, fmt.Errorf("invalid poll %s: %w", name, err)
		}
		cli.Poll(req)
	}
	slog.Info("Modbus RTU client polling", "requests", len(cfg.Polls))
	return cli, nil
}

func openBank(cfg config.BankConfig) (*slave.Bank, error) {
	sizes := slave.Sizes{
		Coils:            cfg.Coils,
		DiscreteInputs:   cfg.DiscreteInputs,
		HoldingRegisters: cfg.HoldingRegisters,
		InputRegisters:   cfg.InputRegisters,
	}
	if cfg.SharedImage == "" {
		return slave.NewBank(sizes)
	}
	slog.Info("Mapping shared register image", "path", cfg.SharedImage, "bytes", sizes.ImageSize())
	return slave.OpenSharedImage(cfg.SharedImage, sizes)
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
