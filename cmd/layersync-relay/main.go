package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/layersync/pkg/config"
	"github.com/astromechza/layersync/pkg/discovery"
	"github.com/astromechza/layersync/pkg/relayserver"
	"github.com/astromechza/layersync/pkg/store"
	"github.com/astromechza/layersync/pkg/telemetry"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	cfg := config.LoadRelay()
	addrVar := flag.String("addr", cfg.Addr, "the address to listen on")
	dbVar := flag.String("db", cfg.DBPath, "the sqlite database file")
	flag.Parse()

	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitJaeger("layersync-relay", cfg.JaegerEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracing", "err", err)
			}
		}()
	}

	slog.Info("Opening database", "path", *dbVar)
	st, err := store.Open(*dbVar)
	if err != nil {
		return err
	}
	defer st.Close()

	s := relayserver.New(st, relayserver.Options{
		WarnAboveMB:    cfg.WarnAboveMB,
		KeepVersions:   cfg.KeepVersions,
		BackupInterval: cfg.BackupInterval,
	})

	listener, err := net.Listen("tcp", *addrVar)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	slog.Info("listening", "addr", listener.Addr().String())

	if cfg.Advertise {
		_, portRaw, _ := net.SplitHostPort(listener.Addr().String())
		port, _ := strconv.Atoi(portRaw)
		mdnsServer, err := discovery.Advertise(port)
		if err != nil {
			return err
		}
		defer mdnsServer.Shutdown()
		slog.Info("advertising over mdns", "port", port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()

	httpServer := &http.Server{Handler: s.Router()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	s.Close(closeCtx)
	slog.Info("relay stopped")
	return nil
}
