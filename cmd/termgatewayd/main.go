// Copyright 2022 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command termgatewayd is the terminal gateway's single binary: it parses
// flags, wires the five core components together in dependency order, and
// serves the catalog HTTP surface and framed websocket stream on one
// listener until it receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/zmb3/termgateway"
	"github.com/zmb3/termgateway/lib/containerrt"
	"github.com/zmb3/termgateway/lib/localsrv"
	"github.com/zmb3/termgateway/lib/remotesrv"
	"github.com/zmb3/termgateway/lib/sshpool"
	"github.com/zmb3/termgateway/lib/store"
	"github.com/zmb3/termgateway/lib/utils"
	"github.com/zmb3/termgateway/lib/web"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", trace.DebugReport(err))
		os.Exit(1)
	}
}

type cliFlags struct {
	port                 int
	dataDir              string
	idleTransportTimeout time.Duration
	rememberedParamsTTL  time.Duration
	debug                bool
}

func run(args []string) error {
	app := utils.InitCLIParser("termgatewayd", "Terminal gateway: multiplexes local shell, container exec, and pooled SSH sessions behind one websocket.")

	var flags cliFlags
	app.Flag("port", "HTTP+WS listener port.").Default(fmt.Sprintf("%d", termgateway.DefaultPort)).IntVar(&flags.port)
	app.Flag("data-dir", "Directory holding the remembered-image and remembered-params catalogs.").Default(defaultDataDir()).StringVar(&flags.dataDir)
	app.Flag("idle-timeout", "How long an unreferenced pooled SSH transport is kept alive.").Default(termgateway.DefaultIdleTransportTimeout.String()).DurationVar(&flags.idleTransportTimeout)
	app.Flag("remembered-params-ttl", "How long remembered SSH connection params remain eligible for reconnect.").Default(termgateway.DefaultRememberedParamsTTL.String()).DurationVar(&flags.rememberedParamsTTL)
	app.Flag("debug", "Enable verbose logging.").BoolVar(&flags.debug)

	if _, err := app.Parse(args); err != nil {
		return trace.Wrap(err)
	}

	level := logrus.InfoLevel
	if flags.debug {
		level = logrus.DebugLevel
	}
	utils.InitLogger(utils.LoggingForDaemon, level)

	clock := clockwork.NewRealClock()

	dataStore, err := store.New(store.Config{
		DataDir:             flags.dataDir,
		RememberedParamsTTL: flags.rememberedParamsTTL,
		Clock:               clock,
	})
	if err != nil {
		return trace.Wrap(err, "failed to initialize catalog store")
	}

	// Construction order: Transport Pool, then Remote Session Registry,
	// then Container Runtime Adapter, then Local/Container Session
	// Registry, then Client Gateway.
	pool, err := sshpool.New(sshpool.Config{
		IdleTimeout: flags.idleTransportTimeout,
		Clock:       clock,
	})
	if err != nil {
		return trace.Wrap(err, "failed to initialize transport pool")
	}
	defer pool.Shutdown()

	remoteRegistry, err := remotesrv.New(remotesrv.Config{
		Pool:  pool,
		Store: dataStore,
		Clock: clock,
	})
	if err != nil {
		return trace.Wrap(err, "failed to initialize remote session registry")
	}

	containerRT, err := containerrt.New(containerrt.Config{
		Store: dataStore,
	})
	if err != nil {
		return trace.Wrap(err, "failed to initialize container runtime adapter")
	}

	localRegistry, err := localsrv.New(localsrv.Config{
		ContainerRT: containerRT,
		Store:       dataStore,
		Clock:       clock,
	})
	if err != nil {
		return trace.Wrap(err, "failed to initialize local/container session registry")
	}

	gw, err := web.New(web.Config{
		LocalRegistry:  localRegistry,
		RemoteRegistry: remoteRegistry,
		ContainerRT:    containerRT,
		Store:          dataStore,
		Clock:          clock,
	})
	if err != nil {
		return trace.Wrap(err, "failed to initialize client gateway")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", flags.port),
		Handler: gw.Router(),
	}

	go func() {
		if err := dataStore.Prune(); err != nil {
			logrus.WithError(err).Warn("Initial remembered-params prune failed.")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", srv.Addr).Info("Terminal gateway listening.")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- trace.Wrap(err)
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("Shutting down.")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Drain sequence: stop accepting new connections, close every live
	// session via its registry so clients see a terminal_closed/ssh_closed
	// frame before the process exits, then tear down the Transport Pool.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErrCh := make(chan error, 1)
	go func() { shutdownErrCh <- srv.Shutdown(ctx) }()

	localRegistry.CloseAll()
	remoteRegistry.CloseAll()
	pool.Shutdown()

	if err := <-shutdownErrCh; err != nil {
		logrus.WithError(err).Warn("Graceful shutdown timed out, forcing close.")
		return trace.Wrap(srv.Close())
	}
	return nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.termgateway"
	}
	return "/var/lib/termgateway"
}
