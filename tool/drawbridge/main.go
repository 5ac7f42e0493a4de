// Drawbridge
// Copyright (C) 2025 Moatworks, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command drawbridge runs the remote backend gateway.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/assistant"
	"github.com/moatworks/drawbridge/lib/defaults"
	"github.com/moatworks/drawbridge/lib/features"
	"github.com/moatworks/drawbridge/lib/fileops"
	"github.com/moatworks/drawbridge/lib/gateway"
	"github.com/moatworks/drawbridge/lib/hostbridge"
	"github.com/moatworks/drawbridge/lib/isolation"
	"github.com/moatworks/drawbridge/lib/pathguard"
	"github.com/moatworks/drawbridge/lib/session"
	"github.com/moatworks/drawbridge/lib/synchub"
	"github.com/moatworks/drawbridge/lib/terminal"
	"github.com/moatworks/drawbridge/lib/utils"
	"github.com/moatworks/drawbridge/lib/workspace"
)

type startFlags struct {
	listenAddr   string
	tokensPath   string
	workspace    string
	configDir    string
	hostSocket   string
	syncDB       string
	assistantBin string
	maxInstances int
	idleTimeout  time.Duration
	debug        bool
}

func main() {
	app := kingpin.New("drawbridge", "Remote backend gateway for assistant and terminal sessions.")
	app.HelpFlag.Short('h')

	var flags startFlags
	start := app.Command("start", "Start the gateway.")
	start.Flag("listen", "HTTP listen address.").
		Envar("DRAWBRIDGE_LISTEN").Default(defaults.HTTPListenAddr).StringVar(&flags.listenAddr)
	start.Flag("tokens", "Path to the token credentials file.").
		Envar("DRAWBRIDGE_TOKENS").StringVar(&flags.tokensPath)
	start.Flag("workspace", "Workspace directory to pin at startup.").
		Envar("DRAWBRIDGE_WORKSPACE").StringVar(&flags.workspace)
	start.Flag("config-dir", "Directory holding config.json and settings.json.").
		Envar("DRAWBRIDGE_CONFIG_DIR").StringVar(&flags.configDir)
	start.Flag("host-socket", "Unix socket of the host application bridge.").
		Envar("DRAWBRIDGE_HOST_SOCKET").StringVar(&flags.hostSocket)
	start.Flag("sync-db", "SQLite file for the sync patch log; empty keeps it in memory.").
		Envar("DRAWBRIDGE_SYNC_DB").StringVar(&flags.syncDB)
	start.Flag("assistant-bin", "Assistant CLI binary; empty detects from PATH.").
		Envar("DRAWBRIDGE_ASSISTANT_BIN").StringVar(&flags.assistantBin)
	start.Flag("max-instances", "Per-user assistant instance quota.").
		Envar("DRAWBRIDGE_MAX_INSTANCES").Default("0").IntVar(&flags.maxInstances)
	start.Flag("idle-timeout", "Stop assistant instances idle this long; 0 disables.").
		Envar("DRAWBRIDGE_IDLE_TIMEOUT").Default("0s").DurationVar(&flags.idleTimeout)
	start.Flag("debug", "Verbose logging.").
		Envar("DRAWBRIDGE_DEBUG").BoolVar(&flags.debug)

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	initLogger(flags.debug)
	logger := slog.With(drawbridge.ComponentKey, drawbridge.ComponentCLI)

	switch command {
	case start.FullCommand():
		if err := runStart(flags, logger); err != nil {
			logger.Error("Gateway terminated.", "error", err)
			os.Exit(1)
		}
	}
}

// initLogger installs the process-wide handler: human-readable text on a
// TTY, JSON when the output is captured.
func initLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runStart(flags startFlags, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configDir := flags.configDir
	if configDir == "" {
		home, err := utils.HomeDir()
		if err != nil {
			return trace.Wrap(err)
		}
		configDir = filepath.Join(home, ".drawbridge")
	}

	credentials := make(map[string]session.Credential)
	if flags.tokensPath != "" {
		loaded, err := session.LoadCredentials(flags.tokensPath)
		if err != nil {
			return trace.Wrap(err)
		}
		credentials = loaded
	}

	hub, err := gateway.NewHub()
	if err != nil {
		return trace.Wrap(err)
	}
	registry := session.NewRegistry()
	tracker, err := isolation.NewTracker(isolation.Config{
		MaxInstancesPerUser: flags.maxInstances,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	guard, err := pathguard.NewDefault()
	if err != nil {
		return trace.Wrap(err)
	}

	ws, err := workspace.NewService(workspace.Config{ConfigDir: configDir})
	if err != nil {
		return trace.Wrap(err)
	}
	if flags.workspace != "" {
		if err := ws.SetWorkspace(flags.workspace); err != nil {
			return trace.Wrap(err)
		}
	}

	var bridge hostbridge.Bridge = hostbridge.NewNoop()
	if flags.hostSocket != "" {
		socketBridge, err := hostbridge.NewSocketBridge(hostbridge.SocketConfig{
			Path: flags.hostSocket,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		defer socketBridge.Close()
		bridge = socketBridge
	}

	terminals, err := terminal.NewMux(terminal.Config{
		Emitter:   hub,
		Bridge:    bridge,
		Workspace: ws,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	assistants, err := assistant.NewMux(assistant.Config{
		Emitter:     hub,
		Bridge:      bridge,
		Isolation:   tracker,
		Workspace:   ws,
		BinaryPath:  flags.assistantBin,
		IdleTimeout: flags.idleTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	files, err := fileops.NewHandler(fileops.Config{Guard: guard, Emitter: hub})
	if err != nil {
		return trace.Wrap(err)
	}

	var store synchub.Store
	if flags.syncDB != "" {
		sqliteStore, err := synchub.NewSQLiteStore(flags.syncDB)
		if err != nil {
			return trace.Wrap(err)
		}
		defer sqliteStore.Close()
		store = sqliteStore
	}
	syncHub, err := synchub.NewHub(synchub.Config{
		Store:    store,
		Registry: registry,
		Emitter:  hub,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	featureCache, err := features.NewCache(features.Config{
		ConfigDir:  configDir,
		Workspace:  ws,
		BinaryPath: flags.assistantBin,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server, err := gateway.New(gateway.Config{
		ListenAddr:  flags.listenAddr,
		Hub:         hub,
		Registry:    registry,
		Credentials: credentials,
		Terminals:   terminals,
		Assistants:  assistants,
		Files:       files,
		Workspace:   ws,
		Sync:        syncHub,
		Features:    featureCache,
		Isolation:   tracker,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	logger.InfoContext(ctx, "Starting drawbridge gateway.",
		"listen", flags.listenAddr, "config_dir", configDir,
		"host_bridge", flags.hostSocket != "", "sync_db", flags.syncDB != "")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return trace.Wrap(server.Run(ctx))
	})
	if flags.idleTimeout > 0 {
		g.Go(func() error {
			assistants.RunJanitor(ctx)
			return nil
		})
	}
	return trace.Wrap(g.Wait())
}
