// Package server parses sync server flags and starts the engine runtime.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/torchlight-vtt/engine/internal/broadcast"
	"github.com/torchlight-vtt/engine/internal/game"
	"github.com/torchlight-vtt/engine/internal/handler"
	"github.com/torchlight-vtt/engine/internal/pipeline"
	entrypoint "github.com/torchlight-vtt/engine/internal/platform/cmd"
	"github.com/torchlight-vtt/engine/internal/service"
	"github.com/torchlight-vtt/engine/internal/storage"
	"github.com/torchlight-vtt/engine/internal/storage/sqlite"
	"github.com/torchlight-vtt/engine/internal/systems/srd"
	"github.com/torchlight-vtt/engine/internal/transport/ws"
)

// Config holds sync server configuration.
type Config struct {
	Port            int           `env:"TORCHLIGHT_SYNC_PORT" envDefault:"8090"`
	Addr            string        `env:"TORCHLIGHT_SYNC_ADDR"`
	DBPath          string        `env:"TORCHLIGHT_SYNC_DB_PATH"`
	ApprovalTimeout time.Duration `env:"TORCHLIGHT_SYNC_APPROVAL_TIMEOUT" envDefault:"2m"`
	SweepInterval   time.Duration `env:"TORCHLIGHT_SYNC_SWEEP_INTERVAL" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The sync server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The sync server listen address (overrides -port)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (empty runs in-memory)")
	fs.DurationVar(&cfg.ApprovalTimeout, "approval-timeout", cfg.ApprovalTimeout, "How long a gated action waits for the GM")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sync engine service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSync, func(ctx context.Context) error {
		return run(ctx, cfg)
	})
}

func run(ctx context.Context, cfg Config) error {
	var (
		states    storage.GameStateStore
		approvals storage.ApprovalStore
	)
	if cfg.DBPath != "" {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer store.Close()
		states, approvals = store, store
		log.Printf("storage ready driver=sqlite path=%s", cfg.DBPath)
	} else {
		memory := storage.NewMemory()
		states, approvals = memory, memory
		log.Printf("storage ready driver=memory")
	}

	registry := handler.NewRegistry()
	if err := srd.Register(registry); err != nil {
		return fmt.Errorf("register srd system: %w", err)
	}
	registry.Seal()
	log.Printf("handlers registered action_types=%d", len(registry.ActionTypes()))

	svc := service.NewService(states)
	hub := broadcast.NewHub()
	p := pipeline.New(registry, svc, approvals, &ws.HubSink{Hub: hub},
		pipeline.WithApprovalTimeout(cfg.ApprovalTimeout))
	p.Start(ctx, cfg.SweepInterval)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewServer(hub, p, svc))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/sessions", handleSessions(svc))

	addr := cfg.Addr
	if addr == "" {
		addr = net.JoinHostPort("", strconv.Itoa(cfg.Port))
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("sync server listening addr=%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown err=%v", err)
	}
	p.Wait()
	return nil
}

// handleSessions creates sessions from posted initial state.
func handleSessions(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var state game.GameState
		if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
			http.Error(w, fmt.Sprintf("decode state: %v", err), http.StatusBadRequest)
			return
		}
		snapshot, err := svc.CreateSession(r.Context(), &state)
		if err != nil {
			status := http.StatusBadRequest
			if game.CodeOf(err) == game.CodeTransactionFailed {
				status = http.StatusInternalServerError
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sessionId": snapshot.State.ID,
			"version":   snapshot.Version,
			"hash":      snapshot.Hash,
		})
	}
}
