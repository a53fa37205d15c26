// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-xmpp is a Matrix-XMPP conference bridge. It joins Matrix
// rooms to XMPP multi-user chats through a component session, mirroring
// membership and group messages in both directions with per-user puppet
// identities.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"

	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/mautrix-xmpp/pkg/bridge"
	"github.com/aiku/mautrix-xmpp/pkg/database"
	"github.com/aiku/mautrix-xmpp/pkg/xmpp"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath   = flag.String("config", "config.yaml", "path to the config file")
	writeExample = flag.Bool("example-config", false, "print the example config and exit")
)

func main() {
	flag.Parse()
	if *writeExample {
		fmt.Print(bridge.ExampleConfig)
		return
	}
	_ = godotenv.Load()

	cfg, err := bridge.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to configure logging:", err)
		os.Exit(1)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing mautrix-xmpp")

	if err = run(cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}

func run(cfg *bridge.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rawDB, err := dbutil.NewFromConfig("mautrix-xmpp", cfg.Database, dbutil.ZeroLogger(log.With().Str("component", "database").Logger()))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db := database.New(rawDB)
	defer db.Close()
	if err = db.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database schema: %w", err)
	}

	as := appservice.Create()
	as.Registration = &appservice.Registration{
		ID:              cfg.Appservice.ID,
		AppToken:        cfg.Appservice.ASToken,
		ServerToken:     cfg.Appservice.HSToken,
		SenderLocalpart: cfg.Appservice.Bot.Username,
	}
	as.HomeserverDomain = cfg.Homeserver.Domain
	as.Log = log.With().Str("component", "appservice").Logger()
	if err = as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return fmt.Errorf("invalid homeserver address: %w", err)
	}

	componentJID, err := jid.Parse(cfg.XMPP.Domain)
	if err != nil {
		return fmt.Errorf("invalid component domain %q: %w", cfg.XMPP.Domain, err)
	}
	gateway := xmpp.NewComponentGateway(func(ctx context.Context) (xmpp.Encoder, error) {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", cfg.XMPP.ComponentAddr)
		if err != nil {
			return nil, err
		}
		session, err := component.NewSession(ctx, componentJID, []byte(cfg.XMPP.Secret), conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return session, nil
	}, cfg.XMPP.Domain, log)

	matrix := bridge.NewAppserviceMatrix(as, cfg, log)
	pool := bridge.NewTransportPool(cfg, bridge.NewStore(db), matrix, gateway, log)

	if err = pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport pool: %w", err)
	}

	srv := transactionServer(cfg, log, pool)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Appservice.Address).Msg("Transaction listener starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err = <-serveErr:
		log.Error().Err(err).Msg("Transaction listener failed")
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn().Err(shutdownErr).Msg("Transaction listener shutdown failed")
	}
	pool.Stop(shutdownCtx)
	log.Info().Msg("Bridge stopped")
	return err
}

// transactionServer builds the HTTP server for the appservice transaction
// endpoint. Each transaction is acknowledged only after the pool has
// recorded it as processed, so homeserver retries replay safely.
func transactionServer(cfg *bridge.Config, log zerolog.Logger, pool *bridge.TransportPool) *http.Server {
	txnLog := log.With().Str("component", "transactions").Logger()
	handle := func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, cfg.Appservice.HSToken) {
			writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN"})
			return
		}
		txnID := r.PathValue("txnID")
		var txn appservice.Transaction
		if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"errcode": "M_NOT_JSON"})
			return
		}
		if err := pool.ProcessTransaction(r.Context(), txnID, txn.Events); err != nil {
			txnLog.Error().Err(err).Str("transaction_id", txnID).Msg("Failed to process transaction")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"errcode": "M_UNKNOWN"})
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnID}", handle)
	// Legacy unprefixed path used by older homeservers.
	mux.HandleFunc("PUT /transactions/{txnID}", handle)
	return &http.Server{
		Addr:              cfg.Appservice.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
}

// authorized checks the homeserver token, accepting both the Authorization
// header and the legacy access_token query parameter.
func authorized(r *http.Request, hsToken string) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("access_token")
	}
	return token == hsToken
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
