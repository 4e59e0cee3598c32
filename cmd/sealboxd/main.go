// Command sealboxd runs the sealbox server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"

	"code.sealbox.org/golang/internal/auth"
	"code.sealbox.org/golang/internal/observability"
	"code.sealbox.org/golang/pkg/vault"
	"code.sealbox.org/golang/pkg/vault/boltdb"
	"code.sealbox.org/golang/pkg/vault/pgdb"
)

const usageFmt = `
Command Usage: %s [Flags]
  Run the sealbox server.

Flags:
------
`

const shutdownGrace = 10 * time.Second

type Cmd struct {
	Addr       string
	Store      string
	DBPath     string
	DSN        string
	DBSchema   string
	Migrate    bool
	SessionTTL time.Duration
	RecordTTL  time.Duration
	Debug      bool
}

func parseFlags(progname string, args []string) *Cmd {
	cmd := Cmd{}

	flags := flag.NewFlagSet(progname, flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, usageFmt, path.Base(progname))
		flags.PrintDefaults()
	}

	flags.StringVar(&cmd.Addr, "addr", ":8480", `listen address`)
	flags.StringVar(&cmd.Store, "store", "memory", `record store backend, one of memory, bolt, postgres`)
	flags.StringVar(&cmd.DBPath, "dbpath", "sealbox.db", `database file path, bolt store only`)
	flags.StringVar(&cmd.DSN, "dsn", "", `database connection string, postgres store only`)
	flags.StringVar(&cmd.DBSchema, "dbschema", "sealbox", `database schema name, postgres store only`)
	flags.BoolVar(&cmd.Migrate, "migrate", false, `create the database schema & exit, postgres store only`)
	flags.DurationVar(&cmd.SessionTTL, "session-ttl", vault.DefaultSessionTTL, `sliding session lifetime`)
	flags.DurationVar(&cmd.RecordTTL, "record-ttl", vault.DefaultRecordTTL, `stored record lifetime`)
	flags.BoolVar(&cmd.Debug, "v", false, `enable debug logging`)

	flags.Parse(args)

	switch cmd.Store {
	case "memory", "bolt":
	case "postgres":
		if "" == cmd.DSN {
			log.Fatal("postgres store requires -dsn")
		}
	default:
		log.Fatalf("Invalid -store %s, expect memory, bolt or postgres", cmd.Store)
	}

	return &cmd
}

func main() {
	cmd := parseFlags(os.Args[0], os.Args[1:])
	if cmd.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cmd.Migrate {
		migrate(ctx, cmd)
		return
	}

	records, err := newRecordStore(ctx, cmd)
	if nil != err {
		log.Fatalf("Failed record store initialization, got error %v", err)
	}
	secrets, err := vault.NewMemSecretStore(cmd.SessionTTL)
	if nil != err {
		log.Fatalf("Failed secret store initialization, got error %v", err)
	}
	v, err := vault.NewVault(secrets, records)
	if nil != err {
		log.Fatalf("Failed vault initialization, got error %v", err)
	}
	signer, err := auth.NewSigner("sealboxd", cmd.SessionTTL)
	if nil != err {
		log.Fatalf("Failed signer initialization, got error %v", err)
	}
	hdlr, err := vault.NewHandler(v, signer)
	if nil != err {
		log.Fatalf("Failed handler initialization, got error %v", err)
	}

	mux := http.NewServeMux()
	hdlr.Register(mux)
	srv := &http.Server{
		Addr:    cmd.Addr,
		Handler: observability.Middleware{TraceIdHeader: "X-Trace-Id"}.Wrap(mux),
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("sealboxd listening", "addr", cmd.Addr, "store", cmd.Store)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err = <-errc:
		log.Fatalf("Failed serving, got error %v", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if nil != err && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed shutdown, got error %v", err)
	}
}

func newRecordStore(ctx context.Context, cmd *Cmd) (vault.RecordStore, error) {
	switch cmd.Store {
	case "bolt":
		return boltdb.New(cmd.DBPath, cmd.RecordTTL)
	case "postgres":
		return pgdb.NewRecordStore(ctx, cmd.DSN, cmd.RecordTTL)
	default:
		return vault.NewMemRecordStore(cmd.RecordTTL)
	}
}

func migrate(ctx context.Context, cmd *Cmd) {
	if "postgres" != cmd.Store {
		log.Fatal("-migrate applies to the postgres store only")
	}
	pgconn, err := pgx.Connect(ctx, cmd.DSN)
	if nil != err {
		log.Fatalf("Failed connecting to database, got error %v", err)
	}
	defer pgconn.Close(ctx)

	err = pgdb.RecordStoreMigrate(pgconn, cmd.DBSchema)
	if nil != err {
		log.Fatalf("Failed schema migration, got error %v", err)
	}
	slog.Info("schema migration completed", "schema", cmd.DBSchema)
}
