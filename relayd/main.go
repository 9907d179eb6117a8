package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"bringyour.com/relay"
)

const DefaultDb = "file:relay.db"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Sync relay daemon.

The default db is:
    db: %s

Usage:
    relayd serve --secret=<secret> [--port=<port>] [--db=<db>]
    relayd token --secret=<secret> --account=<account> [--db=<db>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --secret=<secret>        Master token secret.
    --account=<account>      Account id to mint a token for.
    --db=<db>
    -p --port=<port>   Listen port [default: 8080].`,
		DefaultDb,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
	if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func dbPath(opts docopt.Opts) string {
	if dbAny := opts["--db"]; dbAny != nil {
		return dbAny.(string)
	}
	return DefaultDb
}

func newAuth(opts docopt.Opts) *relay.Auth {
	auth := relay.NewAuth()
	auth.Init(opts["--secret"].(string))
	return auth
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	store, err := relay.OpenStore(dbPath(opts))
	if err != nil {
		panic(err)
	}
	defer store.Close()

	auth := newAuth(opts)

	registry := relay.NewConnectionRegistry()
	seq := relay.NewSequenceAllocator(store)
	router := relay.NewEventRouter(registry, seq)
	records := relay.NewRecords(store, router, seq)
	rpc := relay.NewRPCRelayWithDefaults()

	presence := relay.NewActivityCacheWithDefaults(cancelCtx, store, router)
	drain := relay.NewDrain()
	presence.Start(drain)

	server := relay.NewRelayServerWithDefaults(
		cancelCtx,
		auth,
		store,
		records,
		presence,
		rpc,
		registry,
		router,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/updates", server.ServeWs)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": RequireVersion(),
			"status":  "ok",
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	fmt.Printf(
		"relayd %s on *:%d\n",
		RequireVersion(),
		port,
	)

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	select {
	case <-cancelCtx.Done():
	case <-signals:
	}

	// stop accepting, flush pending activity, then wait for workers
	httpServer.Shutdown(context.Background())
	cancel()
	presence.Close()
	drain.Await()

	os.Exit(0)
}

func RequireVersion() string {
	if version := os.Getenv("RELAY_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}

func token(opts docopt.Opts) {
	accountId := opts["--account"].(string)

	store, err := relay.OpenStore(dbPath(opts))
	if err != nil {
		panic(err)
	}
	defer store.Close()

	if err := store.EnsureAccount(context.Background(), accountId); err != nil {
		panic(err)
	}

	auth := newAuth(opts)
	tokenStr, err := auth.CreateToken(accountId, nil)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", tokenStr)
}
