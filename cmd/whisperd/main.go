// ABOUTME: Whisperd is the reference sync backend for the whisper client.
// ABOUTME: It stores ciphertext per user and entity; plaintext never reaches it.

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	dbPath := flag.String("db", "whisperd.db", "sqlite database path")
	secret := flag.String("secret", os.Getenv("WHISPERD_SECRET"), "jwt signing secret")
	dev := flag.Bool("dev", false, "enable the unauthenticated token-minting endpoint")
	flag.Parse()

	if *secret == "" {
		log.Fatal("jwt secret required (-secret or WHISPERD_SECRET)")
	}

	store, err := openServerStore(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		_ = store.Close()
	}()

	srv := newServer(store, *secret)
	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv.routes(*dev),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("whisperd listening on %s", *addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Print("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}
}
