package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"claude-key-proxy/internal/clientkey"
	"claude-key-proxy/internal/credential"
	"claude-key-proxy/internal/modelcatalog"
	"claude-key-proxy/internal/oauth"
	"claude-key-proxy/internal/quota"
	"claude-key-proxy/internal/server"
	"claude-key-proxy/internal/store"
	"claude-key-proxy/internal/subscription"
	"claude-key-proxy/internal/upstream"
)

func main() {
	host := getEnv("CLAUDE_PROXY_HOST", "0.0.0.0")
	port := getEnv("CLAUDE_PROXY_PORT", "9212")
	dbPath := getEnv("CLAUDE_PROXY_DB_PATH", "./data/claude-key-proxy.db")
	secret := getEnv("CLAUDE_PROXY_CREDENTIAL_SECRET", "")
	if secret == "" {
		log.Fatal("CLAUDE_PROXY_CREDENTIAL_SECRET must be set")
	}

	log.SetFlags(log.Ltime | log.Lmicroseconds)

	dataStore, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer dataStore.Close()

	models := modelcatalog.New(dataStore.Conn())
	if err := models.SeedIfEmpty(); err != nil {
		log.Fatalf("failed to seed model catalog: %v", err)
	}

	creds := credential.New(dataStore.Conn(), secret)
	httpClient := &http.Client{
		Transport: &http.Transport{MaxIdleConnsPerHost: 10},
	}
	oauthMgr := oauth.New(creds, httpClient)

	subs := subscription.New(httpClient, func() (string, error) {
		return oauthMgr.RefreshIfNeeded()
	})

	keys := clientkey.New(dataStore.Conn())
	quotaEngine := quota.New(dataStore.Conn(), keys, dataStore, models, subs)
	upstreamClient := upstream.New(httpClient)

	handler := server.Handler(&server.Deps{
		Keys:     keys,
		Quota:    quotaEngine,
		Models:   models,
		OAuth:    oauthMgr,
		Upstream: upstreamClient,
		Version:  "1.0.0",
	})

	httpServer := &http.Server{
		Addr:    host + ":" + port,
		Handler: handler,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down proxy...")
		httpServer.Close()
	}()

	fmt.Printf("claude-key-proxy listening on %s:%s\n", host, port)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}

	log.Println("proxy stopped.")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
