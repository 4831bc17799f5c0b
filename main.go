package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/time/rate"

	"p3server/internal/adminapi"
	"p3server/internal/chat"
	"p3server/internal/credstore"
	"p3server/internal/dispatch"
	"p3server/internal/dod"
	"p3server/internal/fdo"
	"p3server/internal/im"
	"p3server/internal/ratelimit"
	"p3server/internal/registry"
	"p3server/internal/xfer"
	"p3server/store"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		cliDB := "p3server.db"
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	addr := flag.String("addr", ":5190", "P3 TCP listen address")
	adminAddr := flag.String("admin-addr", ":8080", "admin HTTP/WS listen address (empty to disable)")
	adminTLS := flag.Bool("admin-tls", true, "serve the admin surface over a self-signed TLS certificate")
	dbPath := flag.String("db", "p3server.db", "SQLite database path (chat rooms, xfer log, audit log, IDB drift)")
	credsPath := flag.String("creds", "p3creds.db", "credential store database path")
	assetsDir := flag.String("assets-dir", "assets", "directory of .fdo/.bw fallback DOD assets")
	idleTimeout := flag.Duration("idle-timeout", defaultIdleTimeout, "idle connection timeout")
	xgTimeout := flag.Duration("xg-timeout", xfer.DefaultXGTimeout, "how long a download waits for the client's xG before failing")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed admin TLS certificate validity")
	perIPRate := flag.Float64("per-ip-rate", 2, "sustained connections per second allowed per source IP")
	perIPBurst := flag.Int("per-ip-burst", 5, "connection burst allowed per source IP")
	flag.Parse()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	creds, err := credstore.Open(*credsPath)
	if err != nil {
		log.Fatalf("[credstore] %v", err)
	}
	defer creds.Close()

	compiler := fdo.NewStubCompiler()
	reg := registry.NewUserRegistry(func(actorTag int, screenname, action, target string) {
		if err := st.InsertAuditLog(actorTag, screenname, action, target, ""); err != nil {
			log.Printf("[audit] insert: %v", err)
		}
	})
	guests := registry.NewEphemeralGuestRegistry()

	chatH := chat.NewHandler(reg, compiler, st)
	imH := im.NewHandler(reg, im.NewConversationIdManager(), compiler)
	resolver := dod.NewFileResolver(*assetsDir, nil)
	dodH := dod.NewHandler(compiler, resolver, st, nil)

	downloadH := xfer.NewDownloadHandler(compiler, xfer.NewDownloadRegistry(), st)
	downloadH.XGTimeout = *xgTimeout
	uploadsDir := "uploads"
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		log.Fatalf("[xfer] create uploads dir: %v", err)
	}
	uploadH := xfer.NewUploadHandler(fileSinkOpener(uploadsDir), st)

	d := dispatch.NewDispatcher(chatH, imH, dodH, downloadH, uploadH)
	d.OnUnknownToken = func(token string) {
		log.Printf("[dispatch] unrecognized token %q", token)
	}

	limiter := ratelimit.New(rate.Limit(*perIPRate), *perIPBurst, 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	go RunMetrics(ctx, reg, downloadH.Registry, uploadH.Registry, 5*time.Second)

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Optimize(); err != nil {
					log.Printf("[store] optimize: %v", err)
				}
			}
		}
	}()

	if *adminAddr != "" {
		events := adminapi.NewEventBus()
		admin := adminapi.NewServer(reg, downloadH.Registry, uploadH.Registry, st, events)
		go func() {
			if *adminTLS {
				tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, adminHostname(*adminAddr))
				if err != nil {
					log.Fatalf("[adminapi] %v", err)
				}
				log.Printf("[adminapi] TLS certificate fingerprint: %s", fingerprint)
				admin.RunTLS(ctx, *adminAddr, tlsConfig)
				return
			}
			admin.Run(ctx, *adminAddr)
		}()
		log.Printf("[adminapi] listening on %s (tls=%v)", *adminAddr, *adminTLS)
	}

	srv := NewServer(*addr, *idleTimeout, reg, guests, d, creds, limiter)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[server] %v", err)
	}
}

func adminHostname(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}

// fileSinkOpener builds the OutputOpener xfer.UploadHandler writes
// completed uploads through: plain files under dir, named after the
// client-supplied (already sanitized upstream) filename.
func fileSinkOpener(dir string) xfer.OutputOpener {
	return func(filename string) (xfer.OutputSink, string, error) {
		return newFileSink(dir, filename)
	}
}
