// Command elgar-tracking-console serves the live dispatch map: it joins
// the presence channel, polls active mission tracking, reconciles both
// into one map entry list, and streams the result to command-role
// consoles over Server-Sent Events.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/acme/autocert"

	"github.com/socsahar/ElgarAdmin-sub001/pkg/assignment"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/console"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/events"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/geocode"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/mapview"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/presence"
	"github.com/socsahar/ElgarAdmin-sub001/pkg/reconcile"
)

// CompileVersion is stamped by the build.
var CompileVersion = "dev"

var (
	port        = flag.Int("port", 8765, "Port for the console server")
	domain      = flag.String("domain", "", "Serve on 80/443 with automatic HTTPS for this domain")
	apiBase     = flag.String("api-base", envOr("ELGAR_API_BASE", "http://127.0.0.1:5000"), "Base URL of the dispatch REST API")
	channelBase = flag.String("channel-base", envOr("ELGAR_CHANNEL_BASE", ""), "Base URL of the presence channel (defaults to -api-base)")
	apiToken    = flag.String("token", envOr("ELGAR_API_TOKEN", ""), "Bearer token for the dispatch API")
	userID      = flag.String("user-id", envOr("ELGAR_USER_ID", ""), "Acting user id announced on the presence channel")
	username    = flag.String("username", envOr("ELGAR_USERNAME", "console"), "Acting username announced on the presence channel")
	userRole    = flag.String("role", envOr("ELGAR_ROLE", "dispatcher"), "Acting role; must be on the command allow-list")
	publicURL   = flag.String("public-url", "", "Externally reachable console URL encoded in /qr.png")
	geocodeURL  = flag.String("geocode-url", geocode.DefaultBaseURL, "Geocoding service base URL")
	geocodeUA   = flag.String("geocode-user-agent", "ElgarTrackingConsole/1.0", "Client identifier sent to the geocoding service")
	cacheTTL    = flag.Duration("cache-ttl", 30*time.Second, "Active-events response cache TTL; 0 disables")
	version     = flag.Bool("version", false, "Show the application version")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// .env first so its values become flag defaults, still overridable
	// on the command line.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] .env: %v", err)
	}
	flag.Parse()

	if *version {
		fmt.Printf("elgar-tracking-console %s\n", CompileVersion)
		return
	}
	if !console.AllowedToView(*userRole) {
		log.Fatalf("role %q is not on the command allow-list", *userRole)
	}
	if *channelBase == "" {
		*channelBase = *apiBase
	}
	if *publicURL == "" {
		if *domain != "" {
			*publicURL = "https://" + *domain + "/"
		} else {
			*publicURL = fmt.Sprintf("http://127.0.0.1:%d/", *port)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	geocoder := geocode.NewClient(geocode.Config{
		BaseURL:   *geocodeURL,
		UserAgent: *geocodeUA,
	})
	defer geocoder.Close()

	eventsClient := events.NewClient(*apiBase, *apiToken)
	assignments := assignment.NewClient(*apiBase, *apiToken)

	recon := reconcile.New(reconcile.Options{})
	defer recon.Stop()

	view := mapview.New(recon, geocoder, eventsClient, mapview.Options{})
	defer view.Stop()

	channel := presence.NewClient(*channelBase, *apiToken, presence.Identity{
		UserID:   *userID,
		Username: *username,
		Role:     *userRole,
	}, log.Printf)
	go channel.Start(ctx)

	srv := console.NewServer(console.Config{
		Feed:      recon,
		View:      view,
		Events:    eventsClient,
		PublicURL: *publicURL,
		CacheTTL:  *cacheTTL,
	})
	defer srv.Close()

	poller := newTrackingPoller(assignments, recon, log.Printf)
	go poller.Run(ctx)

	// Roster snapshots drive both the reconciler and the poll pacing.
	go func() {
		for roster := range channel.Rosters() {
			recon.SetRoster(roster)
			poller.SetRosterSize(len(roster))
		}
	}()
	go func() {
		for n := range channel.Notifications() {
			srv.Notify(n)
		}
	}()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 2m", func() {
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := srv.RefreshEvents(refreshCtx); err != nil {
			log.Printf("[cron] active events refresh: %v", err)
		}
	}); err != nil {
		log.Fatalf("schedule events refresh: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	mux := http.NewServeMux()
	srv.Routes(mux)
	handler := withServerHeader(mux)

	if *domain != "" {
		serveWithDomain(ctx, *domain, handler)
		return
	}
	serve(ctx, fmt.Sprintf(":%d", *port), handler)
}

// withServerHeader stamps responses and answers HEAD / with a bare 200
// so load balancers see the service is alive.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "elgar-tracking-console/"+CompileVersion)
		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serve runs one plain-HTTP listener and shuts it down when ctx ends.
func serve(ctx context.Context, addr string, handler http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	log.Printf("console server on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("console server: %v", err)
	}
}

// serveWithDomain runs the Let's Encrypt pair: :80 answers ACME
// challenges and redirects everything else to https, :443 serves the
// console with automatic certificates.
func serveWithDomain(ctx context.Context, domain string, handler http.Handler) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			if host == domain || host == "www."+domain {
				return nil
			}
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	redirect := &http.Server{
		Addr:              ":80",
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
		})
		redirect.Handler = mux80
		log.Printf("http server (acme+redirect) on :80")
		if err := redirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server: %v", err)
		}
	}()

	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS12
	server := &http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		redirect.Shutdown(shutdownCtx)
	}()
	log.Printf("https server on :443 for %s", domain)
	if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("https server: %v", err)
	}
}
