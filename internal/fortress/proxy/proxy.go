// Package proxy builds fortress's edge listeners: a plaintext HTTP
// listener that only ever redirects to HTTPS, and a TLS listener that
// peeks each connection's ClientHello for its JA3 fingerprint and
// enforces L4 admission control before the handshake completes. Both
// front the same chi router built by internal/fortress/httpserver,
// which in turn adjudicates every request through the pipeline before
// handing it to the upstream reverse proxy built here.
package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/Egida/fortress/internal/fortress/config"
	"github.com/Egida/fortress/internal/fortress/ja3"
	"github.com/Egida/fortress/internal/fortress/l4"
	"github.com/Egida/fortress/internal/fortress/slowloris"
)

// NewReverseProxy builds the upstream-facing reverse proxy. Director
// rewrites forwarded headers after the default scheme/host rewrite so
// client-supplied X-Forwarded-* values are appended to, never trusted
// verbatim; ErrorHandler returns a JSON 502 rather than net/http's
// default plaintext body.
func NewReverseProxy(cfg config.UpstreamConfig) (*httputil.ReverseProxy, error) {
	target, err := url.Parse("http://" + cfg.Address)
	if err != nil {
		return nil, err
	}

	rp := httputil.NewSingleHostReverseProxy(target)

	orig := rp.Director
	rp.Director = func(req *http.Request) {
		origHost := req.Host
		origProto := "http"
		if req.TLS != nil {
			origProto = "https"
		}

		client := req.RemoteAddr
		if host, _, err := net.SplitHostPort(client); err == nil && host != "" {
			client = host
		}
		xff := req.Header.Get("X-Forwarded-For")

		orig(req)

		if xff == "" {
			req.Header.Set("X-Forwarded-For", client)
		} else {
			req.Header.Set("X-Forwarded-For", xff+", "+client)
		}
		req.Header.Set("X-Forwarded-Host", origHost)
		req.Header.Set("X-Forwarded-Proto", origProto)
	}

	rp.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, _ error) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"bad_gateway"}` + "\n"))
	}

	rp.Transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		}).DialContext,
		ResponseHeaderTimeout: time.Duration(cfg.ResponseTimeoutMs) * time.Millisecond,
		MaxConnsPerHost:       cfg.MaxConnections,
	}

	return rp, nil
}

// Servers bundles the plaintext-redirect and TLS edge listeners that
// front one shared handler.
type Servers struct {
	HTTP  *http.Server
	HTTPS *http.Server

	certs     *certManager
	l4Tracker *l4.Tracker
	slowloris *slowloris.Detector
	admission *admissionListener
	tlsLn     net.Listener
	httpLn    net.Listener

	stopJanitor     chan struct{}
	stopJanitorOnce sync.Once
}

// New builds both edge servers around handler. l4Tracker runs admission
// control on every accepted TLS connection; slowlorisDetector tracks
// byte-trickle behavior on the same connections and is enforced by a
// background janitor started in Run. Both are owned by the caller,
// which also feeds l4Tracker periodic Cleanup() calls.
func New(cfg *config.Config, handler http.Handler, l4Tracker *l4.Tracker, slowlorisDetector *slowloris.Detector) *Servers {
	certs := newCertManager(cfg.TLS.CertDir)

	s := &Servers{certs: certs, l4Tracker: l4Tracker, slowloris: slowlorisDetector, stopJanitor: make(chan struct{})}

	s.HTTPS = &http.Server{
		Addr:    cfg.Server.BindHTTPS,
		Handler: handler,
		TLSConfig: &tls.Config{
			GetCertificate: certs.GetCertificate,
			MinVersion:     minTLSVersion(cfg.TLS.MinVersion),
		},
		ReadHeaderTimeout: time.Duration(cfg.Server.ConnectionTimeoutSecs) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.KeepaliveTimeoutSecs) * time.Second,
		ConnContext:       connContextWithJA3,
	}

	s.HTTP = &http.Server{
		Addr:              cfg.Server.BindHTTP,
		Handler:           http.HandlerFunc(redirectToHTTPS),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// connContextWithJA3 recovers the JA3 hash sniffed at accept time from
// the *tls.Conn's underlying net.Conn and stashes it on the request
// context, so httpserver's pipeline handler can read it back out
// via ja3.FromContext without either package depending on the other's
// connection-handling internals.
func connContextWithJA3(ctx context.Context, c net.Conn) context.Context {
	tc, ok := c.(*tls.Conn)
	if !ok {
		return ctx
	}
	sc, ok := tc.NetConn().(*sniffedConn)
	if !ok || sc.ja3Hash == "" {
		return ctx
	}
	return ja3.WithHash(ctx, sc.ja3Hash)
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	target := "https://" + host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// Run starts both listeners and blocks until either exits or ctx is
// canceled, in which case both are shut down gracefully.
func (s *Servers) Run(ctx context.Context) error {
	rawTLSLn, err := net.Listen("tcp", s.HTTPS.Addr)
	if err != nil {
		return err
	}
	s.admission = newAdmissionListener(rawTLSLn, s.l4Tracker, s.slowloris)
	s.tlsLn = tls.NewListener(s.admission, s.HTTPS.TLSConfig)
	go s.admission.watchSlowloris(5*time.Second, s.stopJanitor)

	httpLn, err := net.Listen("tcp", s.HTTP.Addr)
	if err != nil {
		_ = s.tlsLn.Close()
		return err
	}
	s.httpLn = httpLn

	errCh := make(chan error, 2)
	go func() { errCh <- s.HTTPS.Serve(s.tlsLn) }()
	go func() { errCh <- s.HTTP.Serve(s.httpLn) }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown drains both servers, giving in-flight requests up to the
// context's deadline to complete.
func (s *Servers) Shutdown(ctx context.Context) error {
	s.stopJanitorOnce.Do(func() { close(s.stopJanitor) })
	_ = s.HTTP.Shutdown(ctx)
	return s.HTTPS.Shutdown(ctx)
}

// ReloadCerts clears the certificate cache so the next handshake for
// each hostname re-reads its keypair from disk, matching a config
// reload that may point CertDir at rotated certificates.
func (s *Servers) ReloadCerts() {
	s.certs.Reset()
}
