// Command signing-service runs the reference remote signing service.
// It serves the descriptor and sign endpoints the SDK's remote_service
// signer consumes, signing with a key held in process. It is meant for
// development and integration testing, not production key custody.
package main

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sigstore/sigstore/pkg/cryptoutils"

	"github.com/provamark-dev/provamark-host-sdk/remote"
)

func main() {
	var (
		addr      = flag.String("addr", ":8787", "listen address")
		alg       = flag.String("alg", "es256", "signing algorithm: es256 or ed25519")
		keyPath   = flag.String("key", "", "PEM private key file (default: ephemeral key)")
		certPath  = flag.String("cert", "", "PEM certificate chain file (default: self-signed)")
		reserve   = flag.Int("reserve", 0, "advertised signature reserve bytes (default: per algorithm)")
		tsaURL    = flag.String("tsa-url", "", "RFC 3161 timestamp authority to advertise")
		jwtSecret = flag.String("jwt-secret", "", "enable bearer auth with this HS256 secret")
		tokenTTL  = flag.Duration("token-ttl", time.Hour, "lifetime of the printed dev token")
		logLevel  = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	if err := run(*addr, *alg, *keyPath, *certPath, *reserve, *tsaURL, *jwtSecret, *tokenTTL, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "signing-service: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, alg, keyPath, certPath string, reserve int, tsaURL, jwtSecret string, tokenTTL time.Duration, logLevel string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("unknown log level %q", logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	key, generated, err := loadOrGenerateKey(alg, keyPath)
	if err != nil {
		return err
	}
	certPEM, err := loadOrGenerateCert(certPath, key)
	if err != nil {
		return err
	}
	if generated {
		logger.Warn("using an ephemeral key; signatures will not verify across restarts")
	}

	opts := []remote.ServiceOption{remote.WithServiceLogger(logger)}
	if reserve > 0 {
		opts = append(opts, remote.WithReserveSize(reserve))
	}
	if tsaURL != "" {
		opts = append(opts, remote.WithTimestampURL(tsaURL))
	}
	if jwtSecret != "" {
		opts = append(opts, remote.WithJWTSecret([]byte(jwtSecret)))
	}

	svc, err := remote.NewService(alg, key, certPEM, opts...)
	if err != nil {
		return err
	}

	if jwtSecret != "" {
		token, err := svc.IssueToken(tokenTTL)
		if err != nil {
			return err
		}
		fmt.Printf("dev bearer token (%s):\n%s\n", tokenTTL, token)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("signing service listening",
			slog.String("addr", addr),
			slog.String("alg", alg),
			slog.String("signer_id", svc.SignerID()),
			slog.Bool("auth", jwtSecret != ""))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadOrGenerateKey returns the configured key, or a fresh one for dev
// runs without key material. The bool reports whether it generated.
func loadOrGenerateKey(alg, path string) (crypto.Signer, bool, error) {
	if path != "" {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, false, err
		}
		priv, err := cryptoutils.UnmarshalPEMToPrivateKey(pemBytes, nil)
		if err != nil {
			return nil, false, fmt.Errorf("parsing key %s: %w", path, err)
		}
		signer, ok := priv.(crypto.Signer)
		if !ok {
			return nil, false, fmt.Errorf("key %s does not implement crypto.Signer", path)
		}
		return signer, false, nil
	}

	switch alg {
	case "es256":
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		return key, true, err
	case "ed25519":
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, true, err
	default:
		return nil, false, fmt.Errorf("unsupported algorithm %q", alg)
	}
}

func loadOrGenerateCert(path string, key crypto.Signer) (string, error) {
	if path != "" {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(pemBytes), nil
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return "", err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "provamark dev signing service"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return "", err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if certPEM == nil {
		return "", errors.New("encoding certificate failed")
	}
	return string(certPEM), nil
}
