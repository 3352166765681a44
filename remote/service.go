package remote

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Service is an in-process reference implementation of the signing
// service protocol. It backs cmd/signing-service and the integration
// tests; production deployments are expected to front an HSM instead.
type Service struct {
	logger    *slog.Logger
	signer    crypto.Signer
	algorithm string
	certPEM   string
	reserve   int
	tsaURL    string
	jwtSecret []byte
	signerID  string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger. Default: slog.Default().
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJWTSecret enables bearer authentication. Requests must carry an
// HS256 token signed with this secret whose scope includes "sign".
func WithJWTSecret(secret []byte) ServiceOption {
	return func(s *Service) { s.jwtSecret = secret }
}

// WithTimestampURL advertises an RFC 3161 authority in the descriptor.
func WithTimestampURL(url string) ServiceOption {
	return func(s *Service) { s.tsaURL = url }
}

// WithReserveSize overrides the advertised signature reserve.
func WithReserveSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.reserve = n
		}
	}
}

// NewService builds a signing service around one key. Supported
// algorithms: es256, ed25519.
func NewService(algorithm string, key crypto.Signer, certPEM string, opts ...ServiceOption) (*Service, error) {
	switch algorithm {
	case "es256", "ed25519":
	default:
		return nil, fmt.Errorf("unsupported service algorithm %q", algorithm)
	}
	if key == nil {
		return nil, fmt.Errorf("service key is required")
	}
	if certPEM == "" {
		return nil, fmt.Errorf("service certificate chain is required")
	}

	s := &Service{
		logger:    slog.Default(),
		signer:    key,
		algorithm: algorithm,
		certPEM:   certPEM,
		reserve:   defaultReserve(algorithm),
		signerID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// defaultReserve leaves generous headroom over the raw signature size.
func defaultReserve(algorithm string) int {
	switch algorithm {
	case "ed25519":
		return 2048
	default:
		return 4096
	}
}

// SignerID returns the identifier reported in sign responses.
func (s *Service) SignerID() string {
	return s.signerID
}

// IssueToken mints an HS256 bearer token accepted by this service.
func (s *Service) IssueToken(ttl time.Duration) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", fmt.Errorf("service has no JWT secret configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   "provamark-signing-service",
		"scope": "sign",
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"jti":   uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// Router returns the HTTP handler tree.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if len(s.jwtSecret) > 0 {
			r.Use(s.bearerAuth)
		}
		r.Get("/signer", s.handleDescriptor)
		r.Post("/sign", s.handleSign)
	})

	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "time": time.Now().UTC()})
}

// handleDescriptor serves the signer configuration document. The sign URL
// is derived from the incoming request so the service works behind
// httptest listeners and port-forwarded dev setups alike.
func (s *Service) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	respondJSON(w, http.StatusOK, Descriptor{
		Algorithm:    s.algorithm,
		CertChainPEM: s.certPEM,
		ReserveSize:  s.reserve,
		TimestampURL: s.tsaURL,
		SignURL:      fmt.Sprintf("%s://%s/v1/sign", scheme, r.Host),
	})
}

func (s *Service) handleSign(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req SignRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, defaultMaxBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "payload_b64 is not valid base64")
		return
	}
	if len(payload) == 0 {
		respondError(w, http.StatusBadRequest, "payload is empty")
		return
	}

	sig, err := s.sign(payload)
	if err != nil {
		s.logger.Error("signing failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "signing failed")
		return
	}

	s.logger.Debug("signed payload",
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.Int("payload_bytes", len(payload)))

	respondJSON(w, http.StatusOK, SignResponse{
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignerID:  s.signerID,
	})
}

func (s *Service) sign(payload []byte) ([]byte, error) {
	switch s.algorithm {
	case "ed25519":
		return s.signer.Sign(rand.Reader, payload, crypto.Hash(0))
	default: // es256
		digest := sha256.Sum256(payload)
		return s.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
}

// bearerAuth admits requests carrying a valid HS256 token with the sign
// scope.
func (s *Service) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			respondError(w, http.StatusUnauthorized, "invalid claims")
			return
		}
		scope, _ := claims["scope"].(string)
		if !strings.Contains(scope, "sign") {
			respondError(w, http.StatusForbidden, "missing sign scope")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
