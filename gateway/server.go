package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stays/core"
	"stays/crypto"
)

// Server is the read facade over the node: deal lookups, the rolling event
// window, health and metrics. Mutations go through the JSON-RPC surface.
type Server struct {
	node      *core.Node
	jwtSecret []byte
	logger    *slog.Logger
}

func NewServer(node *core.Node, jwtSecret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{node: node, jwtSecret: []byte(strings.TrimSpace(jwtSecret)), logger: logger}
}

// Handler assembles the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if len(s.jwtSecret) > 0 {
			r.Use(s.requireJWT)
		}
		r.Get("/v1/deals/{id}", s.getDeal)
		r.Get("/v1/deals/{id}/terms/{impl}", s.getTermLink)
		r.Get("/v1/events", s.getEvents)
	})
	return r
}

func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

// requestID tags every request with a correlation identifier.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// requireJWT verifies an HS256 bearer token when a secret is configured.
func (s *Server) requireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getDeal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stub, ok := s.node.Deals().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "deal not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        hex.EncodeToString(stub.ID[:]),
		"provider":  crypto.NewAddress(crypto.StayPrefix, stub.Provider[:]).String(),
		"stateHash": hex.EncodeToString(stub.StateHash[:]),
		"step":      stub.Step.String(),
		"createdAt": stub.CreatedAt,
	})
}

func (s *Server) getTermLink(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "impl"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payload, ok := s.node.Deals().TermLink(id, addr.Raw())
	if !ok {
		writeError(w, http.StatusNotFound, "term link not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"impl":    addr.String(),
		"payload": hex.EncodeToString(payload),
	})
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.node.RecentEvents(),
	})
}

func parseID(value string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil || len(raw) != 32 {
		return out, errors.New("deal id must be 32 hex-encoded bytes")
	}
	copy(out[:], raw)
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
