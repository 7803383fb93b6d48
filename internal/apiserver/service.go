package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/pyrolabs/pyroswap/backend/internal/config"
	"github.com/pyrolabs/pyroswap/backend/internal/indexer"
)

// Service exposes the indexed position, settlement, and config data over
// HTTP. It reads from postgres only; trading flows never touch this process.
type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            *indexer.Store
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := indexer.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/positions", s.handlePositions)
	mux.HandleFunc("/api/v1/positions/", s.handlePositionByPubkey)
	mux.HandleFunc("/api/v1/settlements", s.handleSettlements)
	mux.HandleFunc("/api/v1/config", s.handleGlobalConfig)
	mux.HandleFunc("/ws", s.handleWebsocket)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListPositions(r.Context(), indexer.PositionFilter{
		Owner:  strings.TrimSpace(r.URL.Query().Get("owner")),
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("list positions failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.PositionRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handlePositionByPubkey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	pubkey := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/v1/positions/"))
	if pubkey == "" || strings.Contains(pubkey, "/") {
		s.respondError(w, http.StatusBadRequest, "position pubkey is required")
		return
	}

	row, err := s.store.GetPosition(r.Context(), pubkey)
	if err != nil {
		s.logger.Error("get position failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get position")
		return
	}
	if row == nil {
		s.respondError(w, http.StatusNotFound, "position not found")
		return
	}
	s.respondJSON(w, http.StatusOK, row)
}

func (s *Service) handleSettlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListSettlements(r.Context(), indexer.SettlementFilter{
		Owner:   strings.TrimSpace(r.URL.Query().Get("owner")),
		Outcome: strings.TrimSpace(r.URL.Query().Get("outcome")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.logger.Error("list settlements failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list settlements")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.SettlementRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleGlobalConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	row, err := s.store.GetGlobalConfig(r.Context())
	if err != nil {
		s.logger.Error("get global config failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get global config")
		return
	}
	if row == nil {
		s.respondError(w, http.StatusNotFound, "global config not initialized")
		return
	}
	s.respondJSON(w, http.StatusOK, row)
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, allowed := s.allowedOriginSet[origin]
	return allowed
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
