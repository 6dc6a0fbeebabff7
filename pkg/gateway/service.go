// Package gateway runs a consultation session as a long-lived service:
// membership sources feed the orchestrator and an HTTP listener reports health.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"consultd/pkg/config"
	"consultd/pkg/participant"
	"consultd/pkg/session"
	"consultd/pkg/tips"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	providerHealthInterval = 30 * time.Second
)

// Membership is the part of the session a source drives.
type Membership interface {
	RegisterParticipant(ctx context.Context, identity string, role participant.Role, name string) error
	HandleTranscription(ctx context.Context, identity, text string, confidence *float64) error
	HandleParticipantLeft(ctx context.Context, identity string)
	GenerateAndSendTips(ctx context.Context) []tips.Tip
	Status() session.Status
}

// Session is the orchestrator as the service sees it.
type Session interface {
	Membership
	Initialize(ctx context.Context) error
	Shutdown()
}

// Source feeds joins, leaves and transcripts into the session until ctx ends.
type Source interface {
	Name() string
	Run(ctx context.Context, m Membership) error
}

// HealthChecker reports language-model backend reachability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	provider HealthChecker
	session  Session
	sources  []Source

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	sourceStates     map[string]sourceState
}

type sourceState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status           string                 `json:"status"`
	UptimeSeconds    int64                  `json:"uptime_seconds"`
	ProviderLastOKAt string                 `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                 `json:"provider_last_error,omitempty"`
	Sources          map[string]sourceState `json:"sources"`
	Session          *session.Status        `json:"session,omitempty"`
}

func NewService(cfg *config.Config, provider HealthChecker, sess Session, sources []Source, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if sess == nil {
		return nil, errors.New("session is required")
	}
	if len(sources) == 0 {
		return nil, errors.New("at least one membership source is required")
	}
	if log == nil {
		log = slog.Default()
	}

	states := make(map[string]sourceState, len(sources))
	for _, source := range sources {
		states[source.Name()] = sourceState{}
	}

	return &Service{
		cfg:          cfg,
		log:          log.With("component", "gateway.service"),
		provider:     provider,
		session:      sess,
		sources:      sources,
		sourceStates: states,
	}, nil
}

// Run initializes the session and serves until ctx ends or a source fails.
// The session is shut down on every exit path.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkProviderHealth(ctx); err != nil {
		return err
	}

	if err := s.session.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	defer func() {
		cancel()
		s.session.Shutdown()
	}()

	serverErrors := make(chan error, 1)
	go s.runHealthServer(ctx, serverErrors)
	go s.runProviderHealthLoop(ctx)

	errCh := make(chan error, len(s.sources))
	s.startSources(ctx, errCh)

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErrors:
		return err
	case err := <-errCh:
		return err
	}
}

func (s *Service) runProviderHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(providerHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkProviderHealth(ctx); err != nil {
				s.log.Warn("Provider health check failed", "error", err)
			}
		}
	}
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, s.currentStatus(status))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := s.currentStatus("ok")
	sessionStatus := s.session.Status()
	payload.Session = &sessionStatus

	s.respondStatus(w, http.StatusOK, payload)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, payload statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	sources := make(map[string]sourceState, len(s.sourceStates))
	for name, state := range s.sourceStates {
		sources[name] = state
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		Sources:          sources,
	}
}

// isReady requires a running source, a healthy provider and a live session.
func (s *Service) isReady() bool {
	switch s.session.Status().State {
	case session.StateInitialized, session.StateRunning:
	default:
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	anyRunning := false
	for _, state := range s.sourceStates {
		if state.Running {
			anyRunning = true
			break
		}
	}
	if !anyRunning {
		return false
	}

	return !s.providerLastOKAt.IsZero() && s.providerLastErr == ""
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.provider.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
