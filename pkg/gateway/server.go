package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/streamcast/pkg/broker"
	"github.com/lokutor-ai/streamcast/pkg/config"
	"github.com/lokutor-ai/streamcast/pkg/jobs"
	"github.com/lokutor-ai/streamcast/pkg/logging"
	"github.com/lokutor-ai/streamcast/pkg/vad"
)

// defaultLangWhitelist is the configured whitelist spec §6.1 requires
// ("The set of accepted codes is a configured whitelist"); small and
// hardcoded here since SPEC_FULL.md does not prescribe a source for it.
var defaultLangWhitelist = map[string]bool{
	"en": true, "vi": true, "es": true, "fr": true, "de": true,
	"ja": true, "ko": true, "zh": true, "pt": true, "ru": true,
}

// VADFactory builds a fresh fused detector for one new session (spec §4.2:
// each session owns independent detector state).
type VADFactory func() vad.Detector

// Server is the Gateway process (C4 + C7): it accepts one WebSocket per
// client, runs each session's read/VAD/publish loop, and routes broker
// results back to the client, the server-side counterpart of the teacher's
// client-side WebSocket use in pkg/providers/tts/lokutor.go.
type Server struct {
	cfg           config.Gateway
	broker        broker.Broker
	newVAD        VADFactory
	langWhitelist map[string]bool
	logger        logging.Logger
}

// NewServer builds a Gateway server. logger defaults to a NoOpLogger if nil.
func NewServer(cfg config.Gateway, b broker.Broker, newVAD VADFactory, logger logging.Logger) *Server {
	if logger == nil {
		logger = &logging.NoOpLogger{}
	}
	return &Server{cfg: cfg, broker: b, newVAD: newVAD, langWhitelist: defaultLangWhitelist, logger: logger}
}

// DefaultVADFactory builds the standard energy+spectral-flatness fusion
// detector per cfg (spec §6.5 VAD_A_AGGR, VAD_B_THRESHOLD).
func DefaultVADFactory(cfg config.Gateway) VADFactory {
	return func() vad.Detector {
		a := vad.NewEnergyDetector(cfg.VADAggressiveness, 0)
		b := vad.NewSpectralFlatnessDetector(cfg.VADBThreshold)
		return vad.NewFusionVAD(a, b, cfg.VADBThreshold)
	}
}

// ServeHTTP accepts one WebSocket connection per request and runs its
// session loop until the socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := acceptWebSocket(w, r)
	if err != nil {
		s.logger.Warn("gateway: accept failed", "err", err)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	reattach := clientID != ""
	if !reattach {
		clientID = uuid.NewString()
	}

	var restoreFields map[string]string
	if reattach {
		fields, err := s.broker.HGetAll(r.Context(), jobs.SessionKey(clientID))
		if err != nil {
			s.logger.Warn("gateway: reattach hash read failed", "session_id", clientID, "err", err)
		} else if len(fields) > 0 {
			restoreFields = fields
		}
	}

	loop := newSessionLoop(s, conn, clientID, restoreFields)
	loop.run(r.Context())
}

// HealthHandler serves a trivial liveness check on cfg.HealthAddr,
// separate from the WebSocket listener the way the teacher's deployment
// keeps health checks off the main traffic port.
func (s *Server) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe starts both the WebSocket listener and the health
// listener, returning when ctx is canceled or either fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	wsSrv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s}
	healthSrv := &http.Server{Addr: s.cfg.HealthAddr, Handler: s.HealthHandler()}

	errCh := make(chan error, 2)
	go func() { errCh <- wsSrv.ListenAndServe() }()
	go func() { errCh <- healthSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wsSrv.Shutdown(shutdownCtx)
		_ = healthSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
