package relay

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Server owns the HTTP surface and the shared relay singletons.
type Server struct {
	settings *Settings
	svc      *ChatService
	queue    *MessageQueue
	results  *ResultStore
	httpSrv  *http.Server
}

// NewServer builds the limiter, breaker, webhook client, queue and result
// store from settings, wires the HTTP routes, and returns a runnable server.
func NewServer(settings *Settings) (*Server, error) {
	if settings == nil {
		return nil, errors.New("settings are nil")
	}

	limiter := NewLimiter(settings.RateLimitMaxRequests, settings.RateLimitWindow, settings.RateLimitStoreSize)

	var client *WebhookClient
	if settings.WebhookURL != "" {
		client = NewWebhookClient(ClientOptions{
			URL:     settings.WebhookURL,
			Secret:  settings.WebhookSecret,
			Timeout: settings.ChatTimeout,
		})
	}

	queue := NewMessageQueue(QueueOptions{
		MaxSize:           settings.QueueMaxSize,
		ProcessingTimeout: settings.QueueProcessingTimeout,
		MaxRetries:        settings.QueueMaxRetries,
		PollBatchSize:     settings.QueuePollBatch,
	})
	results := NewResultStore(settings.ResultStoreSize, settings.ResultRetention)

	svc, err := NewChatService(ServiceOptions{
		Limiter:      limiter,
		Client:       client,
		Queue:        queue,
		Results:      results,
		Mode:         settings.TransportMode,
		PollInterval: settings.PollInterval,
		PollBudget:   settings.PollBudget,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build chat service")
	}

	mux := http.NewServeMux()
	mux.Handle("/chat", NewChatHTTPHandler(svc))
	mux.Handle("/chat/queue", NewQueueHTTPHandler(queue))
	mux.Handle("/chat/result", NewResultHTTPHandler(queue, results))
	mux.Handle("/health", NewHealthHTTPHandler())

	httpSrv := &http.Server{
		Addr:              settings.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Write timeout must outlive the slowest relay path: upstream call
		// plus retries in direct mode, poll budget in queue mode.
		WriteTimeout: settings.PollBudget + settings.ChatTimeout + 30*time.Second,
		IdleTimeout:  90 * time.Second,
	}

	return &Server{
		settings: settings,
		svc:      svc,
		queue:    queue,
		results:  results,
		httpSrv:  httpSrv,
	}, nil
}

func (s *Server) ChatService() *ChatService {
	if s == nil {
		return nil
	}
	return s.svc
}

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run serves HTTP until ctx is canceled or an interrupt arrives, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}

	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg := errgroup.Group{}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		shutdownBase := context.WithoutCancel(ctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownBase, 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		defer srvCancel()
		log.Info().
			Str("addr", s.httpSrv.Addr).
			Str("mode", string(s.settings.TransportMode)).
			Msg("starting chat relay server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
