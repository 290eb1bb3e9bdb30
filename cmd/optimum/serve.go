package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"
)

const requestIDHeader = "X-Request-Id"

var serveFlags pipelineFlags

var (
	serveAddr    string
	serveTimeout time.Duration
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve a task pipeline over HTTP",
	Description: `Serve loads one pipeline and answers POST /predict with {"inputs": ["..."]}.
				GET /health reports liveness and GET /stats the pipeline statistics.
				`,
	Flags: append(serveFlags.flags(),
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address. Defaults to $OPTIMUM_ADDR or :8080",
			Destination: &serveAddr,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Request timeout",
			Value:       60 * time.Second,
			Destination: &serveTimeout,
		},
	),
	Action: func(c *cli.Context) (err error) {
		p, err := newPredictor(c.Context, serveFlags.task, serveFlags.options(c, config)...)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, p.Close())
		}()

		addr := serveAddr
		if addr == "" {
			addr = config.Addr
		}
		server := &http.Server{
			Addr:              addr,
			Handler:           newRouter(serveFlags.task, p, serveTimeout),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return listenAndServe(ctx, server)
	},
}

// listenAndServe runs server until ctx is done, then shuts it down gracefully.
func listenAndServe(ctx context.Context, server *http.Server) error {
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server started")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("could not listen on %s: %w", server.Addr, err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

type predictRequest struct {
	Inputs []string `json:"inputs"`
}

type predictResponse struct {
	ID      string `json:"id"`
	Task    string `json:"task"`
	Outputs []any  `json:"outputs"`
}

func newRouter(task string, p predictor, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}))
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", restHandler(func(_ *http.Request) (any, error) {
		return map[string]string{"status": "ok"}, nil
	}))
	r.Get("/stats", restHandler(func(_ *http.Request) (any, error) {
		return p.GetStatistics(), nil
	}))
	r.Post("/predict", restHandler(func(r *http.Request) (any, error) {
		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, codedErrorf(http.StatusBadRequest, "unable to parse request body: %w", err)
		}
		if len(req.Inputs) == 0 {
			return nil, codedErrorf(http.StatusBadRequest, "request has no inputs")
		}
		output, err := p.Run(req.Inputs)
		if err != nil {
			return nil, codedErrorf(http.StatusUnprocessableEntity, "pipeline failed: %w", err)
		}
		return predictResponse{
			ID:      requestIDFrom(r),
			Task:    task,
			Outputs: output.GetOutput(),
		}, nil
	}))
	return r
}

type requestIDKey struct{}

// requestID tags every request with a uuid, reusing the one sent by the client if any.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func codedErrorf(code int, format string, args ...any) error {
	return &codedError{err: fmt.Errorf(format, args...), code: code}
}

func restHandler(handler func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := handler(r)
		if err != nil {
			code := http.StatusInternalServerError
			var cerr *codedError
			if errors.As(err, &cerr) {
				code = cerr.code
			}
			if code >= http.StatusInternalServerError {
				log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestIDFrom(r)).Msg("request failed")
			} else {
				log.Warn().Err(err).Str("path", r.URL.Path).Str("request_id", requestIDFrom(r)).Msg("bad request")
			}
			http.Error(w, err.Error(), code)
			return
		}
		if res == nil {
			res = struct{}{}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			log.Error().Err(err).Msg("error serializing response body")
		}
	}
}
