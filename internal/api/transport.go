// Package api exposes the hub endpoint over HTTP.
//
// https://www.w3.org/TR/websub/#subscriber-sends-subscription-request
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dikkadev/websubhub/pkg/websub"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	modeKey     = "hub.mode"
	callbackKey = "hub.callback"
	topicKey    = "hub.topic"
	leaseKey    = "hub.lease_seconds"
	secretKey   = "hub.secret"
	urlKey      = "hub.url"

	maxFormSize  = 64 << 10
	pingTimeout  = 2 * time.Second
	contentPlain = "text/plain; charset=utf-8"
)

type Service interface {
	Subscribe(ctx context.Context, callback, topic string, leaseSeconds int, secret string) error
	Unsubscribe(ctx context.Context, callback, topic string) error
	Publish(ctx context.Context, url string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type handler struct {
	svc    Service
	store  Pinger
	logger *slog.Logger
}

// MakeHandler returns the hub endpoint with health check and metrics.
func MakeHandler(svc Service, store Pinger, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{svc: svc, store: store, logger: logger.With("component", "api")}

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Post("/", h.hub)
	mux.Get("/healthz", h.health)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func (h *handler) hub(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		h.encodeError(w, r, websub.ValidationErrors{}.Add("form", websub.CodeInvalid, "cannot be parsed"))
		return
	}
	form := r.PostForm

	var err error
	switch mode := form.Get(modeKey); mode {
	case string(websub.PendingSubscribe):
		lease, verr := decodeLease(form.Get(leaseKey))
		if verr != nil {
			err = verr
			break
		}
		err = h.svc.Subscribe(r.Context(), form.Get(callbackKey), form.Get(topicKey), lease, form.Get(secretKey))
	case string(websub.PendingUnsubscribe):
		err = h.svc.Unsubscribe(r.Context(), form.Get(callbackKey), form.Get(topicKey))
	case "publish":
		url := form.Get(urlKey)
		if url == "" {
			url = form.Get(topicKey)
		}
		err = h.svc.Publish(r.Context(), url)
	case "":
		err = websub.ValidationErrors{}.Add("mode", websub.CodeRequired, "is required")
	default:
		err = websub.ValidationErrors{}.Add("mode", websub.CodeInvalid, fmt.Sprintf("%q is not supported", mode))
	}

	if err != nil {
		h.encodeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// decodeLease reads an optional lease; zero selects the default lease.
func decodeLease(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	lease, err := strconv.Atoi(raw)
	if err != nil || lease < 0 {
		return 0, websub.ValidationErrors{}.Add("lease_seconds", websub.CodeInvalid, "must be a positive number of seconds")
	}
	return lease, nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	w.Header().Set("Content-Type", contentPlain)
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", "err", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "unavailable\n")
		return
	}
	io.WriteString(w, "ok\n")
}

// encodeError answers validation errors with one "field: message" line
// each and hides everything else behind a 500.
func (h *handler) encodeError(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("Content-Type", contentPlain)

	var verrs websub.ValidationErrors
	if errors.As(err, &verrs) {
		w.WriteHeader(http.StatusBadRequest)
		var b strings.Builder
		for _, fe := range verrs {
			b.WriteString(fe.Error())
			b.WriteByte('\n')
		}
		io.WriteString(w, b.String())
		return
	}

	h.logger.Error("Request failed", "mode", r.PostForm.Get(modeKey), "err", err)
	w.WriteHeader(http.StatusInternalServerError)
	io.WriteString(w, "internal error\n")
}
