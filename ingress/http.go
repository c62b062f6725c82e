package ingress

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hatunnel/hatunnel-go/tunnelerr"
)

// Options tunes the reference adapter's behavior.
type Options struct {
	// AttachClientIP sets HttpRequest.ClientIP from the caller's remote
	// address, resolving spec.md §9's ha_pass_client_ip open question.
	AttachClientIP bool
}

// NewRouter builds the reference ingress adapter named in spec.md §4.10: a
// chi router exposing /api/alexa/smart_home and /api/google/smart_home,
// each forwarding the whole request through d and translating the outcome
// per the Dispatcher contract (§4.8). It implements no Alexa/Google payload
// semantics of its own — that remains explicitly out of scope.
func NewRouter(d Dispatcher, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handler := forwardHandler(d, opts)
	r.HandleFunc("/api/alexa/smart_home", handler)
	r.HandleFunc("/api/google/smart_home", handler)

	return r
}

func forwardHandler(d Dispatcher, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := BuildRequest(r, opts.AttachClientIP)
		if err != nil {
			if tunnelerr.Is(err, tunnelerr.KindOversize) {
				http.Error(w, "too_large", http.StatusRequestEntityTooLarge)
			} else {
				http.Error(w, "disconnected", http.StatusBadGateway)
			}
			return
		}
		resp, err := d.Forward(r.Context(), req)
		WriteResponse(w, resp, err)
	}
}
