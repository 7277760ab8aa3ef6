package segment

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/transport"
	"github.com/go-chi/chi/v5"
)

// maxEnvelopeSize bounds a single command body. Transmitted values travel
// inside the command, so this is generous.
const maxEnvelopeSize = 1 << 30

// Handler serves a Host over HTTP.
type Handler struct {
	host *Host
}

func NewHandler(host *Host) *Handler {
	return &Handler{host: host}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(transport.CommandPath, h.command)
	r.Get("/segment/handles", h.handles)
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	env, err := protocol.DecodeMessage[protocol.Envelope](io.LimitReader(r.Body, maxEnvelopeSize))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse request: %v", err), http.StatusBadRequest)
		return
	}
	body, err := env.Body()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !env.WantsResponse() {
		// The coordinator does not wait: run detached from the request.
		go h.host.Execute(context.WithoutCancel(r.Context()), body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(protocol.ReplyAck))
		return
	}

	resp := h.host.Execute(r.Context(), body)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(resp))
}

func (h *Handler) handles(w http.ResponseWriter, r *http.Request) {
	resp := h.host.Execute(r.Context(), "list 0")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(resp))
}
