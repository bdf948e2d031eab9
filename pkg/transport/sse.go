// Package transport streams Agent Execution Loop events to an HTTP client as
// Server-Sent Events, using http.Flusher to push each event as it is written.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nstogner/agentserver/pkg/events"
)

// WriteSSE drains stream, writing each event as one "data: <json>\n\n"
// frame and flushing after every write, until stream closes. It returns
// once the stream is exhausted or the request context is done, whichever
// comes first; the latter is how client disconnect is detected and should
// be observed by the caller via ctx cancellation upstream of stream's
// producer.
func WriteSSE(w http.ResponseWriter, r *http.Request, stream <-chan events.Event, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, more := <-stream:
			if !more {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				logger.Error("transport: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				logger.Warn("transport: write event", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
