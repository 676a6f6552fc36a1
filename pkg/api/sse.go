package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// sseKeepAliveInterval is how often an SSE comment line is sent so
// intermediaries keep the idle connection open.
const sseKeepAliveInterval = 15 * time.Second

// sseHeaders prepares a response for a text/event-stream body.
func sseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// writeSSEData writes one `data:` frame carrying v as JSON.
func writeSSEData(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSERaw writes one `data:` frame carrying an already-encoded payload.
func writeSSERaw(w io.Writer, payload []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// writeSSEComment writes a comment line. Used for keep-alives and the
// truncated-stream marker.
func writeSSEComment(w io.Writer, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}
