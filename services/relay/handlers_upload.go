package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"

	"filerelay/pkg/agentproto"
)

// handleUpload receives the bytes an agent pushes for a ticket and routes them
// into the waiting download.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	ticket := Ticket(trimParam(r, "ticket"))
	log := a.logger.With().Str("ticket", string(ticket)).Logger()

	if err := a.table.Claim(ticket); err != nil {
		if errors.Is(err, ErrTicketBusy) {
			respondError(w, http.StatusConflict, err)
			return
		}
		a.metrics.unknownTicketDropped()
		log.Debug().Msg("discarding upload for unknown ticket")
		respondError(w, http.StatusNotFound, err)
		return
	}

	if msg := uploadError(r); msg != "" {
		_ = a.table.Fail(ticket, fmt.Errorf("agent: %s", msg))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body := io.Reader(r.Body)
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("Content-Encoding")), "zstd") {
		dec, err := zstd.NewReader(r.Body)
		if err != nil {
			_ = a.table.Fail(ticket, fmt.Errorf("open zstd stream: %w", err))
			respondError(w, http.StatusBadRequest, err)
			return
		}
		defer dec.Close()
		body = dec
	}

	buf := make([]byte, a.config.UploadChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := a.table.Route(r.Context(), ticket, chunk); err != nil {
				if errors.Is(err, ErrUnknownTicket) {
					a.metrics.unknownTicketDropped()
					log.Debug().Msg("download went away mid-upload")
					respondError(w, http.StatusNotFound, err)
					return
				}
				_ = a.table.Fail(ticket, fmt.Errorf("upload interrupted: %w", err))
				log.Debug().Err(err).Msg("agent upload ended while routing")
				return
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			_ = a.table.Fail(ticket, fmt.Errorf("upload interrupted: %w", readErr))
			log.Warn().Err(readErr).Msg("agent upload interrupted")
			respondError(w, http.StatusBadRequest, readErr)
			return
		}
	}

	_ = a.table.Finish(ticket)
	w.WriteHeader(http.StatusNoContent)
}

// uploadError returns the failure an agent reported instead of sending bytes.
func uploadError(r *http.Request) string {
	if msg := strings.TrimSpace(r.Header.Get(agentproto.UploadErrorHeader)); msg != "" {
		return msg
	}
	return strings.TrimSpace(r.URL.Query().Get("error"))
}
