package relay

import (
	"errors"
	"io"
	"net/http"
	"strconv"
)

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	serverID := trimParam(r, "server_id")
	fileID := trimParam(r, "file_id")

	agentID, err := strconv.ParseInt(serverID, 10, 64)
	if err != nil || fileID == "" {
		a.logger.Trace().Str("server_id", serverID).Str("file_id", fileID).Msg("malformed download request")
		respondHTML(w, http.StatusNotFound, notConnectedBody)
		return
	}

	ctx := r.Context()
	stream, err := a.broker.Download(ctx, agentID, fileID)
	switch {
	case err == nil:
	case errors.Is(err, ErrAgentOffline), errors.Is(err, ErrLinkUnavailable):
		a.logger.Trace().
			Int64("agent_id", agentID).
			Str("file_id", fileID).
			Msg("file requested from an agent that is not connected")
		respondHTML(w, http.StatusNotFound, notConnectedBody)
		return
	case errors.Is(err, ErrTicketSpaceExhausted):
		a.logger.Error().Err(err).Msg("mint download ticket")
		respondHTML(w, http.StatusServiceUnavailable, "too many downloads in flight")
		return
	default:
		a.logger.Error().Err(err).Int64("agent_id", agentID).Msg("start download")
		respondHTML(w, http.StatusInternalServerError, "download failed")
		return
	}
	defer stream.Close()

	// Hold the status line until the agent answers so a silent agent can still
	// be reported as a timeout.
	chunk, err := stream.Next(ctx)
	switch {
	case err == nil, errors.Is(err, io.EOF):
	case errors.Is(err, ErrDownloadTimeout):
		respondHTML(w, http.StatusGatewayTimeout, timedOutBody)
		return
	case ctx.Err() != nil:
		return
	default:
		a.logger.Warn().Err(err).Str("ticket", string(stream.Ticket)).Msg("agent aborted upload")
		respondHTML(w, http.StatusBadGateway, "the server failed to send the requested resource")
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	for len(chunk) > 0 || err == nil {
		if len(chunk) > 0 {
			if _, werr := w.Write(chunk); werr != nil {
				return
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return
			}
		}
		if err != nil {
			break
		}
		chunk, err = stream.Next(ctx)
	}

	if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		// Headers are gone; cutting the body is all that is left.
		a.logger.Warn().Err(err).Str("ticket", string(stream.Ticket)).Msg("download interrupted")
		panic(http.ErrAbortHandler)
	}
}
