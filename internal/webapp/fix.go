package webapp

import (
	"encoding/json"
	"net/http"

	"nuha.dev/famtrack/internal/tracker"
	"nuha.dev/famtrack/internal/transport"
	"nuha.dev/famtrack/internal/util"
)

var codeStatus = map[string]int{
	tracker.CodeOK:                 http.StatusOK,
	tracker.CodeRateLimited:        http.StatusTooManyRequests,
	tracker.CodeUnauthenticated:    http.StatusUnauthorized,
	tracker.CodeOutOfOrder:         http.StatusConflict,
	tracker.CodeInvalidCoordinates: http.StatusUnprocessableEntity,
	tracker.CodeInvalidFix:         http.StatusBadRequest,
	tracker.CodeTransportFailure:   http.StatusServiceUnavailable,
	tracker.CodeInternal:           http.StatusInternalServerError,
}

func httpStatus(code string) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// SubmitFix accepts one fix over plain HTTP. Every request authenticates with
// X-Device-Id and the device bearer token.
func (api *Api) SubmitFix(w http.ResponseWriter, r *http.Request) {
	device_id := r.Header.Get("X-Device-Id")
	if device_id == "" || len(device_id) > 128 {
		util.JsonWriteStatus(w, http.StatusBadRequest, transport.RejectReply(tracker.ErrInvalidFix))
		return
	}
	fix, err := transport.DecodeFix(readBody(w, r))
	if err != nil {
		util.JsonWriteStatus(w, http.StatusBadRequest, transport.RejectReply(err))
		return
	}
	acc, err := api.ch.SubmitWithCredential(r.Context(), device_id, tracker.ConnectRequest{Token: bearer(r)}, fix)
	rep := transport.FixReply(&fix, acc, err)
	util.JsonWriteStatus(w, httpStatus(rep.Code), rep)
}

func readBody(w http.ResponseWriter, r *http.Request) json.RawMessage {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&raw); err != nil {
		return nil
	}
	return raw
}
