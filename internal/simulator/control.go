package simulator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/benchlab/dcps/internal/auth"
)

// Response is the control API envelope.
type Response struct {
	Result        string `json:"result"`
	Data          any    `json:"data,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlationId"`
}

type faultRequest struct {
	Fault string `json:"fault"`
}

type tripRequest struct {
	Channel int    `json:"channel"`
	Kind    string `json:"kind"`
}

// ControlHandler serves the control API for inst:
//
//	GET  /state  current State
//	POST /fault  {"fault":"garbage"}
//	POST /reset  power-on state, fault cleared
//	POST /trip   {"channel":1,"kind":"ovp"}
//
// Every route requires the sim:control scope when v is non-nil.
func ControlHandler(inst *Instrument, v *auth.Verifier) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, inst.Snapshot())
	})
	mux.HandleFunc("POST /fault", func(w http.ResponseWriter, r *http.Request) {
		var req faultRequest
		if !decode(w, r, &req) {
			return
		}
		f, err := ParseFault(req.Fault)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
			return
		}
		inst.SetFault(f)
		writeSuccess(w, inst.Snapshot())
	})
	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, r *http.Request) {
		inst.Reset()
		writeSuccess(w, inst.Snapshot())
	})
	mux.HandleFunc("POST /trip", func(w http.ResponseWriter, r *http.Request) {
		var req tripRequest
		if !decode(w, r, &req) {
			return
		}
		var ov bool
		switch strings.ToLower(req.Kind) {
		case "ovp":
			ov = true
		case "ocp":
		default:
			writeError(w, http.StatusBadRequest, "INVALID_PARAMETER", fmt.Sprintf("kind %q is not ovp or ocp", req.Kind))
			return
		}
		if err := inst.Trip(req.Channel, ov); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
			return
		}
		writeSuccess(w, inst.Snapshot())
	})
	return auth.NewMiddleware(v).Require(mux, auth.ScopeControl)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PARAMETER", "Malformed request body")
		return false
	}
	return true
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeResponse(w, http.StatusOK, &Response{Result: "ok", Data: data, CorrelationID: uuid.NewString()})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeResponse(w, status, &Response{Result: "error", Code: code, Message: message, CorrelationID: uuid.NewString()})
}

func writeResponse(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
