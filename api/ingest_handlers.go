package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"argus/core"
	"argus/rollup"
	"argus/storage"

	"github.com/vmihailenco/msgpack/v5"
)

// jsonBodyLimit bounds a single-signal body; batchBodyLimit bounds a batch.
const (
	jsonBodyLimit  = 1 << 20 // 1MB
	batchBodyLimit = 8 << 20 // 8MB
)

// decodeBody unmarshals a request body as msgpack or JSON depending on
// Content-Type. Agents on constrained links post msgpack batches.
func decodeBody(r *http.Request, limit int64, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return err
	}
	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "msgpack") {
		return msgpack.Unmarshal(body, v)
	}
	return json.Unmarshal(body, v)
}

func (a *API) ingestSignal(w http.ResponseWriter, r *http.Request) {
	var sig core.Signal
	if err := decodeBody(r, jsonBodyLimit, &sig); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid signal payload", err, a.logger)
		return
	}
	if err := a.validate.Struct(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "Signal failed validation: "+err.Error(), nil, a.logger)
		return
	}

	if err := a.ingestor.RecordSignal(r.Context(), &sig); err != nil {
		switch {
		case errors.Is(err, rollup.ErrMissingDeviceID):
			writeError(w, http.StatusBadRequest, "Signal missing device id", nil, a.logger)
		case storage.IsUnavailable(err):
			writeError(w, http.StatusServiceUnavailable, "Storage backend unavailable", err, a.logger)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to record signal", err, a.logger)
		}
		return
	}
	a.respondJSON(w, map[string]string{"status": "accepted", "device_id": sig.DeviceID}, http.StatusAccepted)
}

// batchResponse reports the per-item outcome of a batch ingest. A batch
// with failures still commits its successful items.
type batchResponse struct {
	Accepted int             `json:"accepted"`
	Failed   int             `json:"failed"`
	Results  []rollup.Result `json:"results"`
}

func (a *API) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var sigs []*core.Signal
	if err := decodeBody(r, batchBodyLimit, &sigs); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch payload", err, a.logger)
		return
	}
	if len(sigs) == 0 {
		writeError(w, http.StatusBadRequest, "Empty batch", nil, a.logger)
		return
	}

	results := a.ingestor.RecordSignals(r.Context(), sigs)
	resp := batchResponse{Results: results}
	for _, res := range results {
		if res.OK {
			resp.Accepted++
		} else {
			resp.Failed++
		}
	}

	code := http.StatusAccepted
	if resp.Accepted == 0 {
		code = http.StatusBadRequest
	} else if resp.Failed > 0 {
		code = http.StatusMultiStatus
	}
	a.respondJSON(w, resp, code)
}
