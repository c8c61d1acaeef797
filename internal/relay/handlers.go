package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
	syncsvc "github.com/TheMichaelB/walletguard/internal/services/sync"
	"github.com/TheMichaelB/walletguard/internal/transport"
)

type listResponse struct {
	Payloads []*models.SyncPayload `json:"payloads"`
}

func (s *Server) putPayload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validID(id) {
		writeError(w, r, http.StatusBadRequest, "invalid_id", "invalid payload id")
		return
	}

	if s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	var payload models.SyncPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "payload exceeds size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	if payload.ID != id {
		writeError(w, r, http.StatusBadRequest, "id_mismatch", "payload id does not match path")
		return
	}
	if err := syncsvc.ValidatePayload(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	data, err := json.Marshal(&payload)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "failed to encode payload")
		return
	}

	key := securestore.RelayPayloadKey(string(payload.DataType), payload.ID)
	if err := s.store.Write(r.Context(), key, string(data), false); err != nil {
		s.logger.WithError(err).WithField("payload_id", id).Error("Failed to store payload")
		writeError(w, r, http.StatusInternalServerError, "storage_failure", "failed to store payload")
		return
	}

	s.metrics.RelayPayloadStored()
	s.hub.Broadcast(&payload)

	s.logger.WithFields(map[string]interface{}{
		"payload_id": payload.ID,
		"data_type":  payload.DataType,
		"version":    payload.Version,
		"device_id":  r.Header.Get(transport.DeviceIDHeader),
	}).Info("Payload stored")

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPayloads(w http.ResponseWriter, r *http.Request) {
	dataType, err := models.ParseDataType(r.URL.Query().Get("dataType"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_data_type", err.Error())
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_since", "since must be an RFC 3339 timestamp")
			return
		}
	}

	payloads, err := s.load(r, dataType, since)
	if err != nil {
		s.logger.WithError(err).WithField("data_type", dataType).Error("Failed to list payloads")
		writeError(w, r, http.StatusInternalServerError, "storage_failure", "failed to list payloads")
		return
	}

	writeJSON(w, http.StatusOK, listResponse{Payloads: payloads})
}

func (s *Server) load(r *http.Request, dataType models.DataType, since time.Time) ([]*models.SyncPayload, error) {
	ctx := r.Context()

	keys, err := s.store.Keys(ctx, securestore.RelayPayloadPrefix(string(dataType)))
	if err != nil {
		return nil, err
	}

	payloads := make([]*models.SyncPayload, 0, len(keys))
	for _, key := range keys {
		raw, found, err := securestore.ReadOptional(ctx, s.store, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		var p models.SyncPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Skipping unreadable stored payload")
			continue
		}
		if !since.IsZero() && !p.Timestamp.After(since) {
			continue
		}
		payloads = append(payloads, &p)
	}

	sort.Slice(payloads, func(i, j int) bool {
		a, b := payloads[i], payloads[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return payloads, nil
}

func (s *Server) deletePayload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validID(id) {
		writeError(w, r, http.StatusBadRequest, "invalid_id", "invalid payload id")
		return
	}
	dataType, err := models.ParseDataType(r.URL.Query().Get("dataType"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_data_type", err.Error())
		return
	}

	key := securestore.RelayPayloadKey(string(dataType), id)
	_, found, err := securestore.ReadOptional(r.Context(), s.store, key)
	if err == nil && !found {
		writeError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("payload %s not found", id))
		return
	}
	if err == nil {
		err = s.store.Delete(r.Context(), key)
	}
	if err != nil {
		s.logger.WithError(err).WithField("payload_id", id).Error("Failed to delete payload")
		writeError(w, r, http.StatusInternalServerError, "storage_failure", "failed to delete payload")
		return
	}

	s.logger.WithField("payload_id", id).Info("Payload deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var dataTypes []models.DataType
	if raw := r.URL.Query().Get("dataTypes"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			d, err := models.ParseDataType(name)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "invalid_data_type", err.Error())
				return
			}
			dataTypes = append(dataTypes, d)
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	s.hub.serve(conn, r.Header.Get(transport.DeviceIDHeader), dataTypes)
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 256 {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, &models.APIError{
		Code:       code,
		Message:    message,
		StatusCode: status,
		RequestID:  middleware.GetReqID(r.Context()),
	})
}
