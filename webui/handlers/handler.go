// Package handlers implements the JSON API served by the web UI.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/beamlab/lanbeam/db"
	"github.com/beamlab/lanbeam/device"
	"github.com/beamlab/lanbeam/discovery"
	"github.com/sirupsen/logrus"
)

// APIHandler serves the daemon's JSON API.
type APIHandler struct {
	database   *db.Database
	pool       *device.Pool
	discoverer *discovery.Discoverer
	instanceID string
	started    time.Time
	logger     logrus.FieldLogger
}

// NewAPIHandler creates the API handler.
func NewAPIHandler(database *db.Database, pool *device.Pool, discoverer *discovery.Discoverer, instanceID string, logger logrus.FieldLogger) *APIHandler {
	return &APIHandler{
		database:   database,
		pool:       pool,
		discoverer: discoverer,
		instanceID: instanceID,
		started:    time.Now(),
		logger:     logger,
	}
}

// deviceResponse is the JSON shape of one device.
type deviceResponse struct {
	Identity    string `json:"identity"`
	Address     string `json:"address"`
	Port        uint32 `json:"port"`
	Label       string `json:"label,omitempty"`
	Vendor      uint32 `json:"vendor,omitempty"`
	Product     uint32 `json:"product,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	Firmware    string `json:"firmware,omitempty"`
	FirstSeen   int64  `json:"first_seen"`
	LastSeen    int64  `json:"last_seen"`
}

// Devices serves GET /api/devices.
func (h *APIHandler) Devices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.database.GetDevices()
	if err != nil {
		h.logger.WithError(err).Error("failed to load devices")
		http.Error(w, "failed to load devices", http.StatusInternalServerError)
		return
	}

	resp := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, deviceResponse{
			Identity:    d.Identity,
			Address:     d.Address,
			Port:        d.Port,
			Label:       d.Label,
			Vendor:      d.Vendor,
			Product:     d.Product,
			ProductName: d.ProductName,
			Firmware:    d.Firmware,
			FirstSeen:   d.FirstSeen,
			LastSeen:    d.LastSeen,
		})
	}

	writeJSON(w, resp)
}

// statusResponse is the JSON shape of the status endpoint.
type statusResponse struct {
	InstanceID    string                     `json:"instance_id"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	DeviceCount   int                        `json:"device_count"`
	Pool          device.PoolMetricsSnapshot `json:"pool"`
	PoolSize      int                        `json:"pool_size"`
	Discovery     discovery.MetricsSnapshot  `json:"discovery"`
	Database      db.Stats                   `json:"database"`
}

// Status serves GET /api/status.
func (h *APIHandler) Status(w http.ResponseWriter, r *http.Request) {
	count, err := h.database.CountDevices()
	if err != nil {
		h.logger.WithError(err).Error("failed to count devices")
		http.Error(w, "failed to count devices", http.StatusInternalServerError)
		return
	}

	writeJSON(w, statusResponse{
		InstanceID:    h.instanceID,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		DeviceCount:   count,
		Pool:          h.pool.Metrics().Snapshot(),
		PoolSize:      h.pool.Len(),
		Discovery:     h.discoverer.Metrics().Snapshot(),
		Database:      h.database.GetStats(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}
