package api

import (
	"net/http"
)

type Stats interface {
	Stats() (connections, online int)
}

type API struct {
	stats Stats
}

func New(stats Stats) *API {
	return &API{stats: stats}
}

type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	connections, online := a.stats.Stats()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Connections: connections,
		Online:      online,
	})
}
