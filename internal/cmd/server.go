package cmd

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// newAgentRouter serves the agent's observability endpoints:
//
//	GET /metrics        Prometheus metrics
//	GET /health         liveness with this instance's id and share
//	GET /status         the same report as `picoord status --json`
//	GET /tasks/{id}     ownership status of one task
func newAgentRouter(rt *runtime) http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", rt.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		coord := rt.hub.Coordinator()
		writeHTTPJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"instance_id": coord.InstanceID(),
			"running":     rt.hub.Running(),
			"share":       coord.MyParallelLimit(),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		report, err := buildStatus(rt)
		if err != nil {
			writeHTTPJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeHTTPJSON(w, http.StatusOK, report)
	}).Methods(http.MethodGet)

	r.HandleFunc("/tasks/{id:.+}", func(w http.ResponseWriter, req *http.Request) {
		st, err := rt.hub.Ownership().Check(mux.Vars(req)["id"])
		if err != nil {
			writeHTTPJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeHTTPJSON(w, http.StatusOK, st)
	}).Methods(http.MethodGet)

	return r
}

func writeHTTPJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
