package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterRoutes(r *mux.Router, gw *Gateway) {
	r.HandleFunc("/healthz", HandleHealthz).Methods("GET")
	r.HandleFunc("/admin/cache/flush", gw.HandleCacheFlush).Methods("POST")

	protected := r.NewRoute().Subrouter()
	protected.Use(RequireIdentity)
	protected.HandleFunc("/sisgpo/engaged-vehicles", gw.HandleEngagedVehicles).Methods("GET")
	protected.HandleFunc("/sisgpo/sso-token", gw.HandleSSOToken).Methods("GET")
	protected.PathPrefix("/proxy/").Handler(http.HandlerFunc(gw.HandleProxy))
}
