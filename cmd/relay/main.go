package main

import (
	"flag"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	srv := newServer(log)

	r := mux.NewRouter()
	r.Use(srv.accessLog)
	r.HandleFunc("/v1/bundles", srv.publishBundle).Methods(http.MethodPost)
	r.HandleFunc("/v1/bundles/{user}", srv.fetchBundle).Methods(http.MethodGet)
	r.HandleFunc("/v1/envelopes/{user}", srv.enqueueEnvelope).Methods(http.MethodPost)
	r.HandleFunc("/v1/envelopes/{user}", srv.fetchEnvelopes).Methods(http.MethodGet)
	r.HandleFunc("/v1/envelopes/{user}/ack", srv.ackEnvelopes).Methods(http.MethodPost)
	r.HandleFunc("/v1/backups/{user}", srv.putKeyBackup).Methods(http.MethodPost)
	r.HandleFunc("/v1/backups/{user}", srv.fetchKeyBackup).Methods(http.MethodGet)
	r.HandleFunc("/v1/groups/{user}/{conv}", srv.putGroupBackup).Methods(http.MethodPost)
	r.HandleFunc("/v1/groups/{user}/{conv}", srv.fetchGroupBackup).Methods(http.MethodGet)
	r.HandleFunc("/v1/ws", srv.subscribe).Methods(http.MethodGet)

	log.Info("relay listening", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatal("relay stopped", zap.Error(err))
	}
}
