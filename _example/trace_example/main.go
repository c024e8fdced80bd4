package main

import (
	"context"
	"net/http"
	"time"

	"github.com/donetkit/contrib-log/glog"

	"github.com/donetkit/tracekit/middleware"
	"github.com/donetkit/tracekit/plugins"
	"github.com/donetkit/tracekit/trace"
)

const service = "trace-test"

func main() {
	ctx := context.Background()
	log := glog.New()

	meta, err := plugins.Probe(ctx)
	if err != nil {
		log.Error(err.Error())
	}
	client, err := trace.New(
		trace.WithName(service),
		trace.WithDaemonAddress("127.0.0.1:2000"),
		trace.WithLogger(log),
		meta.Option(),
	)
	if err != nil {
		log.Error(err.Error())
		return
	}
	defer client.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		_, seg := client.BeginSubsegment(r.Context(), "load-orders")
		time.Sleep(20 * time.Millisecond)
		seg.AddAnnotation("count", 3)
		seg.Close(nil)
		w.Write([]byte("ok"))
	})

	log.Info("listening on :8080")
	if err := http.ListenAndServe(":8080", middleware.Handler(client, service, mux)); err != nil {
		log.Error(err.Error())
	}
}
