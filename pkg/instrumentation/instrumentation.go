// Copyright 2023 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package instrumentation exposes the node's telemetry over HTTP:
// prometheus metrics on /metrics and, when a collector address is
// configured, opencensus trace export to Jaeger for the transport spans.
package instrumentation

import (
	"context"
	"fmt"
	"net/http"

	"contrib.go.opencensus.io/exporter/jaeger"
	"contrib.go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/trace"

	logger "github.com/intel/ssi-pager/pkg/log"
	"github.com/intel/ssi-pager/pkg/metrics"
)

// ServiceName identifies this service in external tracing systems.
const ServiceName = "ssi-pager"

var log = logger.NewLogger("instrumentation")

// service is our singleton instrumentation state.
type service struct {
	mux     *http.ServeMux
	srv     *http.Server
	pexport *prometheus.Exporter
	jexport *jaeger.Exporter
}

var svc = &service{}

// HTTPMux returns the instrumentation request multiplexer for additional
// debug handlers.
func HTTPMux() *http.ServeMux {
	if svc.mux == nil {
		svc.mux = http.NewServeMux()
	}
	return svc.mux
}

// Setup creates the exporters according to the configured options.
func Setup() error {
	exporter, err := prometheus.NewExporter(prometheus.Options{
		Gatherer: metrics.Gatherer(),
		OnError:  func(err error) { log.Error("%v", err) },
	})
	if err != nil {
		return instrumentationError("failed to create prometheus exporter: %v", err)
	}
	svc.pexport = exporter
	HTTPMux().Handle("/metrics", exporter)

	if opt.JaegerCollector != "" {
		jexport, err := jaeger.NewExporter(jaeger.Options{
			CollectorEndpoint: opt.JaegerCollector,
			Process:           jaeger.Process{ServiceName: ServiceName},
			OnError:           func(err error) { log.Error("%v", err) },
		})
		if err != nil {
			return instrumentationError("failed to create jaeger exporter: %v", err)
		}
		svc.jexport = jexport
		trace.RegisterExporter(jexport)
		trace.ApplyConfig(trace.Config{
			DefaultSampler: trace.ProbabilitySampler(opt.TraceSampling),
		})
		log.Info("trace export to %s enabled (sampling %.4f)", opt.JaegerCollector, opt.TraceSampling)
	}

	return nil
}

// Start serves the instrumentation HTTP endpoint. A disabled (empty)
// address is a no-op.
func Start() error {
	if opt.HTTPAddr == "" {
		log.Info("instrumentation HTTP server disabled")
		return nil
	}

	svc.srv = &http.Server{Addr: opt.HTTPAddr, Handler: HTTPMux()}
	go func() {
		if err := svc.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("instrumentation HTTP server failed: %v", err)
		}
	}()

	log.Info("instrumentation HTTP server on %s", opt.HTTPAddr)
	return nil
}

// Stop shuts the HTTP server down and flushes the trace exporter.
func Stop() {
	if svc.srv != nil {
		svc.srv.Shutdown(context.Background())
		svc.srv = nil
	}
	if svc.jexport != nil {
		trace.UnregisterExporter(svc.jexport)
		svc.jexport.Flush()
		svc.jexport = nil
	}
}

// instrumentationError produces a formatted instrumentation-specific error.
func instrumentationError(format string, args ...interface{}) error {
	return fmt.Errorf("instrumentation: "+format, args...)
}
