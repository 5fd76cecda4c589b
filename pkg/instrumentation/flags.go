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

package instrumentation

import (
	"flag"
)

// options capture the instrumentation configuration.
type options struct {
	// HTTPAddr is the metrics/debug HTTP listen address; empty disables.
	HTTPAddr string
	// JaegerCollector is the trace collector endpoint; empty disables.
	JaegerCollector string
	// TraceSampling is the trace sampling probability.
	TraceSampling float64
}

var opt = &options{}

func init() {
	flag.StringVar(&opt.HTTPAddr, "metrics-addr", ":8891",
		"address for the metrics/debug HTTP server, empty to disable")
	flag.StringVar(&opt.JaegerCollector, "trace-collector", "",
		"Jaeger collector endpoint for trace export, empty to disable")
	flag.Float64Var(&opt.TraceSampling, "trace-sampling", 0.001,
		"trace sampling probability")
}
