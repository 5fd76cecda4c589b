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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/intel/ssi-pager/pkg/metrics"
)

func TestMetricsExposition(t *testing.T) {
	if err := Setup(); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer Stop()

	metrics.FaultsTotal.WithLabelValues("local_first_touch").Add(3)
	metrics.PeerConnectionsUp.Set(1)

	srv := httptest.NewServer(HTTPMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics scrape failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading metrics failed: %v", err)
	}

	for _, metric := range []string{"faults_total", "peer_connections_up", "fault_service_time_us"} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("exposition lacks %s:\n%s", metric, body)
		}
	}
}
