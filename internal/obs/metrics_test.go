package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/customers/abc":               "/v1/customers/{id}",
		"/v1/customers/abc/organizations": "/v1/customers/{id}/organizations",
		"/v1/customers/abc/extra":         "/v1/customers/abc/extra",
		"/v1/units/u1/members":            "/v1/units/{id}/members",
		"/v1/nodes/n1/context?x=1":        "/v1/nodes/{id}/context",
		"/v1/authorize":                   "/v1/authorize",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentUsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	var seen string
	r.HandleFunc("/v1/things/{id}", func(w http.ResponseWriter, req *http.Request) {
		seen = routePath(req)
		w.WriteHeader(http.StatusAccepted)
	})
	rr := httptest.NewRecorder()
	Instrument(r).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/things/42", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if seen != "/v1/things/{id}" {
		t.Fatalf("route path = %q", seen)
	}
}

func TestLoggerWritesJSON(t *testing.T) {
	l := Logger()
	orig := l.Out
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(orig)

	Component("test").WithField("k", "v").Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["component"] != "test" || entry["k"] != "v" || entry["msg"] != "hello" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("missing ts: %v", entry)
	}
}

func TestInitBuildInfo(t *testing.T) {
	InitBuildInfo("1.2.3", "abc")
	InitBuildInfo("1.2.3", "abc")

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		switch mf.GetName() {
		case "tenancy_build_info":
			for _, m := range mf.GetMetric() {
				labels := map[string]string{}
				for _, l := range m.GetLabel() {
					labels[l.GetName()] = l.GetValue()
				}
				if labels["version"] == "1.2.3" && labels["commit"] == "abc" && m.GetGauge().GetValue() == 1 {
					found[mf.GetName()] = true
				}
			}
		case "tenancy_start_time_seconds":
			found[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue() > 0
		}
	}
	if !found["tenancy_build_info"] || !found["tenancy_start_time_seconds"] {
		t.Fatalf("build metrics missing: %v", found)
	}
}
