package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus renders a snapshot in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP gateway_uptime_seconds Time since gateway started\n")
	sb.WriteString("# TYPE gateway_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "gateway_uptime_seconds %d\n\n", snap.UptimeSeconds)

	sb.WriteString("# HELP gateway_requests_total Total requests by endpoint\n")
	sb.WriteString("# TYPE gateway_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.Requests) {
		fmt.Fprintf(&sb, "gateway_requests_total{endpoint=%q} %d\n", endpoint, snap.Requests[endpoint])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_request_errors_total Total 4xx/5xx responses by endpoint\n")
	sb.WriteString("# TYPE gateway_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.Errors) {
		fmt.Fprintf(&sb, "gateway_request_errors_total{endpoint=%q} %d\n", endpoint, snap.Errors[endpoint])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_request_duration_ms_total Total handler time in milliseconds by endpoint\n")
	sb.WriteString("# TYPE gateway_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.DurationMS) {
		fmt.Fprintf(&sb, "gateway_request_duration_ms_total{endpoint=%q} %d\n", endpoint, snap.DurationMS[endpoint])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_requests_in_flight Requests currently being handled\n")
	sb.WriteString("# TYPE gateway_requests_in_flight gauge\n")
	for _, endpoint := range sortedKeys(snap.InFlight) {
		if snap.InFlight[endpoint] > 0 {
			fmt.Fprintf(&sb, "gateway_requests_in_flight{endpoint=%q} %d\n", endpoint, snap.InFlight[endpoint])
		}
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_rate_limit_rejections_total Requests refused by the rate limiter\n")
	sb.WriteString("# TYPE gateway_rate_limit_rejections_total counter\n")
	fmt.Fprintf(&sb, "gateway_rate_limit_rejections_total %d\n\n", snap.RateLimitRejections)

	sb.WriteString("# HELP gateway_prompt_tokens_total Prompt tokens processed\n")
	sb.WriteString("# TYPE gateway_prompt_tokens_total counter\n")
	fmt.Fprintf(&sb, "gateway_prompt_tokens_total %d\n\n", snap.PromptTokens)

	sb.WriteString("# HELP gateway_completion_tokens_total Completion tokens generated\n")
	sb.WriteString("# TYPE gateway_completion_tokens_total counter\n")
	fmt.Fprintf(&sb, "gateway_completion_tokens_total %d\n\n", snap.CompletionTokens)

	sb.WriteString("# HELP gateway_tokens_by_model_total Tokens processed per model\n")
	sb.WriteString("# TYPE gateway_tokens_by_model_total counter\n")
	for _, model := range sortedKeys(snap.TokensByModel) {
		fmt.Fprintf(&sb, "gateway_tokens_by_model_total{model=%q} %d\n", model, snap.TokensByModel[model])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_backend_requests_total Provider calls by backend\n")
	sb.WriteString("# TYPE gateway_backend_requests_total counter\n")
	for _, backend := range sortedKeys(snap.BackendRequests) {
		fmt.Fprintf(&sb, "gateway_backend_requests_total{backend=%q} %d\n", backend, snap.BackendRequests[backend])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_backend_errors_total Failed provider calls by backend\n")
	sb.WriteString("# TYPE gateway_backend_errors_total counter\n")
	for _, backend := range sortedKeys(snap.BackendErrors) {
		fmt.Fprintf(&sb, "gateway_backend_errors_total{backend=%q} %d\n", backend, snap.BackendErrors[backend])
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_backend_latency_ms_total Total provider call time in milliseconds by backend\n")
	sb.WriteString("# TYPE gateway_backend_latency_ms_total counter\n")
	for _, backend := range sortedKeys(snap.BackendLatencyMS) {
		fmt.Fprintf(&sb, "gateway_backend_latency_ms_total{backend=%q} %d\n", backend, snap.BackendLatencyMS[backend])
	}

	return sb.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
