/*
Package metrics provides Prometheus metric collection for the cost
governance pipeline: admission decisions, circuit breaker state, budget
spend and threshold transitions, service lifecycle, emergencies, and
ledger query latency.

Metrics are registered through promauto under a caller-chosen namespace
so multiple instances can coexist in one process.
*/
package metrics
