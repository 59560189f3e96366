/*
Package trinogate implements a routing gateway for Trino clusters.

The gateway terminates the Trino client protocol, selects a backend
cluster for every newly submitted query, pins all follow-up requests of
a query to the cluster the query was submitted to and rewrites the
coordinator URIs in proxied responses so that clients keep talking to
the gateway for the whole lifetime of the query.

# Routing

A new query submission (POST /v1/statement) is assigned to a routing
group. The group is taken from the X-Trino-Routing-Group header, from
the routing rules engine, or from the header with the engine as
fallback, depending on the configured selector. Within the group, the
healthy backend with the shortest queue receives the query. When the
selected group has no routable backend, the default group "adhoc" is
tried before the request is rejected with 503.

The rules engine evaluates CEL conditions over the parsed request:
the requesting user, the client tags, and the query properties
extracted from the SQL text such as the query type and the referenced
tables. Rules are loaded from a YAML file, validated at startup and
hot reloaded when the file changes or on SIGHUP.

# Query pinning

Trino assigns the query id on the first response. The gateway captures
it, together with the submitting backend, in a TTL-bounded binding
store, either in gateway memory or in a shared Redis ring. Every
follow-up request whose URI carries the query id resolves through the
store to the original backend, regardless of the backend's current
health, so running queries survive routing changes. Bindings of
finished queries are evicted after a short grace period.

# Backends

The backend pool is seeded from the configuration. A monitor probes
every backend's /v1/info endpoint on a fixed interval and reads the
queue depth from the coordinator UI stats. The pool, the per-backend
health snapshots and the loaded rule set are all swapped atomically,
requests in flight never observe a torn state.

# Running

The gateway runs as a standalone binary:

	trinogate -external-url https://trino.example.org \
		-backend name=blue,proxy-to=http://blue.trino.local:8080 \
		-backend name=green,proxy-to=http://green.trino.local:8080

or embedded, by passing an Options struct to Run or New. A support
listener exposes Prometheus metrics and a read-only API over the
backend pool and the recent query history.
*/
package trinogate
