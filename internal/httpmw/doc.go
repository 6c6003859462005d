// Package httpmw holds the middleware shared by the public and admin
// servers. httpserver.NewHandler composes it, outermost first: security
// headers, recover, request id, client ip, rate limit, tracing, trace
// headers, metrics, logger injection, then the chi router with route
// annotation, access log and body limit.
//
// Query strings and client supplied headers other than the request id are
// kept out of logs.
package httpmw
