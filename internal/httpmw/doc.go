// Package httpmw provides HTTP middleware for the public throttle API.
//
// httpserver.NewHandler composes them, outermost first: security headers,
// recovery, request ID, client IP resolution, rate limiting, OTel tracing,
// rules version headers, metrics, request-scoped logging and the chi router.
//
// The resolved client IP stored by ClientIP is the address throttle
// exceptions are matched against, so only X-Forwarded-For entries added by a
// configured number of trusted proxies are honored. Headers and user agents
// are kept out of logs.
package httpmw
