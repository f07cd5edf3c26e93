// Package ratelimit is per-client-IP rate limiting for the public throttle
// API, keyed on the address resolved by httpmw.ClientIP.
//
// It is a single-instance, in-memory limiter that keeps one client from
// hammering the evaluation endpoint. It does not stop distributed floods;
// those belong upstream at the WAF or CDN.
package ratelimit
