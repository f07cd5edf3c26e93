// Package throttlehttp exposes throttle evaluation over HTTP.
//
// The public routes evaluate for the calling client only: the IP comes from
// httpmw.ClientIP, never from a query parameter. The admin route evaluates
// an explicit project, IP and time and belongs on the ops listener.
//
// Apply is the in-process form: it evaluates once per request and stores
// the result in the request context for downstream handlers.
package throttlehttp
