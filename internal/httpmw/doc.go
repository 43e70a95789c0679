// Package httpmw provides HTTP middleware for the public server.
//
// Response headers come from two layers. Middleware that owns transport or
// policy headers (security headers, request and trace IDs, Server, Vary)
// writes into the server layer through ServerHeader. Handlers write to
// w.Header() as usual, which HeaderMerge swaps for the application layer.
// HeaderMerge reconciles both with a headers.Engine when the response is
// committed.
//
// httpserver.NewHandler composes the chain; see there for the order.
// Query strings, user agents and other user-supplied values are kept out
// of logs.
package httpmw
