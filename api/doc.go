/*
Package api defines the wire types of the vault HTTP API and the server
configuration shared by the binaries.

Routes are served by package httpserver and consumed by the typed clients
in api/clients. All request and response bodies are JSON. Errors are
returned as ErrorResponse with a stable code from package interfaces.

# Authentication

Three kinds of callers sign their requests:

  - Owners sign with their wallet key (X-Owner-Signature). Check-in and
    cancel additionally carry a timestamped liveness proof in the body.
  - Guardians sign with the P-256 key registered when they accepted their
    invitation (X-Guardian-ID, X-Guardian-Signature).
  - Admins sign with a P-256 key listed in the server's admin keys file
    (X-Admin-ID, X-Admin-Signature).

Signatures cover the method, path, X-Request-Timestamp and body.
*/
package api
