/*
Package httpserver serves the vault API over HTTP.

Three route groups share one chi router:

  - /api/v1 (Handler) is the owner, guardian and invitation API.
  - /api/admin (AdminHandler) is the operator API. Every request is signed
    by a key listed in the admin-keys file (see LoadAdminKeys).
  - /livez, /readyz, /drain, /undrain and optionally /debug/pprof are the
    operational endpoints.

# Authentication

Signatures cover SHA-256(method SP path LF timestamp LF body), where path is
the full request path including the /api/v1 or /api/admin prefix and the
timestamp is the X-Request-Timestamp header in unix nanoseconds. A timestamp
must lie within the proof age window of the server clock, and a
state-changing request consumes it: the next request by the same signer on
the same vault must carry a later one. A captured request is therefore
useless once it has been served.

  - Owner calls carry X-Owner-Signature, an EIP-191 personal_sign
    signature recovered against the vault's owner address.
  - Guardian calls carry X-Guardian-ID and X-Guardian-Signature, a base64
    ASN.1 ECDSA P-256 signature checked against the key the guardian
    registered when accepting its invitation. Only active guardians have a
    usable key.
  - Admin calls carry X-Admin-ID and X-Admin-Signature with the same scheme.

Check-in and cancellation are authenticated by the liveness proof in the
body. Invitation accept and decline are authenticated by the token.

# Errors

Domain errors map to status codes through StatusFor and are rendered as
{"error": "<code>", "message": "..."}. Errors without a domain code are
logged and returned as a generic 500.

# Secrets

Responses never carry invitation token hashes or encrypted fragment
payloads, except GET /fragments/mine which returns the caller's own
encrypted fragment. Reconstruction endpoints return the outcome only; the
secret goes to the configured distributor.

# Metrics

Requests under /api are counted by method, route pattern and status on the
metrics server, which listens on its own address.
*/
package httpserver
