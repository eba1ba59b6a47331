/*
Package clients provides Go clients for the vault HTTP API.

There is one client per caller role, each signing requests the way the
server authenticates that role:

  - OwnerClient signs with the owner's wallet key (EIP-191 in
    X-Owner-Signature) and produces liveness proofs for check-in and
    cancellation.
  - GuardianClient signs with the guardian's P-256 key (X-Guardian-ID and
    X-Guardian-Signature) and decrypts the guardian's own fragment locally.
  - AdminClient signs with a whitelisted admin key (X-Admin-ID and
    X-Admin-Signature).

Every signed request carries a strictly increasing X-Request-Timestamp
taken from the client clock (see WithClock).

All clients share a transport built on go-retryablehttp, which retries
connection errors and 5xx responses. Error responses are returned as
*interfaces.Error, so callers can match them with errors.Is:

	_, err := guardian.Vote(ctx, vaultID, requestID, interfaces.DecisionApprove, "")
	if errors.Is(err, interfaces.ErrRequestTerminal) {
		// request already closed
	}
*/
package clients
