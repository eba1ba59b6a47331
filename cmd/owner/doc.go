// Package main (cmd/owner) implements vault-owner, the command-line tool a
// vault owner uses to create and maintain a vault.
//
// The owner is identified by an Ethereum-style wallet key, passed with
// --privkey or OWNER_PRIVKEY. The same key signs management requests and the
// liveness proofs sent by checkin and cancel. The watch command checks in on
// a fixed period, suitable for running from a host the owner controls.
//
// Example:
//
//	vault-owner create --threshold=2 --total-guardians=3
//	vault-owner invite --vault=<id> --contact=alice@example.com
//	vault-owner checkin --vault=<id>
package main
