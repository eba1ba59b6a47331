// Package main (cmd/admin) implements vault-admin, the operator tool for the
// vault server's admin API.
//
// Commands:
//
//	generate-admin   - Generate an admin key pair
//	generate-config  - Write the admin keys file the server loads with --admin-keys-file
//	evaluate         - Run an evaluation pass over every vault
//	get              - Show a vault
//	open-recovery    - Open a request for a triggered vault whose last request expired
//	reset-dispute    - Cancel a disputed request
//	execute          - Complete an approved request after its dispute window
//	reconstruct      - Reconstruct a secret from guardian share files
//	mark-claimed     - Record that a beneficiary received their allocation
//
// Admins are identified by the fingerprint of their public key and sign every
// request with their private key.
//
// Example workflow:
//
//  1. Generate a key pair for each operator:
//     vault-admin generate-admin --admin-privkey-file=op1.pem --admin-pubkey-file=op1.pub.pem
//
//  2. Create the admin keys file:
//     vault-admin generate-config --admin-pubkey-files=op1.pub.pem,op2.pub.pem
//
//  3. Reconstruct from share files collected out of band:
//     vault-admin reconstruct --vault=<id> --share-files=g1.json,g2.json
package main
