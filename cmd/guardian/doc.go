// Package main (cmd/guardian) implements vault-guardian, the command-line
// tool for guardians.
//
// A guardian generates a P-256 key pair, accepts the invitation token sent
// by the owner, and from then on signs every request with that key. During
// a recovery the guardian votes, may dispute, and finally fetches and
// submits their share. Share files hold plaintext key material and are
// written with mode 0600.
package main
