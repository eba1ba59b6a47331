// Package cryptoutils holds the cryptographic primitives of the vault server.
//
// Three key families are in use:
//
//   - P-256 keys (PEM) for guardians and admins. They sign API request
//     envelopes (method, path, timestamp and body), and guardians receive their fragments
//     encrypted to them with ECIES.
//   - secp256k1 wallet keys for owners. Owners sign liveness proofs and
//     management requests with Ethereum personal_sign, and the server
//     recovers the signer address.
//   - Invitation token secrets, stored only as salted argon2id hashes.
//
// # Encryption Format
//
// EncryptWithPublicKey produces
//
//	[ephemeral key length (2 bytes)][ephemeral key][nonce (12 bytes)][ciphertext]
//
// with the AES-GCM key derived by SHA-256 from the ECDH shared secret. The
// associated data passed on encryption binds a ciphertext to its fragment.
//
// # Usage Example
//
//	privPEM, pubPEM, err := cryptoutils.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ct, err := cryptoutils.EncryptWithPublicKey(pubPEM, share, ad)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	share, err = cryptoutils.DecryptWithPrivateKey(privPEM, ct, ad)
package cryptoutils
