// Package crypto wraps the NIST P-256 (ES256) keys used for DPoP proofs.
//
// Private keys can be exported to a JWK (JSON) or multibase string so a key generated at the start of an OAuth login can be persisted across the browser redirect and restored at callback time. Only the public half (as a JWK) and signatures are ever sent over the network.
package crypto
