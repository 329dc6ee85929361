/*
Package identity resolves account identifiers (handles or DIDs) to the account's DID and Personal Data Server (PDS) endpoint.

Handle resolution goes through a public XRPC resolver (com.atproto.identity.resolveHandle). DID documents are fetched from the PLC directory's "/<did>/data" route for did:plc, or from the well-known route for did:web. Both the keyed "services" shape and the legacy "service" array shape are parsed in to one normalized [DIDDocument].

A failed handle resolution is a hard [ResolutionError]. A failed DID document fetch or parse is not: [Resolver.Resolve] returns a [Degraded] outcome carrying the DID with an empty endpoint, and callers decide whether that is acceptable.
*/
package identity
