/*
OAuth client implementation for atproto, for public (browser-redirect) clients.

Feature set includes:

- authorization server metadata discovery, with fallback to conventional endpoint paths
- PKCE (S256) challenge generation and verification
- DPoP proofs (RFC 9449) for requests to the Auth Server and the Resource Server (PDS)
- DPoP nonce discovery and the bounded nonce-retry state machine at the token endpoint
- PAR submission, when the authorization server requires it
- session persistence via the [ClientAuthStore] interface

Most applications use the high-level [ClientApp]. Lower-level components ([TokenExchanger], [NonceFetcher], [Resolver], [NewDPoPProof]) can be used in isolation.

Scopes are treated as simple strings.

## Quickstart

Create a single [ClientApp] during service setup, shared across all users:

	config := oauth.NewPublicConfig(
		"https://app.example.com/oauth/client-metadata.json",
		"https://app.example.com/oauth/callback",
		[]string{"atproto", "transition:generic"},
	)
	app := oauth.NewClientApp(&config, oauth.NewMemStore(), identity.NewResolver("", ""), nil)
	defer app.Close()

The client metadata document ([ClientConfig.ClientMetadata]) must be served at the client_id URL.

Start a login from a handle or DID. The returned state must be kept by the caller (eg, in a signed cookie) until the callback:

	flow, err := app.StartAuthFlow(ctx, "alice.example.com")
	if err != nil {
		return err
	}
	// remember flow.State, then redirect the browser to flow.RedirectURL

The callback is verified against the remembered state before any token request is made:

	sessData, err := app.ProcessCallback(ctx, rememberedState, r.URL.Query())
	if err != nil {
		return err
	}

Sessions are resumed later to make authenticated calls to the account's PDS:

	sess, err := app.ResumeSession(ctx, sessData.AccountDID, sessData.SessionID)
	if err != nil {
		return err
	}
	out, err := sess.Do(ctx, "GET", sess.Data().HostURL+"/xrpc/com.atproto.server.getSession", nil, "")

[ClientSession] tracks server nonces and writes token and nonce changes back to the store.
*/
package oauth
