/*
General-purpose client for atproto "XRPC" HTTP API endpoints.

[APIClient] wraps an [http.Client] and provides an atproto-specific (but not Lexicon-specific) interface for "Query" (GET) and "Procedure" (POST) endpoints. The client is expected to be used with a single host at a time. Requests are unauthenticated unless an [AuthMethod] is attached; the OAuth DPoP session type in the auth/oauth package implements it.

The [APIError] struct represents a generic API error response, including the 'error' and 'message' JSON response fields expected with atproto.

Authentication methods may need to re-send a request (eg, on a DPoP nonce change), so requests should be retryable. [NewAPIRequest] tries to make request bodies re-readable.

The repo helpers ([APIClient.CreateRecord] and friends) cover the com.atproto.repo record endpoints.
*/
package client
