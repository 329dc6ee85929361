package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/flushes/flushes/atproto/syntax"
	"github.com/flushes/flushes/pkg/robusthttp"
	"github.com/flushes/flushes/util/ssrf"

	"golang.org/x/time/rate"
)

const (
	DefaultHandleResolverURL = "https://bsky.social"
	DefaultPLCURL            = "https://plc.directory"
)

// Account identity and data host, as resolved from a handle or DID.
type Account struct {
	DID    syntax.DID
	Handle syntax.Handle
	// Full PDS service endpoint URL, without trailing slash. Empty if the DID document could not be used.
	PDSEndpoint string
	// Hostname part of PDSEndpoint.
	PDSHost string
}

// Returned by best-effort lookups which failed completely.
var PlaceholderAccount = Account{
	DID:    "unknown_did",
	Handle: "unknown",
}

// Resolves handles and DIDs to [Account] metadata.
//
// The zero value is usable; defaults are filled in lazily.
type Resolver struct {
	// Base URL of a service implementing com.atproto.identity.resolveHandle. No trailing slash.
	HandleResolverURL string
	// Base URL of the PLC directory. No trailing slash.
	PLCURL string
	// If not nil, this limiter will be used to rate-limit requests to the PLCURL
	PLCLimiter *rate.Limiter
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Resolver with a retrying client which refuses to connect to non-public addresses.
func NewResolver(handleResolverURL, plcURL string) *Resolver {
	logger := slog.Default().With("subsystem", "identity")
	return &Resolver{
		HandleResolverURL: handleResolverURL,
		PLCURL:            plcURL,
		PLCLimiter:        rate.NewLimiter(rate.Limit(10), 1),
		HTTPClient: robusthttp.NewClient(
			robusthttp.WithLogger(logger),
			robusthttp.WithTransport(ssrf.PublicOnlyTransport()),
		),
		Logger: logger,
	}
}

func (r *Resolver) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default().With("subsystem", "identity")
}

func (r *Resolver) handleResolverURL() string {
	if r.HandleResolverURL != "" {
		return r.HandleResolverURL
	}
	return DefaultHandleResolverURL
}

func (r *Resolver) plcURL() string {
	if r.PLCURL != "" {
		return r.PLCURL
	}
	return DefaultPLCURL
}

type resolveHandleResp struct {
	DID string `json:"did"`
}

// Resolves a handle to a DID through the configured resolveHandle service. Does not verify the DID document declares the handle back.
func (r *Resolver) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	start := time.Now()
	did, err := r.resolveHandle(ctx, h.Normalize())
	status := "success"
	if err != nil {
		status = "error"
	}
	handleResolution.WithLabelValues(status).Inc()
	handleResolutionDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return did, err
}

func (r *Resolver) resolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	u := r.handleResolverURL() + "/xrpc/com.atproto.identity.resolveHandle?" + url.Values{"handle": []string{h.String()}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", &ResolutionError{Identifier: h.String(), Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client().Do(req)
	if err != nil {
		return "", &ResolutionError{Identifier: h.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ResolutionError{Identifier: h.String(), StatusCode: resp.StatusCode}
	}

	var body resolveHandleResp
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &ResolutionError{Identifier: h.String(), Err: fmt.Errorf("invalid resolveHandle response: %w", err)}
	}
	did, err := syntax.ParseDID(body.DID)
	if err != nil {
		return "", &ResolutionError{Identifier: h.String(), Err: err}
	}
	return did, nil
}

// Fetches and parses the DID document for did:plc or did:web.
func (r *Resolver) FetchDIDDocument(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	start := time.Now()
	doc, err := r.fetchDIDDocument(ctx, did)
	status := "success"
	if err != nil {
		status = "error"
	}
	didResolution.WithLabelValues(did.Method(), status).Inc()
	didResolutionDuration.WithLabelValues(did.Method(), status).Observe(time.Since(start).Seconds())
	return doc, err
}

func (r *Resolver) fetchDIDDocument(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	var docURL string
	switch did.Method() {
	case "plc":
		if r.PLCLimiter != nil {
			if err := r.PLCLimiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("waiting on PLC rate limit: %w", err)
			}
		}
		docURL = r.plcURL() + "/" + did.String() + "/data"
	case "web":
		hostname := did.Identifier()
		h, err := syntax.ParseHandle(hostname)
		if err != nil {
			return nil, fmt.Errorf("did:web identifier not a simple hostname: %s", hostname)
		}
		if !h.AllowedTLD() {
			return nil, fmt.Errorf("did:web hostname has disallowed TLD: %s", hostname)
		}
		docURL = "https://" + hostname + "/.well-known/did.json"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDIDMethod, did.Method())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client().Do(req)
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return nil, ErrDIDNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching DID document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, ErrDIDNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching DID document, HTTP status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading DID document: %w", err)
	}
	doc, err := ParseDIDDocument(data)
	if err != nil {
		return nil, err
	}
	if doc.DID == "" {
		doc.DID = did
	} else if doc.DID != did {
		return nil, fmt.Errorf("DID document is for %s, expected %s", doc.DID, did)
	}
	return doc, nil
}

// Resolves a handle or DID to an [Account].
//
// Returns an error only if the identifier is invalid, or is a handle which could not be resolved to a DID. Failure to fetch or use the DID document yields a degraded outcome holding the DID and an empty PDS endpoint.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Outcome[Account], error) {
	atid, err := syntax.ParseAtIdentifier(raw)
	if err != nil {
		return Outcome[Account]{}, &ResolutionError{Identifier: raw, Err: err}
	}

	var acct Account
	if atid.IsDID() {
		acct.DID, _ = atid.AsDID()
	} else {
		h, _ := atid.AsHandle()
		acct.Handle = h.Normalize()
		did, err := r.ResolveHandle(ctx, acct.Handle)
		if err != nil {
			return Outcome[Account]{}, err
		}
		acct.DID = did
	}

	doc, err := r.FetchDIDDocument(ctx, acct.DID)
	if err != nil {
		r.logger().Warn("DID document lookup failed", "did", acct.DID, "err", err)
		return Degraded(acct, err), nil
	}
	if acct.Handle == "" {
		if declared, err := doc.DeclaredHandle(); err == nil {
			acct.Handle = declared
		}
	}
	endpoint, err := doc.PDSEndpoint()
	if err != nil {
		return Degraded(acct, err), nil
	}
	host, err := endpointHost(endpoint)
	if err != nil {
		return Degraded(acct, err), nil
	}
	acct.PDSEndpoint = endpoint
	acct.PDSHost = host
	return Definitive(acct), nil
}

// Never fails: a hard resolution error yields [PlaceholderAccount] as a degraded outcome. For display enrichment which must not block the primary flow.
func (r *Resolver) LookupBestEffort(ctx context.Context, raw string) Outcome[Account] {
	out, err := r.Resolve(ctx, raw)
	if err != nil {
		r.logger().Debug("best-effort identity lookup failed", "identifier", raw, "err", err)
		return Degraded(PlaceholderAccount, err)
	}
	return out
}

func endpointHost(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid PDS endpoint %q: %w", endpoint, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid PDS endpoint %q: no hostname", endpoint)
	}
	return u.Hostname(), nil
}
