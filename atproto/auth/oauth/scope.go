package oauth

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"unicode"

	"github.com/flushes/flushes/atproto/syntax"
)

var (
	ErrInvalidPermissionSyntax = errors.New("invalid permission syntax")
	ErrInvalidPermissionParams = errors.New("invalid permission parameters")

	// Session was granted a scope which does not cover the attempted operation.
	ErrScopeNotGranted = errors.New("OAuth scope not granted")
)

// Parsed "repo" permission from a granted scope string, eg "repo:com.example.record?action=create".
//
// An empty Action list means all actions.
type RepoPermission struct {
	Collection []string `json:"collection"`
	Action     []string `json:"action,omitempty"`
}

// The set of permissions a session was granted, as parsed from the space-delimited 'scope' field of a token response.
type GrantedScope struct {
	// "transition:generic" grants full repo write access
	Generic bool
	Repo    []RepoPermission
	// scope strings this package does not interpret
	Other []string
}

// Parses a space-delimited OAuth scope string. The 'atproto' scope must be present. Malformed permission strings are skipped, not rejected.
func ParseScope(scope string) (*GrantedScope, error) {
	foundAtproto := false
	g := GrantedScope{}

	for _, p := range strings.Split(scope, " ") {
		switch p {
		case "":
			continue
		case "atproto":
			foundAtproto = true
			continue
		case "transition:generic":
			g.Generic = true
			continue
		}
		if strings.HasPrefix(p, "repo:") || strings.HasPrefix(p, "repo?") {
			perm, err := parseRepoPermission(p)
			if err != nil {
				continue
			}
			g.Repo = append(g.Repo, *perm)
			continue
		}
		g.Other = append(g.Other, p)
	}
	if !foundAtproto {
		return nil, fmt.Errorf("required 'atproto' scope not found")
	}
	return &g, nil
}

// Whether a "create", "update" or "delete" of a record in the given collection is covered.
func (g *GrantedScope) AllowsRepoWrite(collection syntax.NSID, action string) bool {
	if g.Generic {
		return true
	}
	for _, p := range g.Repo {
		if !slices.Contains(p.Collection, "*") && !slices.Contains(p.Collection, collection.String()) {
			continue
		}
		if len(p.Action) == 0 || slices.Contains(p.Action, action) {
			return true
		}
	}
	return false
}

// Renders the permission back in to a scope string.
func (p *RepoPermission) ScopeString() string {
	positional := ""
	params := make(url.Values)
	if len(p.Collection) == 1 {
		positional = p.Collection[0]
	} else if len(p.Collection) > 1 {
		params["collection"] = p.Collection
	}
	if len(p.Action) != 0 {
		params["action"] = p.Action
	}
	scope := "repo"
	if positional != "" {
		scope = scope + ":" + positional
	}
	if len(params) > 0 {
		scope = scope + "?" + params.Encode()
	}
	return scope
}

func parseRepoPermission(scope string) (*RepoPermission, error) {
	if !isASCII(scope) {
		return nil, ErrInvalidPermissionSyntax
	}
	front, query, _ := strings.Cut(scope, "?")
	_, positional, _ := strings.Cut(front, ":")
	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPermissionSyntax, err)
	}

	for k := range params {
		if k != "collection" && k != "action" {
			return nil, fmt.Errorf("%w: unsupported 'repo' param: %s", ErrInvalidPermissionParams, k)
		}
	}

	var p RepoPermission
	if params.Has("collection") {
		if positional != "" {
			return nil, ErrInvalidPermissionParams
		}
		p.Collection = params["collection"]
	}
	if positional != "" {
		p.Collection = []string{positional}
	}
	if len(p.Collection) == 0 {
		return nil, ErrInvalidPermissionParams
	}
	for _, coll := range p.Collection {
		if coll == "*" {
			continue
		}
		if _, err := syntax.ParseNSID(coll); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPermissionParams, err)
		}
	}
	p.Action = params["action"]
	for _, act := range p.Action {
		if act != "create" && act != "update" && act != "delete" {
			return nil, ErrInvalidPermissionParams
		}
	}
	return &p, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}
