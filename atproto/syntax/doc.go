// Package syntax holds string types for the atproto identifiers this app handles: DIDs, handles, NSIDs, record keys and datetimes.
//
// Each type has a Parse function which validates syntax only; no network resolution happens here.
package syntax
