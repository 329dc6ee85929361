package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/flushes/flushes/atproto/syntax"
)

// Which JSON layout a DID document was parsed from.
type DocShape int

const (
	ShapeUnknown DocShape = iota
	// PLC directory "/<did>/data" form: {"did": ..., "services": {"atproto_pds": {"type": ..., "endpoint": ...}}}
	ShapeKeyed
	// W3C DID document form: {"id": ..., "service": [{"id": "#atproto_pds", "type": ..., "serviceEndpoint": ...}]}
	ShapeLegacy
)

func (s DocShape) String() string {
	switch s {
	case ShapeKeyed:
		return "keyed"
	case ShapeLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

const (
	PDSServiceID   = "atproto_pds"
	PDSServiceType = "AtprotoPersonalDataServer"
)

type ServiceEntry struct {
	Type     string
	Endpoint string
}

// Normalized DID document. Services are keyed by bare fragment, eg "atproto_pds".
type DIDDocument struct {
	DID         syntax.DID
	Shape       DocShape
	AlsoKnownAs []string
	Services    map[string]ServiceEntry
}

type keyedService struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

type keyedDoc struct {
	DID         string                  `json:"did"`
	AlsoKnownAs []string                `json:"alsoKnownAs"`
	Services    map[string]keyedService `json:"services"`
}

type legacyService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint any    `json:"serviceEndpoint"`
}

type legacyDoc struct {
	ID          string          `json:"id"`
	AlsoKnownAs []string        `json:"alsoKnownAs"`
	Service     []legacyService `json:"service"`
}

// only used to classify the document before decoding it properly
type shapeProbe struct {
	Services json.RawMessage `json:"services"`
	Service  json.RawMessage `json:"service"`
}

// Classifies the document layout once, then decodes it in to a [DIDDocument].
//
// The keyed form is read first. If a document carries a legacy service array too, the array only fills entries the keyed form lacks.
func ParseDIDDocument(data []byte) (*DIDDocument, error) {
	var probe shapeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("DID document is not a JSON object: %w", err)
	}

	var doc *DIDDocument
	if isJSONObject(probe.Services) {
		var raw keyedDoc
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing keyed DID document: %w", err)
		}
		doc = raw.normalize()
	}
	if isJSONArray(probe.Service) {
		var raw legacyDoc
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing legacy DID document: %w", err)
		}
		legacy := raw.normalize()
		if doc == nil {
			doc = legacy
		} else {
			doc.merge(legacy)
		}
	}
	if doc == nil {
		return nil, errors.New("DID document has neither 'services' nor 'service'")
	}
	return doc, nil
}

func isJSONObject(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "{")
}

func isJSONArray(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "[")
}

func (raw *keyedDoc) normalize() *DIDDocument {
	doc := &DIDDocument{
		DID:         syntax.DID(raw.DID),
		Shape:       ShapeKeyed,
		AlsoKnownAs: raw.AlsoKnownAs,
		Services:    make(map[string]ServiceEntry, len(raw.Services)),
	}
	for id, svc := range raw.Services {
		doc.Services[strings.TrimPrefix(id, "#")] = ServiceEntry{Type: svc.Type, Endpoint: svc.Endpoint}
	}
	return doc
}

func (raw *legacyDoc) normalize() *DIDDocument {
	doc := &DIDDocument{
		DID:         syntax.DID(raw.ID),
		Shape:       ShapeLegacy,
		AlsoKnownAs: raw.AlsoKnownAs,
		Services:    make(map[string]ServiceEntry, len(raw.Service)),
	}
	for _, svc := range raw.Service {
		// general DID documents allow map or array endpoints; only plain strings are usable here
		endpoint, ok := svc.ServiceEndpoint.(string)
		if !ok {
			continue
		}
		key := svc.ID
		if i := strings.LastIndex(key, "#"); i >= 0 {
			key = key[i+1:]
		}
		// a service declaring the PDS type counts as the PDS even under another id
		if svc.Type == PDSServiceType && key != PDSServiceID {
			if _, exists := doc.Services[PDSServiceID]; !exists {
				doc.Services[PDSServiceID] = ServiceEntry{Type: svc.Type, Endpoint: endpoint}
			}
			continue
		}
		doc.Services[key] = ServiceEntry{Type: svc.Type, Endpoint: endpoint}
	}
	return doc
}

// fills gaps in d from other; entries already in d win
func (d *DIDDocument) merge(other *DIDDocument) {
	if d.DID == "" {
		d.DID = other.DID
	}
	if len(d.AlsoKnownAs) == 0 {
		d.AlsoKnownAs = other.AlsoKnownAs
	}
	for k, v := range other.Services {
		if _, ok := d.Services[k]; !ok {
			d.Services[k] = v
		}
	}
}

func (d *DIDDocument) PDSEndpoint() (string, error) {
	svc, ok := d.Services[PDSServiceID]
	if !ok || svc.Endpoint == "" {
		return "", ErrNoPDSEndpoint
	}
	return strings.TrimRight(svc.Endpoint, "/"), nil
}

// First syntactically valid "at://" handle in alsoKnownAs. Does not verify the handle resolves back to this DID.
func (d *DIDDocument) DeclaredHandle() (syntax.Handle, error) {
	for _, aka := range d.AlsoKnownAs {
		if !strings.HasPrefix(aka, "at://") {
			continue
		}
		h, err := syntax.ParseHandle(strings.TrimPrefix(aka, "at://"))
		if err != nil {
			continue
		}
		return h.Normalize(), nil
	}
	return "", ErrHandleNotDeclared
}
