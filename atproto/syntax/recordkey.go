package syntax

import (
	"errors"
	"fmt"
	"regexp"
)

var recordKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_~.:-]{1,512}$`)

// Key of a single record within a repo collection.
type RecordKey string

func ParseRecordKey(raw string) (RecordKey, error) {
	if raw == "" {
		return "", errors.New("expected record key, got empty string")
	}
	if raw == "." || raw == ".." {
		return "", fmt.Errorf("record key can not be %q", raw)
	}
	if !recordKeyRegex.MatchString(raw) {
		return "", fmt.Errorf("record key syntax didn't validate via regex: %s", raw)
	}
	return RecordKey(raw), nil
}

func (r RecordKey) String() string {
	return string(r)
}
