package syntax

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Preferred output layout; parsing accepts any RFC-3339 / ISO-8601 intersection.
const AtprotoDatetimeLayout = "2006-01-02T15:04:05.999Z"

var datetimeRegex = regexp.MustCompile(`^[0-9]{4}-[01][0-9]-[0-3][0-9]T[0-2][0-9]:[0-6][0-9]:[0-6][0-9](.[0-9]{1,20})?(Z|([+-][0-2][0-9]:[0-5][0-9]))$`)

type Datetime string

func ParseDatetime(raw string) (Datetime, error) {
	if len(raw) > 64 {
		return "", fmt.Errorf("Datetime too long (max 64 chars)")
	}
	if !datetimeRegex.MatchString(raw) {
		return "", fmt.Errorf("Datetime syntax didn't validate via regex: %s", raw)
	}
	if strings.HasSuffix(raw, "-00:00") {
		return "", fmt.Errorf("Datetime can't use '-00:00' for UTC timezone")
	}
	return Datetime(raw), nil
}

func (d Datetime) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, d.String())
}

func DatetimeNow() Datetime {
	return Datetime(time.Now().UTC().Format(AtprotoDatetimeLayout))
}

func (d Datetime) String() string {
	return string(d)
}
