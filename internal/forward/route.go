// SPDX-License-Identifier: MIT

package forward

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRoute marks route labels the gateway cannot parse.
var ErrMalformedRoute = errors.New("malformed route")

// Route is a parsed versioned route: "act.V1" plus the rest of the path.
type Route struct {
	Slug     string
	Version  int
	Label    string // normalized "V<digits>"
	RestPath string // leading slash, "/" when empty
}

// ParseRoute splits a "{slug}.{version}" label. Version labels are
// "V<digits>" or "v<digits>"; bare digits are rejected.
func ParseRoute(serviceLabel, restPath string) (Route, error) {
	idx := strings.LastIndexByte(serviceLabel, '.')
	if idx <= 0 || idx == len(serviceLabel)-1 {
		return Route{}, fmt.Errorf("%w: %q", ErrMalformedRoute, serviceLabel)
	}

	slug := strings.ToLower(serviceLabel[:idx])
	label := serviceLabel[idx+1:]

	if label[0] != 'V' && label[0] != 'v' {
		return Route{}, fmt.Errorf("%w: version label %q", ErrMalformedRoute, label)
	}
	version, err := strconv.Atoi(label[1:])
	if err != nil || version < 0 {
		return Route{}, fmt.Errorf("%w: version label %q", ErrMalformedRoute, label)
	}

	if restPath == "" {
		restPath = "/"
	} else if !strings.HasPrefix(restPath, "/") {
		restPath = "/" + restPath
	}

	return Route{
		Slug:     slug,
		Version:  version,
		Label:    "V" + strconv.Itoa(version),
		RestPath: restPath,
	}, nil
}

// JoinURL concatenates base, prefix and rest without producing "//".
func JoinURL(base, prefix, rest string) string {
	b := strings.TrimRight(base, "/")
	p := strings.Trim(prefix, "/")
	r := strings.TrimLeft(rest, "/")

	var sb strings.Builder
	sb.WriteString(b)
	if p != "" {
		sb.WriteByte('/')
		sb.WriteString(p)
	}
	if r != "" {
		sb.WriteByte('/')
		sb.WriteString(r)
	}
	if p == "" && r == "" {
		sb.WriteByte('/')
	}
	return sb.String()
}
