// Package entity implements the bit-exact normalization rules for
// real-world objects and their extraction from event payloads. Identity
// of an entity is a pure function of (type, value) after normalization.
package entity

import (
	"net/netip"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/idna"

	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
)

var hexRe = regexp.MustCompile(`^[0-9a-f]+$`)

// Normalize applies the per-type normalization rules and returns the
// canonical value. Inputs that cannot be normalized are rejected with
// faults.ErrValidation.
func Normalize(t contracts.EntityType, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", faults.Validationf("entity: empty %s value", t)
	}
	switch t {
	case contracts.EntityIP:
		return normalizeIP(raw)
	case contracts.EntityDomain:
		return normalizeDomain(raw)
	case contracts.EntityURL:
		return normalizeURL(raw)
	case contracts.EntityFileHash:
		return normalizeFileHash(raw)
	case contracts.EntityHost:
		return strings.ToLower(raw), nil
	case contracts.EntityUser:
		return normalizeUser(raw)
	case contracts.EntityProcess:
		return normalizeProcess(raw)
	default:
		return "", faults.Validationf("entity: unknown type %q", t)
	}
}

// New normalizes raw and builds the entity with its deterministic id.
func New(t contracts.EntityType, raw string) (contracts.Entity, error) {
	value, err := Normalize(t, raw)
	if err != nil {
		return contracts.Entity{}, err
	}
	return contracts.NewEntity(t, value), nil
}

// normalizeIP renders IPv4 as a dotted quad without leading zeros and
// IPv6 in RFC 5952 compressed lowercase form. IPv4-mapped IPv6 addresses
// collapse to their IPv4 form.
func normalizeIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", faults.Validationf("entity: bad ip %q", raw)
	}
	return addr.Unmap().String(), nil
}

// normalizeDomain applies IDNA-to-ASCII (punycode), lowercases, and
// strips the trailing dot.
func normalizeDomain(raw string) (string, error) {
	name := strings.TrimSuffix(strings.ToLower(raw), ".")
	ascii, err := idna.ToASCII(name)
	if err != nil {
		return "", faults.Validationf("entity: bad domain %q", raw)
	}
	return strings.ToLower(ascii), nil
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ftp":   "21",
}

// normalizeURL lowercases the scheme, normalizes the host, removes the
// scheme's default port, re-encodes the path per RFC 3986, and drops the
// fragment.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", faults.Validationf("entity: bad url %q", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	u.RawFragment = ""

	host := u.Hostname()
	port := u.Port()
	if addr, err := netip.ParseAddr(host); err == nil {
		host = addr.Unmap().String()
		if addr.Unmap().Is6() {
			host = "[" + host + "]"
		}
	} else {
		host, err = normalizeDomain(host)
		if err != nil {
			return "", err
		}
	}
	if port != "" && port != defaultPorts[u.Scheme] {
		host += ":" + port
	}
	u.Host = host

	// Round-trip the path through the decoded form so percent-encoding is
	// re-applied uniformly.
	u.RawPath = ""
	return u.String(), nil
}

// normalizeFileHash lowercases hex and prefixes the digest type inferred
// from an existing tag or the digest length.
func normalizeFileHash(raw string) (string, error) {
	value := strings.ToLower(raw)
	algo := ""
	for _, tag := range []string{"md5:", "sha1:", "sha256:"} {
		if strings.HasPrefix(value, tag) {
			algo = strings.TrimSuffix(tag, ":")
			value = strings.TrimPrefix(value, tag)
			break
		}
	}
	if !hexRe.MatchString(value) {
		return "", faults.Validationf("entity: non-hex hash %q", raw)
	}
	if algo == "" {
		switch len(value) {
		case 32:
			algo = "md5"
		case 40:
			algo = "sha1"
		case 64:
			algo = "sha256"
		default:
			return "", faults.Validationf("entity: unrecognized hash length %d", len(value))
		}
	}
	return algo + ":" + value, nil
}

// normalizeUser handles the three account shapes: domain\user (Windows),
// user@realm (UNIX with realm), and bare user. All parts lowercase.
func normalizeUser(raw string) (string, error) {
	value := strings.ToLower(raw)
	if strings.Count(value, `\`) > 1 || strings.Count(value, "@") > 1 {
		return "", faults.Validationf("entity: malformed user %q", raw)
	}
	return value, nil
}

// normalizeProcess joins the executable base name with the lowercased
// command line. Input format is "<exe>\x00<cmdline>" or just "<exe>".
func normalizeProcess(raw string) (string, error) {
	exe, cmdline, _ := strings.Cut(raw, "\x00")
	exe = strings.ToLower(path.Base(strings.ReplaceAll(exe, `\`, "/")))
	if exe == "" || exe == "." {
		return "", faults.Validationf("entity: empty process name")
	}
	cmdline = strings.Join(strings.Fields(strings.ToLower(cmdline)), " ")
	if cmdline == "" {
		return exe, nil
	}
	return exe + " " + cmdline, nil
}

// ProcessValue builds the raw process value from its parts.
func ProcessValue(exe, cmdline string) string {
	return exe + "\x00" + cmdline
}
