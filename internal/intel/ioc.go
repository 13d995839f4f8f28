package intel

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"net/url"
	"strings"

	"github.com/fedsig/threatnet/pkg/models"
)

// Canonicalization and fingerprinting for the eight IOC types.
//
// The fingerprint is a pure function of (type, canonical value): identical
// submissions from any reporter always collapse onto the same row. New IOC
// types are added by extending the switch in Canonicalize, not by
// subclassing anything.

// Fingerprint computes the deterministic IOC id from a type and its
// already-canonicalized value.
func Fingerprint(iocType models.IOCType, canonical string) string {
	sum := sha256.Sum256([]byte(string(iocType) + ":" + canonical))
	return hex.EncodeToString(sum[:])
}

// Canonicalize normalizes a raw indicator value for its type. A bad_request
// error is returned for unknown types and values that fail validation.
func Canonicalize(iocType models.IOCType, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", BadRequest("ioc value is required")
	}

	switch iocType {
	case models.IOCTypeFileHash:
		v = strings.ToLower(v)
		if !isHex(v) {
			return "", BadRequest("file_hash must be hex, got %q", value)
		}
		// MD5, SHA-1, SHA-256 digest lengths.
		if len(v) != 32 && len(v) != 40 && len(v) != 64 {
			return "", BadRequest("file_hash has invalid digest length %d", len(v))
		}
		return v, nil

	case models.IOCTypeIPAddress:
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return "", BadRequest("invalid ip_address %q", value)
		}
		return addr.String(), nil

	case models.IOCTypeDomain:
		v = strings.ToLower(strings.TrimSuffix(v, "."))
		if v == "" || strings.ContainsAny(v, " /\\") {
			return "", BadRequest("invalid domain %q", value)
		}
		return v, nil

	case models.IOCTypeURL:
		u, err := url.Parse(v)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", BadRequest("invalid url %q", value)
		}
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		return u.String(), nil

	case models.IOCTypeEmail:
		v = strings.ToLower(v)
		at := strings.Count(v, "@")
		if at != 1 || strings.HasPrefix(v, "@") || strings.HasSuffix(v, "@") {
			return "", BadRequest("invalid email %q", value)
		}
		return v, nil

	case models.IOCTypeRegistryKey, models.IOCTypeFilePath, models.IOCTypeProcessName:
		return v, nil
	}

	return "", BadRequest("unknown ioc_type %q", iocType)
}

// ValidatePayload canonicalizes a reporter payload and returns the value
// and fingerprint. Threat level defaults to medium when omitted.
func ValidatePayload(p models.IOCPayload) (canonical, iocID string, level models.ThreatLevel, err error) {
	if p.Type == "" {
		return "", "", "", BadRequest("ioc type is required")
	}
	canonical, err = Canonicalize(p.Type, p.Value)
	if err != nil {
		return "", "", "", err
	}
	level = p.ThreatLevel
	if level == "" {
		level = models.ThreatMedium
	}
	if level.Rank() < 0 {
		return "", "", "", BadRequest("unknown threat_level %q", p.ThreatLevel)
	}
	return canonical, Fingerprint(p.Type, canonical), level, nil
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return len(s) > 0
}
