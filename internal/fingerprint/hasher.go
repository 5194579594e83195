package fingerprint

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/mssola/useragent"
	"github.com/opensource-finance/harrier/internal/domain"
	"golang.org/x/crypto/blake2b"
)

// Identifier prefixes.
const (
	PaymentPrefix = "pf_"
	DevicePrefix  = "df_"
	IPPrefix      = "ip_"
)

const fieldSep = "\x1f"

// PaymentIdentity is what the hasher derives from payment signals.
type PaymentIdentity struct {
	ID         string
	BrandClass string
	BINHash    string
}

// DeviceIdentity is what the hasher derives from a device bundle.
type DeviceIdentity struct {
	ID       string
	Browser  string
	OS       string
	Platform string
	Mobile   bool
}

// Hasher derives stable identifiers from raw signals with a keyed BLAKE2b-256.
// Raw values never leave the hasher; only digests and coarse attributes do.
type Hasher struct {
	key []byte
}

// NewHasher creates a hasher keyed by secret. Secrets longer than the BLAKE2b
// key limit are compressed to 32 bytes first.
func NewHasher(secret string) (*Hasher, error) {
	if secret == "" {
		return nil, fmt.Errorf("fingerprint secret must not be empty")
	}
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Hasher{key: key}, nil
}

// Payment normalizes and hashes payment signals.
func (h *Hasher) Payment(sig domain.PaymentSignals) (PaymentIdentity, error) {
	pan := digitsOnly(sig.CardNumber)
	if len(pan) < 12 || len(pan) > 19 {
		return PaymentIdentity{}, fmt.Errorf("%w: card number must have 12-19 digits", domain.ErrFingerprintingFailed)
	}
	expiry, err := normalizeExpiry(sig.ExpiryMonth, sig.ExpiryYear)
	if err != nil {
		return PaymentIdentity{}, err
	}

	return PaymentIdentity{
		ID:         PaymentPrefix + h.sum("payment", pan, expiry, normalizeName(sig.HolderName)),
		BrandClass: BrandClass(pan),
		BINHash:    h.sum("bin", pan[:6])[:16],
	}, nil
}

// Device normalizes and hashes a device bundle. The user agent is reduced to
// browser family, major version, OS and platform so that minor browser updates
// keep the same identity.
func (h *Hasher) Device(sig domain.DeviceSignals) (DeviceIdentity, error) {
	var id DeviceIdentity
	uaKey := ""
	if ua := strings.TrimSpace(sig.UserAgent); ua != "" {
		parsed := useragent.New(ua)
		name, version := parsed.Browser()
		id.Browser = strings.TrimSpace(name + " " + majorVersion(version))
		id.OS = parsed.OS()
		id.Platform = parsed.Platform()
		id.Mobile = parsed.Mobile()
		uaKey = strings.ToLower(strings.Join([]string{id.Browser, id.OS, id.Platform}, "|"))
		if strings.Trim(uaKey, "|") == "" {
			uaKey = strings.ToLower(ua)
		}
	}

	fields := []string{
		uaKey,
		lowerTrim(sig.CanvasHash),
		lowerTrim(sig.AudioHash),
		lowerTrim(sig.WebGLHash),
		lowerTrim(sig.Screen),
		lowerTrim(sig.Timezone),
		lowerTrim(sig.Language),
	}
	empty := true
	for _, f := range fields {
		if f != "" {
			empty = false
			break
		}
	}
	if empty {
		return DeviceIdentity{}, fmt.Errorf("%w: empty device bundle", domain.ErrFingerprintingFailed)
	}

	id.ID = DevicePrefix + h.sum(append([]string{"device"}, fields...)...)
	return id, nil
}

// IP hashes an address for the per-IP account index.
func (h *Hasher) IP(ip string) (string, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return "", fmt.Errorf("%w: empty ip", domain.ErrInvalidInput)
	}
	return IPPrefix + h.sum("ip", strings.ToLower(ip)), nil
}

func (h *Hasher) sum(parts ...string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// Only possible with a key above 64 bytes, which NewHasher prevents.
		panic(err)
	}
	mac.Write([]byte(strings.Join(parts, fieldSep)))
	return hex.EncodeToString(mac.Sum(nil))
}

// BrandClass buckets a PAN by its issuer prefix.
func BrandClass(pan string) string {
	switch {
	case strings.HasPrefix(pan, "4"):
		return "visa"
	case strings.HasPrefix(pan, "34"), strings.HasPrefix(pan, "37"):
		return "amex"
	case inPrefixRange(pan, 2, 51, 55), inPrefixRange(pan, 4, 2221, 2720):
		return "mastercard"
	case strings.HasPrefix(pan, "6011"), strings.HasPrefix(pan, "65"), inPrefixRange(pan, 3, 644, 649):
		return "discover"
	default:
		return "other"
	}
}

func inPrefixRange(pan string, width, lo, hi int) bool {
	if len(pan) < width {
		return false
	}
	n := 0
	for _, r := range pan[:width] {
		n = n*10 + int(r-'0')
	}
	return n >= lo && n <= hi
}

func normalizeExpiry(month, year int) (string, error) {
	if month < 1 || month > 12 {
		return "", fmt.Errorf("%w: expiry month %d", domain.ErrFingerprintingFailed, month)
	}
	if year >= 2000 && year <= 2099 {
		year -= 2000
	}
	if year < 0 || year > 99 {
		return "", fmt.Errorf("%w: expiry year %d", domain.ErrFingerprintingFailed, year)
	}
	return fmt.Sprintf("%02d/%02d", month, year), nil
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) && r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
