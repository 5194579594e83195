package domain

import "time"

// FingerprintKind distinguishes the two identity families held by the registry.
type FingerprintKind string

const (
	KindPayment FingerprintKind = "payment"
	KindDevice  FingerprintKind = "device"
)

// Valid reports whether k names a known fingerprint family.
func (k FingerprintKind) Valid() bool {
	return k == KindPayment || k == KindDevice
}

// RiskLevel is the coarse sharing classification returned by CheckSharing.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// PaymentSignals is the raw instrument data a fingerprint is derived from.
// None of it is persisted.
type PaymentSignals struct {
	CardNumber  string `json:"cardNumber"`
	ExpiryMonth int    `json:"expiryMonth"`
	ExpiryYear  int    `json:"expiryYear"`
	HolderName  string `json:"holderName"`
}

// DeviceSignals is the browser/device bundle a device fingerprint is derived from.
type DeviceSignals struct {
	UserAgent  string `json:"userAgent"`
	CanvasHash string `json:"canvasHash,omitempty"`
	AudioHash  string `json:"audioHash,omitempty"`
	WebGLHash  string `json:"webglHash,omitempty"`
	Screen     string `json:"screen,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Language   string `json:"language,omitempty"`
}

// Blacklisting records who blacklisted an identity and why.
type Blacklisting struct {
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// FingerprintState is the lifecycle shared by payment and device identities.
type FingerprintState struct {
	ID              string        `json:"id"`
	CreatedAt       time.Time     `json:"createdAt"`
	LastUsedAt      time.Time     `json:"lastUsedAt"`
	UsageCount      int64         `json:"usageCount"`
	AssociatedUsers []string      `json:"associatedUsers"`
	IsBlacklisted   bool          `json:"isBlacklisted"`
	Blacklist       *Blacklisting `json:"blacklist,omitempty"`
	RiskScore       uint8         `json:"riskScore"`
	Version         int64         `json:"version"`
}

// Fingerprint is implemented by both identity families through the embedded state.
type Fingerprint interface {
	State() *FingerprintState
}

// State returns the shared lifecycle block.
func (s *FingerprintState) State() *FingerprintState { return s }

// UserCount is the size of the association set.
func (s *FingerprintState) UserCount() int {
	return len(s.AssociatedUsers)
}

// HasUser reports whether userID is already associated.
func (s *FingerprintState) HasUser(userID string) bool {
	for _, u := range s.AssociatedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// PaymentFingerprint is the stored identity of a payment instrument.
type PaymentFingerprint struct {
	FingerprintState
	BrandClass string `json:"brandClass"`
	BINHash    string `json:"binHash"`
}

// DeviceFingerprint is the stored identity of a browser/device.
type DeviceFingerprint struct {
	FingerprintState
	Browser  string `json:"browser"`
	OS       string `json:"os"`
	Platform string `json:"platform"`
	Mobile   bool   `json:"mobile"`
}

// IPAccounts tracks distinct accounts seen from one (hashed) IP address.
type IPAccounts struct {
	ID        string    `json:"id"`
	UserIDs   []string  `json:"userIds"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Version   int64     `json:"version"`
}

// SharingReport summarizes how widely an identity is shared.
// Known is false for ids the registry has never seen.
type SharingReport struct {
	FingerprintID string          `json:"fingerprintId"`
	Kind          FingerprintKind `json:"kind"`
	Known         bool            `json:"known"`
	IsShared      bool            `json:"isShared"`
	UserCount     int             `json:"userCount"`
	RiskLevel     RiskLevel       `json:"riskLevel"`
}

// Report builds the sharing view of a stored identity.
func (s *FingerprintState) Report(kind FingerprintKind) SharingReport {
	n := s.UserCount()
	return SharingReport{
		FingerprintID: s.ID,
		Kind:          kind,
		Known:         true,
		IsShared:      n > 1,
		UserCount:     n,
		RiskLevel:     SharingLevel(n),
	}
}

// SharingLevel maps a distinct-user count onto a RiskLevel.
func SharingLevel(users int) RiskLevel {
	switch {
	case users >= 5:
		return RiskHigh
	case users >= 3:
		return RiskMedium
	default:
		return RiskLow
	}
}
