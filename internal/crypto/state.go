package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// StatePayload is carried through the OAuth authorize redirect and back. The
// consumer must check IssuedAt against its own maximum age; the codec only
// vouches for authenticity.
type StatePayload struct {
	BusinessID string `json:"businessId"`
	ReturnPath string `json:"returnPath,omitempty"`
	IssuedAt   int64  `json:"issuedAtMillis"`
}

// StateCodecConfig is injected so tests can supply deterministic secrets.
type StateCodecConfig struct {
	// Secret keys the MAC. Must be shared by the instance that starts the flow
	// and the instance that handles the callback.
	Secret string
	// AcceptUnsigned accepts the legacy unsigned encoding (bare base64 JSON)
	// during the migration window. Logged as deprecated on every use.
	AcceptUnsigned bool
}

// StateCodec produces and verifies tamper-evident OAuth state tokens of the
// form base64url(json) + "." + hex(hmac-sha256). Forged state would let an
// attacker bind a victim's authorization grant to an attacker-chosen tenant,
// so verification here is a security boundary.
type StateCodec struct {
	secret         []byte
	acceptUnsigned bool
}

func NewStateCodec(cfg StateCodecConfig) *StateCodec {
	return &StateCodec{
		secret:         []byte(cfg.Secret),
		acceptUnsigned: cfg.AcceptUnsigned,
	}
}

// CreateState serializes and signs the payload. New state is always signed.
func (c *StateCodec) CreateState(payload StatePayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return encoded + "." + c.sign(encoded), nil
}

// VerifyState returns the payload when the token is authentic, nil otherwise.
// MAC comparison is constant time.
func (c *StateCodec) VerifyState(token string) *StatePayload {
	encoded, mac, found := strings.Cut(token, ".")
	if !found {
		return c.verifyUnsigned(token)
	}

	expected, err := hex.DecodeString(mac)
	if err != nil {
		return nil
	}
	if !hmac.Equal(expected, c.signRaw(encoded)) {
		return nil
	}
	return decodePayload(encoded)
}

// verifyUnsigned handles the legacy encoding: plain base64 JSON with no MAC.
func (c *StateCodec) verifyUnsigned(token string) *StatePayload {
	if !c.acceptUnsigned {
		return nil
	}
	payload := decodePayload(token)
	if payload != nil {
		log.Warn().Str("business_id", payload.BusinessID).
			Msg("accepted unsigned legacy state token (deprecated)")
	}
	return payload
}

func decodePayload(encoded string) *StatePayload {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	var payload StatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return &payload
}

func (c *StateCodec) sign(encoded string) string {
	return hex.EncodeToString(c.signRaw(encoded))
}

func (c *StateCodec) signRaw(encoded string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encoded))
	return mac.Sum(nil)
}
