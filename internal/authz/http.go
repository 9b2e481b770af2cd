package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	blecrypto "github.com/chaz8081/blelock/internal/ble/crypto"
)

// grantPath is the unlock endpoint relative to the server base URL.
const grantPath = "/app/user-unlock/"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 10

// HTTPCollaborator talks to the access server over HTTP/JSON.
type HTTPCollaborator struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewHTTPCollaborator creates a collaborator for baseURL. timeout bounds each
// request; a nil logger uses slog.Default.
func NewHTTPCollaborator(baseURL string, timeout time.Duration, log *slog.Logger) *HTTPCollaborator {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPCollaborator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

type grantRequestBody struct {
	LockMAC         string   `json:"lock_mac"`
	KeyGroupID      uint32   `json:"key_group_id"`
	ProtocolVersion uint8    `json:"protocol_version"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
}

// Key fields stay raw so the bytes can be scrubbed after use.
type grantResponseBody struct {
	Granted             bool            `json:"granted"`
	Reason              string          `json:"reason"`
	Rsn                 string          `json:"rsn"`
	AESKey              json.RawMessage `json:"aes_key"`
	AuthCode            json.RawMessage `json:"auth_code"`
	OpenDurationSeconds int             `json:"open_duration_seconds"`
}

func (b *grantResponseBody) scrub() {
	clear(b.AESKey)
	clear(b.AuthCode)
}

// RequestGrant posts the attempt to the server. Denials are *DeniedError;
// transport failures are returned as plain errors for the Gate to classify.
func (c *HTTPCollaborator) RequestGrant(ctx context.Context, token SessionToken, req GrantRequest) (*Grant, error) {
	body := grantRequestBody{
		LockMAC:         req.Lock.MAC.Compact(),
		KeyGroupID:      req.Lock.KeyGroupID,
		ProtocolVersion: req.Lock.ProtocolVersion,
	}
	if req.Location != nil {
		body.Latitude = &req.Location.Latitude
		body.Longitude = &req.Location.Longitude
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("authz: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+grantPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("authz: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", string(token))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("authz: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	defer clear(raw)
	if err != nil {
		return nil, fmt.Errorf("authz: read response: %w", err)
	}

	var parsed grantResponseBody
	parseErr := json.Unmarshal(raw, &parsed)
	defer parsed.scrub()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, deny(InvalidSession, "%s", messageOr(parsed.Rsn, "session expired, sign in again"))
	case resp.StatusCode == http.StatusForbidden:
		return nil, deny(reasonOr(parsed.Reason, Forbidden), "%s", messageOr(parsed.Rsn, "not allowed to open this lock"))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, deny(NetworkUnavailable, "authorization server returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, deny(reasonOr(parsed.Reason, Policy), "%s", messageOr(parsed.Rsn, "request refused by policy"))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, deny(MalformedGrant, "unexpected status %d", resp.StatusCode)
	}

	if parseErr != nil {
		return nil, deny(MalformedGrant, "response is not valid JSON")
	}
	if !parsed.Granted {
		return nil, deny(reasonOr(parsed.Reason, Policy), "%s", messageOr(parsed.Rsn, "access denied"))
	}

	key, ok := jsonString(parsed.AESKey)
	if !ok {
		return nil, deny(MalformedGrant, "grant has no usable aes_key")
	}
	code, ok := jsonString(parsed.AuthCode)
	if !ok {
		return nil, deny(MalformedGrant, "grant has no usable auth_code")
	}
	km, err := blecrypto.NewKeyMaterial(key, code)
	if err != nil {
		return nil, deny(MalformedGrant, "grant key material has the wrong size")
	}
	if parsed.OpenDurationSeconds < int(MinOpenDuration/time.Second) || parsed.OpenDurationSeconds > int(MaxOpenDuration/time.Second) {
		km.Zeroize()
		return nil, deny(MalformedGrant, "grant open duration %d out of range", parsed.OpenDurationSeconds)
	}

	c.log.Debug("[AUTH] Grant received", "lock", req.Lock.MAC, "open_seconds", parsed.OpenDurationSeconds)
	return &Grant{
		Key:          km,
		OpenDuration: time.Duration(parsed.OpenDurationSeconds) * time.Second,
		Message:      parsed.Rsn,
	}, nil
}

// jsonString returns the contents of a raw JSON string without copying. Escape
// sequences are refused: key material is plain ASCII.
func jsonString(raw json.RawMessage) ([]byte, bool) {
	if len(raw) < 2 || raw[0] != '"' || raw[len(raw)-1] != '"' {
		return nil, false
	}
	inner := raw[1 : len(raw)-1]
	if bytes.IndexByte(inner, '\\') >= 0 {
		return nil, false
	}
	return inner, true
}

func reasonOr(s string, def Reason) Reason {
	switch r := Reason(s); r {
	case InvalidSession, OutOfRange, LocationRequired, Forbidden, Policy:
		return r
	}
	return def
}

func messageOr(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
