package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/xytext/xytext/internal/metrics"
)

// AnonymousUsername is the identity every unauthenticated request runs as.
// The anonymous workspace is world-writable: everyone is its admin.
const AnonymousUsername = "anonymous"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Identity is the authenticated user behind a request, decoded from the
// signed access token. Absent or invalid tokens degrade to anonymous instead
// of failing, because reading a workspace never requires an account.
type Identity struct {
	Username    string
	DisplayName string
	AvatarURL   string
	Verified    bool
}

func anonymousIdentity() Identity {
	return Identity{
		Username:    AnonymousUsername,
		DisplayName: "Anonymous",
		AvatarURL:   "/anonymous.png",
	}
}

// IsAdmin reports whether the identity may mutate owner's workspace. The
// anonymous workspace is everyone's sandbox.
func (id Identity) IsAdmin(owner string) bool {
	return owner == id.Username || owner == AnonymousUsername
}

// identityFromRequest resolves the caller's identity from the x_access_token
// cookie or an Authorization bearer header, in that order.
func identityFromRequest(r *http.Request, secret string) Identity {
	token := ""
	if cookie, err := r.Cookie("x_access_token"); err == nil {
		token = cookie.Value
	}
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if token == "" {
		return anonymousIdentity()
	}
	id, err := parseIdentityToken(token, secret, time.Now().UTC())
	if err != nil {
		metrics.RecordAuthAttempt(false)
		return anonymousIdentity()
	}
	metrics.RecordAuthAttempt(true)
	return id
}

type identityClaims struct {
	Username    string `json:"username"`
	DisplayName string `json:"name,omitempty"`
	AvatarURL   string `json:"profile_image_url,omitempty"`
	Verified    bool   `json:"verified,omitempty"`
	Aud         string `json:"aud"`
	Exp         int64  `json:"exp"`
}

// SignIdentityToken mints an HS256 token for username, valid until exp. Used
// by login handlers and by clients authenticating programmatically.
func SignIdentityToken(secret string, id Identity, exp time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadBytes, _ := json.Marshal(identityClaims{
		Username:    id.Username,
		DisplayName: id.DisplayName,
		AvatarURL:   id.AvatarURL,
		Verified:    id.Verified,
		Aud:         "xytext",
		Exp:         exp.Unix(),
	})
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + sig
}

func parseIdentityToken(token, secret string, now time.Time) (Identity, *authError) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid token format"}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid token header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid token header"}
	}
	if header.Alg != "HS256" {
		return Identity{}, &authError{status: 401, code: "unauthorized", message: "unsupported token algorithm"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid token payload"}
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid token signature"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return Identity{}, &authError{status: 401, code: "unauthorized", message: "token signature mismatch"}
	}

	var claims identityClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid token payload"}
	}
	if claims.Username == "" {
		return Identity{}, &authError{status: 401, code: "unauthorized", message: "missing username claim"}
	}
	if claims.Aud != "xytext" {
		return Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}
	if claims.Exp != 0 && now.Unix() >= claims.Exp {
		return Identity{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}

	return Identity{
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
		AvatarURL:   claims.AvatarURL,
		Verified:    claims.Verified,
	}, nil
}
