package serve

import (
	"crypto/md5"
	"encoding/hex"
	"net"
	"net/http"
	"path"
	"strings"
)

// SessionCookie carries an explicit viewer session id.
const SessionCookie = "session_id"

// Fingerprint identifies the viewer behind r: the session cookie when
// present, otherwise a hash of the client address and user agent.
func Fingerprint(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	sum := md5.Sum([]byte(ip + r.UserAgent()))
	return hex.EncodeToString(sum[:])[:16]
}

var contentTypes = map[string]string{
	".ts":  "video/mp2t",
	".m4s": "video/iso.segment",
	".mp4": "video/mp4",
	".aac": "audio/aac",
}

// ContentType returns the media type served for a segment name.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
