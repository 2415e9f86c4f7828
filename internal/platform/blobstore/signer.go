package blobstore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Signer issues and checks expiring HMAC links for the memory and fs
// drivers, which have no presigning of their own.
type Signer struct {
	key     []byte
	baseURL string
	now     func() time.Time
}

// NewSigner signs with key. An empty key gets a random per-process key, so
// links stop working after a restart.
func NewSigner(key, baseURL string) *Signer {
	k := []byte(key)
	if len(k) == 0 {
		k = make([]byte, 32)
		_, _ = rand.Read(k)
	}
	if baseURL == "" {
		baseURL = "/files"
	}
	return &Signer{key: k, baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

func (s *Signer) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// URL returns {baseURL}/{key}?expires=..&signature=.. valid for ttl.
func (s *Signer) URL(key string, ttl time.Duration) string {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	expires := s.now().Add(ttl).Unix()
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.sign(key, expires))
	return s.baseURL + "/" + strings.Join(segments, "/") + "?" + q.Encode()
}

// Verify checks a link's expiry and signature for key.
func (s *Signer) Verify(key, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if s.now().Unix() > exp {
		return ErrInvalidSignature
	}
	want := s.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
