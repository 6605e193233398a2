package bedrock

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"time"
)

// signer implements the minimal SigV4 request-signing primitive Bedrock
// needs. Per DESIGN.md's resolution of the spec's Bedrock requirement,
// OMEN carries this narrow signer instead of a full AWS SDK dependency:
// only the signed-request primitive is exercised, and vault's
// stdlib-crypto precedent (AES-GCM via crypto/*) is the grounding for
// building crypto primitives directly when only a slice of a large SDK
// would otherwise be used.
type signer struct {
	accessKeyID     string
	secretAccessKey string
	region          string
	service         string
}

func newSigner(accessKeyID, secretAccessKey, region string) *signer {
	return &signer{accessKeyID: accessKeyID, secretAccessKey: secretAccessKey, region: region, service: "bedrock"}
}

// sign adds the Authorization, X-Amz-Date, and X-Amz-Content-Sha256
// headers required by AWS SigV4, given the already-built request and
// its body bytes (Bedrock's InvokeModelWithResponseStream needs the
// payload hash before the request is sent).
func (s *signer) sign(req *http.Request, body []byte) {
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	payloadHash := sha256Hex(body)
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	if req.Host == "" {
		req.Host = req.URL.Host
	}

	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL.Path),
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := strings.Join([]string{dateStamp, s.region, s.service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := s.deriveSigningKey(dateStamp)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authHeader := "AWS4-HMAC-SHA256 Credential=" + s.accessKeyID + "/" + credentialScope +
		", SignedHeaders=" + signedHeaders + ", Signature=" + signature
	req.Header.Set("Authorization", authHeader)
}

func (s *signer) deriveSigningKey(dateStamp string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+s.secretAccessKey), dateStamp)
	kRegion := hmacSHA256(kDate, s.region)
	kService := hmacSHA256(kRegion, s.service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

func canonicalizeHeaders(req *http.Request) (canonical, signed string) {
	names := make([]string, 0, len(req.Header)+1)
	headerByName := map[string]string{"host": req.Host}
	names = append(names, "host")
	for k, v := range req.Header {
		lk := strings.ToLower(k)
		headerByName[lk] = strings.Join(v, ",")
		names = append(names, lk)
	}
	sort.Strings(names)

	var b strings.Builder
	seen := map[string]bool{}
	var signedNames []string
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		b.WriteString(n)
		b.WriteString(":")
		b.WriteString(strings.TrimSpace(headerByName[n]))
		b.WriteString("\n")
		signedNames = append(signedNames, n)
	}
	return b.String(), strings.Join(signedNames, ";")
}
