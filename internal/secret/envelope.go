package secret

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"filippo.io/age"
	"gopkg.in/yaml.v3"
)

// Envelope format: every secret value becomes ENC[AES256_GCM,data:<b64>],
// where the payload is nonce||ciphertext sealed with a per-document data key.
// The data key is wrapped to the engine's age recipient and stored in the
// document's sops metadata, alongside a MAC over the encrypted value set.

const envelopeVersion = "stackdrift-1"

var (
	encValueRe = regexp.MustCompile(`^ENC\[AES256_GCM,data:([A-Za-z0-9+/=]+)\]$`)

	// sopsMarker matches the cheap detection heuristics carried over from the
	// scanner: a sops metadata block, ENC[ values, or age armor.
	sopsMarker = regexp.MustCompile(`(?i)\bsops\s*:|ENC\[|AGE-ENCRYPTED|sops_mac=|sops_version=|sops_age__`)
)

// IsEncrypted reports whether content carries envelope markers. Only the
// first 4KiB is inspected.
func IsEncrypted(content []byte) bool {
	peek := content
	if len(peek) > 4096 {
		peek = peek[:4096]
	}
	return sopsMarker.Match(peek)
}

// HasResidualCiphertext reports whether rendered output still contains
// ENC[...] markers, which indicates a resolver failure upstream.
func HasResidualCiphertext(s string) bool {
	return strings.Contains(s, "ENC[")
}

func newDataKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func sealValue(dataKey, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf("ENC[AES256_GCM,data:%s]", base64.StdEncoding.EncodeToString(sealed)), nil
}

func openValue(dataKey []byte, enc string) ([]byte, error) {
	m := encValueRe.FindStringSubmatch(strings.TrimSpace(enc))
	if m == nil {
		return nil, errors.New("malformed ENC value")
	}
	payload, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil {
		return nil, errors.New("malformed ENC payload")
	}
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(payload) < gcm.NonceSize() {
		return nil, errors.New("ENC payload too short")
	}
	nonce, ct := payload[:gcm.NonceSize()], payload[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.New("value authentication failed")
	}
	return plain, nil
}

func wrapDataKey(recipient *age.X25519Recipient, dataKey []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(dataKey); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func unwrapDataKey(identity *age.X25519Identity, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, errors.New("malformed wrapped data key")
	}
	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, err
	}
	key, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, errors.New("unexpected data key length")
	}
	return key, nil
}

func macOf(encValues map[string]string) string {
	keys := make([]string, 0, len(encValues))
	for k := range encValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(encValues[k]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

/* ---------------- dotenv envelope ---------------- */

// EncryptDotenv encrypts every KEY=VALUE assignment in a dotenv document.
// Comments and blank lines are preserved in place; metadata keys are appended.
func EncryptDotenv(provider KeyProvider, plaintext []byte) ([]byte, error) {
	recipient, err := provider.Recipient()
	if err != nil {
		return nil, &DecryptionError{Cause: err}
	}
	dataKey, err := newDataKey()
	if err != nil {
		return nil, err
	}

	encValues := map[string]string{}
	lines := splitLines(plaintext)
	out := make([]string, 0, len(lines)+4)
	for _, ln := range lines {
		t := strings.TrimSpace(ln)
		if t == "" || strings.HasPrefix(t, "#") {
			out = append(out, ln)
			continue
		}
		key, val, ok := splitAssignment(t)
		if !ok {
			out = append(out, ln)
			continue
		}
		enc, err := sealValue(dataKey, []byte(val))
		if err != nil {
			return nil, err
		}
		encValues[key] = enc
		out = append(out, key+"="+enc)
	}

	wrapped, err := wrapDataKey(recipient, dataKey)
	if err != nil {
		return nil, err
	}
	out = append(out,
		"sops_version="+envelopeVersion,
		"sops_mac="+macOf(encValues),
		"sops_age__recipient="+recipient.String(),
		"sops_age__enc="+wrapped,
	)
	return []byte(strings.Join(out, "\n") + "\n"), nil
}

// DecryptDotenv recovers the plaintext dotenv document: sops_* metadata keys
// are stripped, encrypted values are opened, everything else passes through.
func DecryptDotenv(provider KeyProvider, ciphertext []byte) ([]byte, error) {
	identity, err := provider.Identity()
	if err != nil {
		return nil, &DecryptionError{Cause: err}
	}

	lines := splitLines(ciphertext)
	var wrapped, mac string
	encValues := map[string]string{}
	for _, ln := range lines {
		key, val, ok := splitAssignment(strings.TrimSpace(ln))
		if !ok {
			continue
		}
		switch {
		case key == "sops_age__enc":
			wrapped = val
		case key == "sops_mac":
			mac = val
		case strings.HasPrefix(strings.ToLower(key), "sops_"):
		case strings.HasPrefix(val, "ENC["):
			encValues[key] = val
		}
	}
	if wrapped == "" {
		return nil, &DecryptionError{Cause: errors.New("missing sops metadata")}
	}
	dataKey, err := unwrapDataKey(identity, wrapped)
	if err != nil {
		return nil, &DecryptionError{Cause: err}
	}
	if mac != macOf(encValues) {
		return nil, &DecryptionError{Cause: errors.New("mac mismatch")}
	}

	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		t := strings.TrimSpace(ln)
		if t == "" || strings.HasPrefix(t, "#") {
			out = append(out, ln)
			continue
		}
		key, val, ok := splitAssignment(t)
		if !ok {
			out = append(out, ln)
			continue
		}
		if strings.HasPrefix(strings.ToLower(key), "sops_") {
			continue
		}
		if strings.HasPrefix(val, "ENC[") {
			plain, err := openValue(dataKey, val)
			if err != nil {
				return nil, &DecryptionError{Cause: fmt.Errorf("key %s: %w", key, err)}
			}
			out = append(out, key+"="+string(plain))
			continue
		}
		out = append(out, key+"="+val)
	}
	return []byte(strings.Join(out, "\n") + "\n"), nil
}

/* ---------------- YAML envelope ---------------- */

type yamlEnvelope struct {
	Data string `yaml:"data"`
	Sops struct {
		Version string `yaml:"version"`
		Mac     string `yaml:"mac"`
		Age     []struct {
			Recipient string `yaml:"recipient"`
			Enc       string `yaml:"enc"`
		} `yaml:"age"`
	} `yaml:"sops"`
}

// EncryptYAML wraps an entire YAML document body in one encrypted value under
// a sops metadata block.
func EncryptYAML(provider KeyProvider, plaintext []byte) ([]byte, error) {
	recipient, err := provider.Recipient()
	if err != nil {
		return nil, &DecryptionError{Cause: err}
	}
	dataKey, err := newDataKey()
	if err != nil {
		return nil, err
	}
	enc, err := sealValue(dataKey, plaintext)
	if err != nil {
		return nil, err
	}
	wrapped, err := wrapDataKey(recipient, dataKey)
	if err != nil {
		return nil, err
	}

	var env yamlEnvelope
	env.Data = enc
	env.Sops.Version = envelopeVersion
	env.Sops.Mac = macOf(map[string]string{"data": enc})
	env.Sops.Age = append(env.Sops.Age, struct {
		Recipient string `yaml:"recipient"`
		Enc       string `yaml:"enc"`
	}{Recipient: recipient.String(), Enc: wrapped})
	return yaml.Marshal(env)
}

// DecryptYAML recovers the original document bytes from a YAML envelope.
func DecryptYAML(provider KeyProvider, ciphertext []byte) ([]byte, error) {
	identity, err := provider.Identity()
	if err != nil {
		return nil, &DecryptionError{Cause: err}
	}
	var env yamlEnvelope
	if err := yaml.Unmarshal(ciphertext, &env); err != nil {
		return nil, &DecryptionError{Cause: errors.New("malformed sops envelope")}
	}
	if env.Data == "" || len(env.Sops.Age) == 0 {
		return nil, &DecryptionError{Cause: errors.New("missing sops metadata")}
	}
	dataKey, err := unwrapDataKey(identity, env.Sops.Age[0].Enc)
	if err != nil {
		return nil, &DecryptionError{Cause: err}
	}
	if env.Sops.Mac != macOf(map[string]string{"data": env.Data}) {
		return nil, &DecryptionError{Cause: errors.New("mac mismatch")}
	}
	plain, err := openValue(dataKey, env.Data)
	if err != nil {
		return nil, &DecryptionError{Cause: err}
	}
	return plain, nil
}

/* ---------------- helpers ---------------- */

func splitLines(b []byte) []string {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// splitAssignment parses KEY=VALUE, tolerating an "export " prefix.
func splitAssignment(line string) (key, value string, ok bool) {
	s := strings.TrimSpace(strings.TrimPrefix(line, "export "))
	eq := strings.IndexByte(s, '=')
	if eq <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:eq]), s[eq+1:], true
}
