package secret

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/awnumar/memguard"
)

// ErrNoKey indicates no private key material is configured.
var ErrNoKey = errors.New("secret: no age key configured")

// KeyProvider supplies the engine's age key pair. Implementations must keep
// the private key out of persistent storage and out of log output.
type KeyProvider interface {
	Identity() (*age.X25519Identity, error)
	Recipient() (*age.X25519Recipient, error)
	Close()
}

// Keyring holds the process-wide private key inside a memguard enclave. The
// enclave keeps the key mlocked and guarded; Close wipes it.
type Keyring struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

var keyringInit sync.Once

// NewKeyring loads key material from the SOPS_AGE_KEY value or, failing that,
// the SOPS_AGE_KEY_FILE path. The raw string is wiped from regular memory as
// soon as it is sealed.
func NewKeyring(ageKey, ageKeyFile string) (*Keyring, error) {
	keyringInit.Do(memguard.CatchInterrupt)

	material := strings.TrimSpace(ageKey)
	if material == "" && strings.TrimSpace(ageKeyFile) != "" {
		b, err := os.ReadFile(strings.TrimSpace(ageKeyFile))
		if err != nil {
			return nil, fmt.Errorf("read age key file: %w", err)
		}
		material = strings.TrimSpace(string(b))
	}
	if material == "" {
		return nil, ErrNoKey
	}
	// Key files may carry comment lines the way age-keygen writes them.
	for _, line := range strings.Split(material, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		material = line
		break
	}
	if _, err := age.ParseX25519Identity(material); err != nil {
		return nil, &DecryptionError{Cause: fmt.Errorf("invalid age identity: %w", err)}
	}
	return &Keyring{enclave: memguard.NewEnclave([]byte(material))}, nil
}

// Identity opens the enclave and parses the identity. The locked buffer is
// destroyed before returning.
func (k *Keyring) Identity() (*age.X25519Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.enclave == nil {
		return nil, ErrNoKey
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()
	return age.ParseX25519Identity(buf.String())
}

// Recipient derives the public recipient from the held identity.
func (k *Keyring) Recipient() (*age.X25519Recipient, error) {
	id, err := k.Identity()
	if err != nil {
		return nil, err
	}
	return id.Recipient(), nil
}

// Close wipes the sealed key.
func (k *Keyring) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enclave = nil
	memguard.Purge()
}

// StaticKeyProvider wraps a pre-built identity; used by tests.
type StaticKeyProvider struct {
	ID *age.X25519Identity
}

func (p StaticKeyProvider) Identity() (*age.X25519Identity, error) {
	if p.ID == nil {
		return nil, ErrNoKey
	}
	return p.ID, nil
}

func (p StaticKeyProvider) Recipient() (*age.X25519Recipient, error) {
	if p.ID == nil {
		return nil, ErrNoKey
	}
	return p.ID.Recipient(), nil
}

func (p StaticKeyProvider) Close() {}
