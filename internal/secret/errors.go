package secret

import "fmt"

// DecryptionError reports a failure to recover plaintext. The message never
// carries decrypted or partially decrypted bytes.
type DecryptionError struct {
	Path  string
	Cause error
}

func (e *DecryptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("decrypt %s: %v", e.Path, e.Cause)
	}
	return fmt.Sprintf("decrypt: %v", e.Cause)
}

func (e *DecryptionError) Unwrap() error { return e.Cause }
