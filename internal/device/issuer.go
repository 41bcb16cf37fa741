package device

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const (
	// IDPrefix marks registry-issued device IDs.
	IDPrefix = "dev-"

	// tokenBytes is the raw token size (256 bits).
	tokenBytes = 32
)

// Credentials is a freshly issued identity.
type Credentials struct {
	ID    string
	Token string
}

// Issuer mints device identities.
type Issuer interface {
	Issue() Credentials
}

// TokenIssuer issues UUIDv7 IDs and 256-bit random tokens.
//
// A UUIDv7 has a 48-bit millisecond timestamp followed by random bits, and
// google/uuid keeps successive values monotonic within a process, so IDs
// are unique across restarts without any persisted counter.
type TokenIssuer struct{}

// Issue returns new credentials. It has no error return: crypto/rand aborts
// the process if the operating system cannot supply entropy, and issuing a
// weak token is never acceptable.
func (TokenIssuer) Issue() Credentials {
	id, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("device: generating id: %v", err))
	}

	buf := make([]byte, tokenBytes)
	_, _ = rand.Read(buf) //nolint:errcheck // crypto/rand.Read never returns an error

	return Credentials{
		ID:    IDPrefix + id.String(),
		Token: hex.EncodeToString(buf),
	}
}
