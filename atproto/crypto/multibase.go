package crypto

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// Parses a private key exported by [PrivateKeyP256.Multibase].
func ParsePrivateMultibase(encoded string) (PrivateKeyExportable, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, fmt.Errorf("crypto: not a multibase base58btc string")
	}
	data, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid base58btc: %w", err)
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("crypto: multibase key too short")
	}
	if data[0] == 0x86 && data[1] == 0x26 {
		return ParsePrivateBytesP256(data[2:])
	}
	return nil, fmt.Errorf("crypto: unsupported private key multicodec: 0x%x%x", data[0], data[1])
}
