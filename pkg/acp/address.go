// Stall is a seller-side runtime for the Agent Commerce Protocol.
// Copyright (C) 2025 The Stall Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package acp

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Wallet addresses are 20-byte hex strings with an optional EIP-55
// mixed-case checksum. The runtime compares addresses case-insensitively
// (NormalizeAddress) and only uses the checksum to warn operators about
// mistyped configuration.

const addressHexLen = 40

// ChecksumAddress formats a hex wallet address with its EIP-55
// mixed-case checksum, 0x-prefixed.
func ChecksumAddress(addr string) (string, error) {
	hexPart, err := addressHex(addr)
	if err != nil {
		return "", err
	}
	lower := strings.ToLower(hexPart)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	sum := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := sum[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if nibble >= 8 {
			out[i] = c - ('a' - 'A')
		}
	}
	return "0x" + string(out), nil
}

// VerifyChecksum reports whether an address is well-formed and, when it
// carries mixed case, whether that case matches the EIP-55 checksum.
// All-lowercase and all-uppercase addresses carry no checksum and verify
// trivially.
func VerifyChecksum(addr string) bool {
	hexPart, err := addressHex(addr)
	if err != nil {
		return false
	}
	if hexPart == strings.ToLower(hexPart) || hexPart == strings.ToUpper(hexPart) {
		return true
	}
	want, err := ChecksumAddress(addr)
	if err != nil {
		return false
	}
	return "0x"+hexPart == want
}

func addressHex(addr string) (string, error) {
	s := strings.TrimSpace(addr)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != addressHexLen {
		return "", fmt.Errorf("address must be %d hex characters, got %d", addressHexLen, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("address is not valid hex: %w", err)
	}
	return s, nil
}
