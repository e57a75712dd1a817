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

import "testing"

func TestChecksumAddress(t *testing.T) {
	// Reference vectors from EIP-55.
	tests := []struct {
		in   string
		want string
	}{
		{"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		{"0xFB6916095CA1DF60BB79CE92CE3EA74C37C5D359", "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"},
		{"0xdbf03b407c01e7cd3cbea99509d93f8dddc8c6fb", "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"},
		{"0xd1220a0cf47c7b9be7a2e6ba89f429762e7b9adb", "0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb"},
	}
	for _, tt := range tests {
		got, err := ChecksumAddress(tt.in)
		if err != nil {
			t.Fatalf("ChecksumAddress(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ChecksumAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChecksumAddressRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "0x123", "0xZZeb6053f3e94c9b9a09f33669435e7ef1beaed1", "not-an-address"} {
		if _, err := ChecksumAddress(in); err == nil {
			t.Errorf("ChecksumAddress(%q) succeeded, want error", in)
		}
	}
}

func TestVerifyChecksum(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid checksum", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", true},
		{"all lowercase", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", true},
		{"all uppercase", "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED", true},
		{"wrong case", "0x5Aaeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
		{"too short", "0x5aaeb", false},
		{"not hex", "0xgggg6053f3e94c9b9a09f33669435e7ef1beaed1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyChecksum(tt.in); got != tt.want {
				t.Errorf("VerifyChecksum(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
