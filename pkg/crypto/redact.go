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

// Package crypto holds the redaction helpers that keep credentials out
// of log output. The API key and any credentialed URL pass through here
// before they reach a log field.
package crypto

import (
	"regexp"
	"strings"
)

// RedactSecret redacts a secret for logging. Empty stays empty, four
// characters or fewer become "****", anything longer shows the first
// and last two characters.
func RedactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}

var urlCredentials = regexp.MustCompile(`(://[^:/@]+):([^@]+)@`)

// RedactURL masks the password of a user:password@host URL so base URLs
// with embedded credentials are safe to log.
func RedactURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	return urlCredentials.ReplaceAllString(urlStr, "$1:****@")
}
