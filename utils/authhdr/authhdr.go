/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package authhdr

import (
	"encoding/base64"
	"strings"
)

const basicPrefix = "Basic "

// EncodeBasicAuth builds the Authorization header value the management and
// view services expect.
func EncodeBasicAuth(username, password string) string {
	return basicPrefix + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// DecodeBasicAuth splits a Basic Authorization header into its username and
// password.  The scheme name is matched case-insensitively.
func DecodeBasicAuth(hdr string) (string, string, bool) {
	if len(hdr) < len(basicPrefix) || !strings.EqualFold(hdr[:len(basicPrefix)], basicPrefix) {
		return "", "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(hdr[len(basicPrefix):])
	if err != nil {
		return "", "", false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}

	return username, password, true
}
