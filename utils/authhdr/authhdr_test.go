/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package authhdr_test

import (
	"net/http"
	"testing"

	"github.com/couchbase/fastcouch-go/utils/authhdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHeader = "Basic QWRtaW5pc3RyYXRvcjpwYXNzd29yZA=="

func TestDecodeMatchesHttp(t *testing.T) {
	r := http.Request{
		Header: map[string][]string{
			"Authorization": {testHeader},
		},
	}
	httpUser, httpPass, ok := r.BasicAuth()
	require.True(t, ok)

	username, password, ok := authhdr.DecodeBasicAuth(testHeader)
	require.True(t, ok)
	assert.Equal(t, httpUser, username)
	assert.Equal(t, httpPass, password)
	assert.Equal(t, "Administrator", username)
}

func TestEncodeRoundTrips(t *testing.T) {
	assert.Equal(t, testHeader, authhdr.EncodeBasicAuth("Administrator", "password"))

	username, password, ok := authhdr.DecodeBasicAuth(authhdr.EncodeBasicAuth("user", "pa:ss"))
	require.True(t, ok)
	assert.Equal(t, "user", username)
	assert.Equal(t, "pa:ss", password)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, hdr := range []string{
		"",
		"Basic",
		"Bearer QWRtaW5pc3RyYXRvcjpwYXNzd29yZA==",
		"Basic not-base64!",
		"Basic " + "dXNlcm9ubHk=", // "useronly"
	} {
		_, _, ok := authhdr.DecodeBasicAuth(hdr)
		assert.False(t, ok, hdr)
	}

	_, _, ok := authhdr.DecodeBasicAuth("bAsIc QWRtaW5pc3RyYXRvcjpwYXNzd29yZA==")
	assert.True(t, ok)
}

func BenchmarkDecode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _, ok := authhdr.DecodeBasicAuth(testHeader)
		if !ok {
			b.Fatalf("Failed to decode header")
		}
	}
}
