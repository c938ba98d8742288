package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedsFromConnStr(t *testing.T) {
	seeds, bucket, err := SeedsFromConnStr("couchbase://10.0.0.1,10.0.0.2/travel-sample")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:8091", "10.0.0.2:8091"}, seeds)
	assert.Equal(t, "travel-sample", bucket)

	_, _, err = SeedsFromConnStr("couchbases://10.0.0.1,10.0.0.2")
	assert.Error(t, err)

	_, _, err = SeedsFromConnStr("foo://10.0.0.1,10.0.0.2")
	assert.Error(t, err)
}
