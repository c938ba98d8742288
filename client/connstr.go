package client

import (
	"net"
	"strconv"

	"github.com/couchbaselabs/gocbconnstr"
	"github.com/pkg/errors"
)

// SeedsFromConnStr resolves a couchbase:// connection string into the
// management endpoints used as Options.Seeds.  A bucket named in the
// connection string is returned as well.
func SeedsFromConnStr(connStr string) ([]string, string, error) {
	spec, err := gocbconnstr.Parse(connStr)
	if err != nil {
		return nil, "", errors.Wrap(err, "invalid connection string")
	}

	resolved, err := gocbconnstr.Resolve(spec)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to resolve connection string")
	}

	if resolved.UseSsl {
		return nil, "", errors.New("tls connection strings are not supported")
	}

	seeds := make([]string, 0, len(resolved.HttpHosts))
	for _, host := range resolved.HttpHosts {
		seeds = append(seeds, net.JoinHostPort(host.Host, strconv.Itoa(host.Port)))
	}

	return seeds, resolved.Bucket, nil
}
