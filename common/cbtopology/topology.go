package cbtopology

import (
	"net"
	"strconv"

	"github.com/couchbase/fastcouch-go/utils/revisionarr"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

var ErrInvalidTopology = errors.New("invalid topology")

const (
	DefaultMgmtPort = 8091
	DefaultViewPort = 8092
	DefaultDataPort = 11210
)

// NoOwner marks a vbucket map entry with no server assigned.
const NoOwner = -1

// Server is one node of the bucket.  Identity is hostname plus data port.
type Server struct {
	Hostname string `json:"hostname"`
	DataPort int    `json:"dataPort"`
	MgmtPort int    `json:"mgmtPort"`
	ViewPort int    `json:"viewPort"`
}

func (s *Server) ID() string {
	return net.JoinHostPort(s.Hostname, strconv.Itoa(s.DataPort))
}

func (s *Server) DataAddress() string {
	return s.ID()
}

func (s *Server) MgmtAddress() string {
	return net.JoinHostPort(s.Hostname, strconv.Itoa(s.MgmtPort))
}

func (s *Server) ViewAddress() string {
	return net.JoinHostPort(s.Hostname, strconv.Itoa(s.ViewPort))
}

func (s *Server) String() string {
	return s.ID()
}

// Topology is an immutable snapshot of a bucket's layout.  VbucketMap holds,
// for every vbucket, the indexes into Servers of its primary followed by
// its replicas.  ForwardMap has the same shape and is only present while a
// rebalance is moving vbuckets.
type Topology struct {
	RevEpoch uint64 `json:"revEpoch"`
	Revision uint64 `json:"revision"`

	Bucket     string    `json:"bucket"`
	Servers    []*Server `json:"servers"`
	VbucketMap [][]int   `json:"vbucketMap"`
	ForwardMap [][]int   `json:"forwardMap,omitempty"`
}

func (t *Topology) NumVbuckets() int {
	return len(t.VbucketMap)
}

func (t *Topology) HasForwardMap() bool {
	return len(t.ForwardMap) > 0
}

// ServerIndex returns the index of the server with the given id, or -1.
func (t *Topology) ServerIndex(serverID string) int {
	for serverIdx, server := range t.Servers {
		if server.ID() == serverID {
			return serverIdx
		}
	}
	return -1
}

func (t *Topology) ServerByID(serverID string) *Server {
	serverIdx := t.ServerIndex(serverID)
	if serverIdx < 0 {
		return nil
	}
	return t.Servers[serverIdx]
}

func ownersOf(vbMap [][]int, vbID uint16) []int {
	if int(vbID) >= len(vbMap) {
		return nil
	}

	var owners []int
	for _, serverIdx := range vbMap[vbID] {
		if serverIdx == NoOwner {
			continue
		}
		owners = append(owners, serverIdx)
	}
	return owners
}

// ServersForVbucket returns the server indexes owning vbID, primary first,
// skipping unassigned slots.
func (t *Topology) ServersForVbucket(vbID uint16) []int {
	return ownersOf(t.VbucketMap, vbID)
}

// ForwardServersForVbucket is ServersForVbucket against the forward map.  It
// returns nil when no forward map is present.
func (t *Topology) ForwardServersForVbucket(vbID uint16) []int {
	return ownersOf(t.ForwardMap, vbID)
}

func validateMap(name string, vbMap [][]int, numServers int) error {
	for vbID, entry := range vbMap {
		for _, serverIdx := range entry {
			if serverIdx == NoOwner {
				continue
			}
			if serverIdx < 0 || serverIdx >= numServers {
				return errors.Wrapf(ErrInvalidTopology, "%s entry %d references server %d of %d",
					name, vbID, serverIdx, numServers)
			}
		}
	}
	return nil
}

// Validate checks that every map index refers to a listed server and that
// the forward map, when present, covers the same vbuckets.
func (t *Topology) Validate() error {
	if len(t.VbucketMap) == 0 {
		return errors.Wrap(ErrInvalidTopology, "empty vbucket map")
	}

	if len(t.ForwardMap) > 0 && len(t.ForwardMap) != len(t.VbucketMap) {
		return errors.Wrapf(ErrInvalidTopology, "forward map has %d entries, vbucket map has %d",
			len(t.ForwardMap), len(t.VbucketMap))
	}

	seen := make(map[string]bool, len(t.Servers))
	for _, server := range t.Servers {
		if seen[server.ID()] {
			return errors.Wrapf(ErrInvalidTopology, "duplicate server %s", server.ID())
		}
		seen[server.ID()] = true
	}

	err := validateMap("vbucket map", t.VbucketMap, len(t.Servers))
	if err != nil {
		return err
	}

	return validateMap("forward map", t.ForwardMap, len(t.Servers))
}

func mapsEqual(a, b [][]int) bool {
	return slices.EqualFunc(a, b, func(x, y []int) bool {
		return slices.Equal(x, y)
	})
}

// Equivalent reports whether both topologies describe the same servers (in
// the same order, with the same ports) and the same maps.  Revisions are not
// compared.
func (t *Topology) Equivalent(other *Topology) bool {
	if other == nil {
		return false
	}

	if t.Bucket != other.Bucket {
		return false
	}

	serversEqual := slices.EqualFunc(t.Servers, other.Servers, func(a, b *Server) bool {
		return *a == *b
	})
	if !serversEqual {
		return false
	}

	return mapsEqual(t.VbucketMap, other.VbucketMap) &&
		mapsEqual(t.ForwardMap, other.ForwardMap)
}

// CompareRevision returns -1, 0 or +1 as t is older than, the same as, or
// newer than other.  The epoch is more significant than the revision.
func (t *Topology) CompareRevision(other *Topology) int {
	return revisionarr.Compare(
		[]uint64{t.Revision, t.RevEpoch},
		[]uint64{other.Revision, other.RevEpoch})
}
