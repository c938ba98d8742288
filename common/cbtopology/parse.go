package cbtopology

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/couchbase/fastcouch-go/common/cbconfig"
	"github.com/pkg/errors"
)

func splitHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid port in %s", hostport)
	}

	return host, port, nil
}

func copyMap(in [][]int) [][]int {
	if len(in) == 0 {
		return nil
	}

	out := make([][]int, len(in))
	for vbID, entry := range in {
		out[vbID] = append([]int(nil), entry...)
	}
	return out
}

// ParseTerseConfig converts a bucket config into a Topology.  Servers come
// from the vbucket server map (its order defines the map indexes); their
// management and view ports are filled in from nodes and nodesExt.
// sourceHost replaces $HOST and empty nodesExt hostnames.
func ParseTerseConfig(config *cbconfig.TerseConfigJson, sourceHost string) (*Topology, error) {
	vbConfig := config.VBucketServerMap
	if vbConfig == nil {
		return nil, errors.Wrap(ErrInvalidTopology, "config has no vBucketServerMap")
	}

	resolveHost := func(host string) string {
		if host == "" {
			return sourceHost
		}
		return strings.ReplaceAll(host, "$HOST", sourceHost)
	}

	servers := make([]*Server, len(vbConfig.ServerList))
	serverMap := make(map[string]*Server, len(vbConfig.ServerList))
	for serverIdx, hostport := range vbConfig.ServerList {
		host, port, err := splitHostPort(resolveHost(hostport))
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidTopology, "bad server list entry %q: %s", hostport, err)
		}

		server := &Server{
			Hostname: host,
			DataPort: port,
			MgmtPort: DefaultMgmtPort,
			ViewPort: DefaultViewPort,
		}
		servers[serverIdx] = server
		serverMap[server.ID()] = server
	}

	for _, nodeJson := range config.Nodes {
		host, mgmtPort, err := splitHostPort(resolveHost(nodeJson.Hostname))
		if err != nil {
			continue
		}

		dataPort, ok := nodeJson.Ports["direct"]
		if !ok {
			continue
		}

		server := serverMap[net.JoinHostPort(host, strconv.Itoa(dataPort))]
		if server == nil {
			continue
		}

		server.MgmtPort = mgmtPort
		if nodeJson.CouchApiBase != "" {
			capiURL, err := url.Parse(resolveHost(nodeJson.CouchApiBase))
			if err == nil && capiURL.Port() != "" {
				if viewPort, err := strconv.Atoi(capiURL.Port()); err == nil {
					server.ViewPort = viewPort
				}
			}
		}
	}

	// nodesExt is authoritative over nodes when both are present
	for _, nodeJson := range config.NodesExt {
		dataPort, ok := nodeJson.Services["kv"]
		if !ok {
			continue
		}

		host := resolveHost(nodeJson.Hostname)
		server := serverMap[net.JoinHostPort(host, strconv.Itoa(dataPort))]
		if server == nil {
			continue
		}

		if mgmtPort, ok := nodeJson.Services["mgmt"]; ok {
			server.MgmtPort = mgmtPort
		}
		if viewPort, ok := nodeJson.Services["capi"]; ok {
			server.ViewPort = viewPort
		}
	}

	topology := &Topology{
		RevEpoch:   uint64(config.RevEpoch),
		Revision:   uint64(config.Rev),
		Bucket:     config.Name,
		Servers:    servers,
		VbucketMap: copyMap(vbConfig.VBucketMap),
		ForwardMap: copyMap(vbConfig.VBucketMapForward),
	}

	err := topology.Validate()
	if err != nil {
		return nil, err
	}

	return topology, nil
}
