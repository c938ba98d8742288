package cbconfig

// The JSON shapes published by ns_server for a bucket.  Only the fields the
// client consumes are declared; everything else in the document is ignored.

type VBucketServerMapJson struct {
	HashAlgorithm     string   `json:"hashAlgorithm"`
	NumReplicas       int      `json:"numReplicas"`
	ServerList        []string `json:"serverList"`
	VBucketMap        [][]int  `json:"vBucketMap,omitempty"`
	VBucketMapForward [][]int  `json:"vBucketMapForward,omitempty"`
}

type ConfigDDocsJson struct {
	URI string `json:"uri,omitempty"`
}

type TerseNodeJson struct {
	CouchApiBase string         `json:"couchApiBase,omitempty"`
	Hostname     string         `json:"hostname,omitempty"`
	Ports        map[string]int `json:"ports,omitempty"`
}

type TerseExtNodeJson struct {
	Services map[string]int `json:"services,omitempty"`
	ThisNode bool           `json:"thisNode,omitempty"`
	Hostname string         `json:"hostname,omitempty"`
}

type TerseConfigJson struct {
	Rev              int                   `json:"rev,omitempty"`
	RevEpoch         int                   `json:"revEpoch,omitempty"`
	Name             string                `json:"name,omitempty"`
	NodeLocator      string                `json:"nodeLocator,omitempty"`
	UUID             string                `json:"uuid,omitempty"`
	URI              string                `json:"uri,omitempty"`
	StreamingURI     string                `json:"streamingUri,omitempty"`
	DDocs            *ConfigDDocsJson      `json:"ddocs,omitempty"`
	VBucketServerMap *VBucketServerMapJson `json:"vBucketServerMap,omitempty"`
	Nodes            []TerseNodeJson       `json:"nodes,omitempty"`
	NodesExt         []TerseExtNodeJson    `json:"nodesExt,omitempty"`
}
