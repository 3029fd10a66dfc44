package intake

import "fmt"

// Source tells where a sighting came from.
type Source int

const (
	// SourcePeer is a get_peers response carrying peer addresses.
	SourcePeer Source = iota
	// SourceAnnounce is an announce_peer query we accepted.
	SourceAnnounce
	// SourceUpstream is a sighting forwarded by a slave crawler.
	SourceUpstream
)

type sourceInfo struct {
	code  int
	label string
}

var sources = map[Source]sourceInfo{
	SourcePeer:     {0, "peer"},
	SourceAnnounce: {1, "announce"},
	SourceUpstream: {2, "upstream"},
}

// Code is the stable number used in forwarded reports.
func (s Source) Code() int {
	if i, ok := sources[s]; ok {
		return i.code
	}
	return -1
}

func (s Source) Label() string {
	if i, ok := sources[s]; ok {
		return i.label
	}
	return "unknown"
}

func (s Source) String() string {
	return s.Label()
}

// SourceFromCode is the inverse of Source.Code.
func SourceFromCode(code int) (Source, error) {
	for s, i := range sources {
		if i.code == code {
			return s, nil
		}
	}
	return 0, fmt.Errorf("intake: unknown source code %d", code)
}
