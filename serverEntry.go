package spider

import (
	"fmt"
	"time"

	"spider/intake"
	"spider/util"
)

// Report is the body a slave POSTs to its master's /sightings endpoint.
type Report struct {
	// Node names the slave process.
	Node    string        `json:"node"`
	Entries []ReportEntry `json:"sightings"`
}

type ReportEntry struct {
	// InfoHash is hex encoded.
	InfoHash string `json:"info_hash"`
	// Peers are "ip:port" addresses.
	Peers []string `json:"peers"`
	// Source is the intake.Source code of the original sighting.
	Source int       `json:"source"`
	SeenAt time.Time `json:"seen_at"`
}

// NewReport packs sightings for forwarding.
func NewReport(node string, batch []intake.Sighting) Report {
	r := Report{Node: node, Entries: make([]ReportEntry, 0, len(batch))}
	for _, s := range batch {
		r.Entries = append(r.Entries, ReportEntry{
			InfoHash: s.InfoHash.String(),
			Peers:    s.Peers,
			Source:   s.Source.Code(),
			SeenAt:   s.SeenAt.UTC(),
		})
	}
	return r
}

// Sightings unpacks a received report. Entries arrive as upstream
// sightings attributed to the reporting node.
func (r Report) Sightings() ([]intake.Sighting, error) {
	out := make([]intake.Sighting, 0, len(r.Entries))
	for i, e := range r.Entries {
		ih, err := util.DecodeInfoHash(e.InfoHash)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if _, err := intake.SourceFromCode(e.Source); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, intake.Sighting{
			InfoHash: ih,
			Peers:    e.Peers,
			Source:   intake.SourceUpstream,
			Identity: r.Node,
			SeenAt:   e.SeenAt,
		})
	}
	return out, nil
}
