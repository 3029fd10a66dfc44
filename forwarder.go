package spider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"spider/intake"
)

// Forwarder is the intake handler of a slave: it POSTs each batch of
// sightings to the master's collector.
type Forwarder struct {
	URL    string
	Node   string
	Client *http.Client
}

func NewForwarder(url, node string) *Forwarder {
	return &Forwarder{URL: url, Node: node, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (f *Forwarder) Handle(batch []intake.Sighting) error {
	b, err := json.Marshal(NewReport(f.Node, batch))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, f.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("forward %d sightings: %w", len(batch), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("forward %d sightings: %s", len(batch), resp.Status)
	}
	return nil
}
