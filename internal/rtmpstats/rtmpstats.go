// Package rtmpstats fetches and parses the upstream RTMP server's XML
// statistics document, the external collaborator the original called
// through urlopen + a generic XML-to-dict loader (tools/noxml.py). This is
// out of scope as a parser: it exposes only the handful of fields
// StreamRegistry bootstrap needs (§4.9), typed against the nginx-rtmp
// `stat.xml` schema the original's config (`http-server.addr`+
// `http-server.stat_url`) targets.
package rtmpstats

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/dss/dynstream/internal/dsserrors"
)

// Stream is one live stream entry under an application.
type Stream struct {
	Name       string `xml:"name"`
	NClients   int    `xml:"nclients"`
	Publishing *struct{} `xml:"publishing"`
}

// Application is one RTMP application block.
type Application struct {
	Name    string   `xml:"name"`
	Streams []Stream `xml:"live>stream"`
}

// Doc is the root of the parsed stat.xml document.
type Doc struct {
	XMLName      xml.Name      `xml:"rtmp"`
	Applications []Application `xml:"server>application"`
}

// Fetch retrieves and parses the stats document from addr+statURL.
func Fetch(ctx context.Context, client *http.Client, addr, statURL string) (*Doc, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+statURL, nil)
	if err != nil {
		return nil, fmt.Errorf("rtmpstats: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rtmpstats: fetch: %w: %w", dsserrors.ErrStatFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rtmpstats: unexpected status %d: %w", resp.StatusCode, dsserrors.ErrStatFetch)
	}

	var doc Doc
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("rtmpstats: parse: %w: %w", dsserrors.ErrStatFetch, err)
	}
	return &doc, nil
}

// Application returns the named application block, if present.
func (d *Doc) Application(name string) (*Application, bool) {
	for i := range d.Applications {
		if d.Applications[i].Name == name {
			return &d.Applications[i], true
		}
	}
	return nil, false
}

// ViewerCount returns nclients minus one if this entry is itself a
// publisher connection, matching the original's
// `nclients -= 1 if 'publishing' in stream else 0`.
func (s Stream) ViewerCount() int {
	n := s.NClients
	if s.Publishing != nil {
		n--
	}
	return n
}
