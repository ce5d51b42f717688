// Package peers implements OrthancPeers (SPEC_FULL.md §3.1): named
// remote PACS-over-HTTP endpoints a local instance can push DICOM
// instances to, configured under the "OrthancPeers" config key. Pulling
// from a peer is not implemented.
package peers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pacsd/pacsd/apierror"
)

// Peer is one remote endpoint entry.
type Peer struct {
	Name     string
	URL      string
	Username string
	Password string
}

// Table holds the configured peer set, keyed by name.
type Table struct {
	peers map[string]Peer
	httpc *http.Client
}

// NewTable builds a Table from the OrthancPeers config section.
func NewTable(peers map[string]Peer, timeout time.Duration) *Table {
	return &Table{peers: peers, httpc: &http.Client{Timeout: timeout}}
}

// Get looks up a peer by name.
func (t *Table) Get(name string) (Peer, bool) {
	p, ok := t.peers[name]
	return p, ok
}

// Names lists every configured peer name.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.peers))
	for n := range t.peers {
		names = append(names, n)
	}
	return names
}

// StoreDicom forwards a DICOM instance's raw bytes to peer's REST
// /instances endpoint, the same operation OrthancPeers exists to support.
func (t *Table) StoreDicom(ctx context.Context, peerName string, dicom []byte) error {
	p, ok := t.Get(peerName)
	if !ok {
		return apierror.New(apierror.InexistentItem, "no such peer %q", peerName)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL+"/instances", bytes.NewReader(dicom))
	if err != nil {
		return apierror.Wrap(apierror.NetworkInit, err, "failed to build request to peer %q", peerName)
	}
	if p.Username != "" {
		req.SetBasicAuth(p.Username, p.Password)
	}
	resp, err := t.httpc.Do(req)
	if err != nil {
		return apierror.Wrap(apierror.NetworkTimeout, err, "failed to reach peer %q", peerName)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return apierror.New(apierror.NetworkProtocol, "peer %q rejected instance with status %d", peerName, resp.StatusCode)
	}
	return nil
}
