// Package directory consumes the node registry: its XML listing, the
// client-side node cache, and the HTTP exchanges a node or client makes
// with the registry from the reactor goroutine.
package directory

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"onionsocks/internal/domain"
	"onionsocks/internal/onion"
)

type nodesXML struct {
	XMLName xml.Name  `xml:"nodes"`
	Count   int       `xml:"nodes_number"`
	Nodes   []nodeXML `xml:"node"`
}

type nodeXML struct {
	Name    string `xml:"name,omitempty"`
	Address string `xml:"address"`
	Port    string `xml:"port"`
	Key     string `xml:"key"`
}

// ParseNodes decodes a registry listing. Entries with an unusable address,
// port or key are skipped and counted; a document that is not XML is a
// directory error.
func ParseNodes(data []byte) (nodes []domain.Node, skipped int, err error) {
	var doc nodesXML
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, 0, domain.DirectoryError("parse nodes", err)
	}

	nodes = make([]domain.Node, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		node, err := n.node()
		if err != nil {
			skipped++
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, skipped, nil
}

func (n nodeXML) node() (domain.Node, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(n.Address))
	if err != nil {
		return domain.Node{}, err
	}
	port, err := strconv.ParseUint(strings.TrimSpace(n.Port), 10, 16)
	if err != nil || port == 0 {
		return domain.Node{}, fmt.Errorf("invalid port %q", n.Port)
	}
	key, err := onion.ParsePublicKey(n.Key)
	if err != nil {
		return domain.Node{}, err
	}
	return domain.Node{
		Name:      strings.TrimSpace(n.Name),
		Addr:      netip.AddrPortFrom(addr.Unmap(), uint16(port)),
		PublicKey: key,
	}, nil
}

// WriteNodes renders nodes as a registry listing.
func WriteNodes(w io.Writer, nodes []domain.Node) error {
	doc := nodesXML{Count: len(nodes)}
	for _, n := range nodes {
		doc.Nodes = append(doc.Nodes, nodeXML{
			Name:    n.Name,
			Address: n.Addr.Addr().String(),
			Port:    strconv.Itoa(int(n.Addr.Port())),
			Key:     onion.EncodePublicKey(n.PublicKey),
		})
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
