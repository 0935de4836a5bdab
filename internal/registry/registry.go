// Package registry is a minimal in-memory node directory served over HTTP.
// Relay nodes register and unregister themselves; clients fetch the XML
// listing.
package registry

import (
	"cmp"
	"log/slog"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"sync"

	"onionsocks/internal/directory"
	"onionsocks/internal/domain"
	"onionsocks/internal/onion"
)

type Registry struct {
	log   *slog.Logger
	mu    sync.RWMutex
	nodes map[netip.AddrPort]domain.Node
}

func New(log *slog.Logger) *Registry {
	return &Registry{log: log, nodes: make(map[netip.AddrPort]domain.Node)}
}

// Add inserts or replaces the node at n.Addr.
func (r *Registry) Add(n domain.Node) {
	r.mu.Lock()
	r.nodes[n.Addr] = n
	r.mu.Unlock()
}

func (r *Registry) Remove(addr netip.AddrPort) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[addr]; !ok {
		return false
	}
	delete(r.nodes, addr)
	return true
}

func (r *Registry) removeByName(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, n := range r.nodes {
		if n.Name == name {
			delete(r.nodes, addr)
			return true
		}
	}
	return false
}

// Nodes returns every registered node ordered by address.
func (r *Registry) Nodes() []domain.Node {
	r.mu.RLock()
	out := make([]domain.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Node) int {
		return cmp.Compare(a.Addr.String(), b.Addr.String())
	})
	return out
}

func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /nodes", r.handleNodes)
	mux.HandleFunc("GET /nodes.xml", r.handleNodes)
	mux.HandleFunc("GET /register", r.handleRegister)
	mux.HandleFunc("GET /unregister", r.handleUnregister)
	return mux
}

func (r *Registry) handleNodes(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if err := directory.WriteNodes(w, r.Nodes()); err != nil {
		r.log.Debug("Writing node listing failed", "error", err)
	}
}

func parseAddrPort(address, port string) (netip.AddrPort, bool) {
	ip, err := netip.ParseAddr(address)
	if err != nil {
		return netip.AddrPort{}, false
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(p)), true
}

func (r *Registry) handleRegister(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	addr, ok := parseAddrPort(q.Get("address"), q.Get("port"))
	if !ok {
		http.Error(w, "invalid address or port", http.StatusBadRequest)
		return
	}
	key, err := onion.ParsePublicKey(q.Get("key"))
	if err != nil {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}

	n := domain.Node{Name: q.Get("name"), Addr: addr, PublicKey: key}
	r.Add(n)
	r.log.Info("Node registered", "name", n.Name, "addr", addr.String(), "fingerprint", onion.Fingerprint(key))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("registered\n"))
}

func (r *Registry) handleUnregister(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	var removed bool
	if addr, ok := parseAddrPort(q.Get("address"), q.Get("port")); ok {
		removed = r.Remove(addr)
	} else if name := q.Get("name"); name != "" {
		removed = r.removeByName(name)
	} else {
		http.Error(w, "address and port or name required", http.StatusBadRequest)
		return
	}
	if !removed {
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}
	r.log.Info("Node unregistered", "name", q.Get("name"), "address", q.Get("address"), "port", q.Get("port"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("unregistered\n"))
}
