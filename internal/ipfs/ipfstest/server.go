// Package ipfstest provides an in-memory stand-in for the kubo RPC API.
package ipfstest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/i5heu/ouroboros-ingest/internal/ipfs"
)

// Server serves /api/v0/cat, /api/v0/add and /api/v0/version.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	content map[string][]byte
	// Delay is applied to every cat request, simulating a slow network.
	delay atomic.Int64
	cats  atomic.Int64
}

func NewServer() *Server {
	s := &Server{content: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/cat", s.handleCat)
	mux.HandleFunc("/api/v0/add", s.handleAdd)
	mux.HandleFunc("/api/v0/version", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"Version": "0.27.0"})
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// SetDelay makes every subsequent cat request wait d before answering.
func (s *Server) SetDelay(d time.Duration) { s.delay.Store(int64(d)) }

// Cats returns the number of cat requests served.
func (s *Server) Cats() int { return int(s.cats.Load()) }

// Store places data under id without computing a CID, for serving content
// that does not match its identifier.
func (s *Server) Store(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[id] = append([]byte(nil), data...)
}

func writeRPCError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{"Message": msg, "Code": 0, "Type": "error"})
}

func (s *Server) handleCat(w http.ResponseWriter, r *http.Request) {
	s.cats.Add(1)
	if d := time.Duration(s.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	id := r.URL.Query().Get("arg")
	s.mu.Lock()
	data, ok := s.content[id]
	s.mu.Unlock()
	if !ok {
		writeRPCError(w, "block was not found locally (offline): ipld: could not find "+id)
		return
	}
	if l := r.URL.Query().Get("length"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n < len(data) {
			data = data[:n]
		}
	}
	_, _ = w.Write(data)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		writeRPCError(w, err.Error())
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeRPCError(w, err.Error())
		return
	}

	prefix := ipfs.PrefixV0
	if r.URL.Query().Get("cid-version") == "1" {
		prefix = ipfs.PrefixV1
	}
	var c cid.Cid
	c, err = ipfs.ComputeCID(data, prefix, false)
	if err != nil {
		writeRPCError(w, err.Error())
		return
	}

	s.Store(c.String(), data)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"Name": "blob",
		"Hash": c.String(),
		"Size": strconv.Itoa(len(data)),
	})
}
