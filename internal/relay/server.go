package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"omemo/internal/domain"
	"omemo/internal/pubsub"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// Server is an in-memory relay: a publish directory plus per-device mailboxes.
// It trusts the owner named in the path.
type Server struct {
	log   *zap.Logger
	nodes *pubsub.Memory

	mu        sync.Mutex
	mailboxes map[domain.Address][]Delivery
}

// NewServer returns an empty relay. A nil logger discards output.
func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:       log,
		nodes:     pubsub.NewMemory(),
		mailboxes: make(map[domain.Address][]Delivery),
	}
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/pubsub/{owner}/{node}/items/{item}", s.handlePublish).Methods(http.MethodPut)
	r.HandleFunc("/pubsub/{owner}/{node}/items", s.handleItems).Methods(http.MethodGet)
	r.HandleFunc("/pubsub/{owner}/{node}", s.handleDeleteNode).Methods(http.MethodDelete)
	r.HandleFunc("/msg/{user}/{device}", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/msg/{user}/{device}", s.handleFetch).Methods(http.MethodGet)
	r.HandleFunc("/msg/{user}/{device}/ack", s.handleAck).Methods(http.MethodPost)
	return r
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	owner := domain.JID(v["owner"])
	if err := s.nodes.Put(owner, v["node"], domain.Item{ID: v["item"], Payload: payload}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Debug("published", zap.String("owner", v["owner"]), zap.String("node", v["node"]), zap.String("item", v["item"]))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	writeJSON(w, s.nodes.Items(domain.JID(v["owner"]), v["node"]))
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	s.nodes.Remove(domain.JID(v["owner"]), v["node"])
	s.log.Debug("node deleted", zap.String("owner", v["owner"]), zap.String("node", v["node"]))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	to, ok := mailboxAddress(w, r)
	if !ok {
		return
	}
	var d Delivery
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.ID = uuid.NewString()

	s.mu.Lock()
	s.mailboxes[to] = append(s.mailboxes[to], d)
	s.mu.Unlock()

	s.log.Info("queued", zap.Stringer("to", to), zap.String("from", string(d.From)), zap.String("id", d.ID))
	writeJSON(w, struct {
		ID string `json:"id"`
	}{d.ID})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	user, ok := mailboxAddress(w, r)
	if !ok {
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	s.mu.Lock()
	queued := s.mailboxes[user]
	if limit > 0 && limit < len(queued) {
		queued = queued[:limit]
	}
	out := append([]Delivery{}, queued...)
	s.mu.Unlock()

	writeJSON(w, out)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	user, ok := mailboxAddress(w, r)
	if !ok {
		return
	}
	var req ackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	acked := make(map[string]struct{}, len(req.IDs))
	for _, id := range req.IDs {
		acked[id] = struct{}{}
	}

	s.mu.Lock()
	kept := s.mailboxes[user][:0]
	for _, d := range s.mailboxes[user] {
		if _, ok := acked[d.ID]; !ok {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		delete(s.mailboxes, user)
	} else {
		s.mailboxes[user] = kept
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// mailboxAddress reads the device address of a /msg route, answering 400
// when the device id is invalid.
func mailboxAddress(w http.ResponseWriter, r *http.Request) (domain.Address, bool) {
	v := mux.Vars(r)
	id, err := domain.ParseDeviceID(v["device"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return domain.Address{}, false
	}
	return domain.Address{JID: domain.JID(v["user"]), DeviceID: id}, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
