// Package signalserver implements the stateless broker that performs
// peer introduction and pipes two peers' raw byte streams together.
// It is routed with gorilla/mux instead of a bare http.ServeMux so the
// two endpoints can carry path parameters (`{localId}`, `{remoteId}`,
// `{documentId}`).
package signalserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PairingTimeout is how long a connect socket waits for its
// counterpart before the server closes it.
const PairingTimeout = 60 * time.Second

// ErrPairingTimeout is surfaced via logging when a lone connect
// socket's counterpart never arrives; the socket itself is simply
// closed.
var ErrPairingTimeout = errors.New("signalserver: counterpart never arrived")

// joinMessage is the introduction client's outbound interest set.
type joinMessage struct {
	Type string   `json:"type"`
	Join []string `json:"join"`
}

// introductionMessage is what the server sends both peers once their
// interest sets intersect.
type introductionMessage struct {
	Type string   `json:"type"`
	ID   string   `json:"id"`
	Keys []string `json:"keys"`
}

type introductionPeer struct {
	localID   string
	conn      *websocket.Conn
	interests map[string]bool
	mu        sync.Mutex
}

// Server is the signaling broker. It holds no per-document state and
// is safe to run with any scheduling model.
type Server struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	introMu   sync.Mutex
	introPeer map[string]*introductionPeer

	pairMu  sync.Mutex
	pairing map[string]*pendingConnect

	introductionsMade prometheus.Counter
	pairsCompleted    prometheus.Counter
	pairingTimeouts   prometheus.Counter
}

type pendingConnect struct {
	conn   *websocket.Conn
	waitCh chan *websocket.Conn
	once   sync.Once
}

// New constructs a Server whose counters are registered with reg:
// prometheus.DefaultRegisterer exposes them on /metrics, a fresh
// *prometheus.Registry scopes them in tests, and nil leaves them
// unregistered.
func New(logger *zap.Logger, reg prometheus.Registerer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	return &Server{
		logger:    logger,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		introPeer: map[string]*introductionPeer{},
		pairing:   map[string]*pendingConnect{},
		introductionsMade: factory.NewCounter(prometheus.CounterOpts{
			Name: "tidalsync_signalserver_introductions_total",
			Help: "Number of introduction messages sent to peers.",
		}),
		pairsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tidalsync_signalserver_pairs_completed_total",
			Help: "Number of connect sockets successfully paired and piped.",
		}),
		pairingTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tidalsync_signalserver_pairing_timeouts_total",
			Help: "Number of connect sockets closed after their counterpart never arrived.",
		}),
	}
}

// Router builds the gorilla/mux router exposing both endpoints plus
// /metrics.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/introduction/{localId}", s.handleIntroduction)
	r.HandleFunc("/connection/{localId}/{remoteId}/{documentId}", s.handleConnect)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleIntroduction(w http.ResponseWriter, r *http.Request) {
	localID := mux.Vars(r)["localId"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("introduction upgrade failed", zap.Error(err))
		return
	}

	peer := &introductionPeer{localID: localID, conn: conn, interests: map[string]bool{}}
	s.introMu.Lock()
	s.introPeer[localID] = peer
	s.introMu.Unlock()

	defer func() {
		s.introMu.Lock()
		delete(s.introPeer, localID)
		s.introMu.Unlock()
		conn.Close()
	}()

	for {
		var msg joinMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "Join" {
			continue
		}
		s.recordInterests(peer, msg.Join)
		s.introduceAgainst(peer)
	}
}

func (s *Server) recordInterests(peer *introductionPeer, join []string) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	for _, docID := range join {
		peer.interests[docID] = true
	}
}

func (s *Server) introduceAgainst(peer *introductionPeer) {
	s.introMu.Lock()
	others := make([]*introductionPeer, 0, len(s.introPeer))
	for id, other := range s.introPeer {
		if id != peer.localID {
			others = append(others, other)
		}
	}
	s.introMu.Unlock()

	peer.mu.Lock()
	mine := make([]string, 0, len(peer.interests))
	for docID := range peer.interests {
		mine = append(mine, docID)
	}
	peer.mu.Unlock()

	for _, other := range others {
		shared := intersect(mine, other)
		if len(shared) == 0 {
			continue
		}
		s.sendIntroduction(peer, other.localID, shared)
		s.sendIntroduction(other, peer.localID, shared)
	}
}

func intersect(mine []string, other *introductionPeer) []string {
	other.mu.Lock()
	defer other.mu.Unlock()
	var shared []string
	for _, docID := range mine {
		if other.interests[docID] {
			shared = append(shared, docID)
		}
	}
	return shared
}

func (s *Server) sendIntroduction(to *introductionPeer, otherID string, keys []string) {
	to.mu.Lock()
	defer to.mu.Unlock()
	msg := introductionMessage{Type: "Introduction", ID: otherID, Keys: keys}
	if err := to.conn.WriteJSON(msg); err != nil {
		s.logger.Warn("failed to send introduction", zap.String("to", to.localID), zap.Error(err))
		return
	}
	s.introductionsMade.Inc()
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	localID, remoteID, documentID := vars["localId"], vars["remoteId"], vars["documentId"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("connect upgrade failed", zap.Error(err))
		return
	}

	pairKey := connectPairKey(localID, remoteID, documentID)
	mirrorKey := connectPairKey(remoteID, localID, documentID)

	s.pairMu.Lock()
	if waiting, ok := s.pairing[mirrorKey]; ok {
		delete(s.pairing, mirrorKey)
		s.pairMu.Unlock()
		waiting.once.Do(func() { waiting.waitCh <- conn })
		return
	}

	pending := &pendingConnect{conn: conn, waitCh: make(chan *websocket.Conn, 1)}
	s.pairing[pairKey] = pending
	s.pairMu.Unlock()

	select {
	case counterpart := <-pending.waitCh:
		s.pairsCompleted.Inc()
		pipe(conn, counterpart)
	case <-time.After(PairingTimeout):
		s.pairMu.Lock()
		delete(s.pairing, pairKey)
		s.pairMu.Unlock()
		s.pairingTimeouts.Inc()
		s.logger.Info("pairing timed out", zap.String("pairKey", pairKey), zap.Error(ErrPairingTimeout))
		conn.Close()
	}
}

func connectPairKey(localID, remoteID, documentID string) string {
	return fmt.Sprintf("%s|%s|%s", localID, remoteID, documentID)
}

// pipe copies bytes unmodified in both directions until either side
// closes.
func pipe(a, b *websocket.Conn) {
	done := make(chan struct{}, 2)
	copyMessages := func(dst, src *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := src.ReadMessage()
			if err != nil {
				return
			}
			if err := dst.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}
	go copyMessages(a, b)
	go copyMessages(b, a)
	<-done
	a.Close()
	b.Close()
}

// marshalIntroduction is exposed for tests asserting wire shape
// without depending on a live websocket round trip.
func marshalIntroduction(msg introductionMessage) ([]byte, error) {
	return json.Marshal(msg)
}
