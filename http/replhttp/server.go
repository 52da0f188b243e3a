package replhttp

import (
	"errors"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"

	"github.com/crossrepl/logship/component"
)

// InspectorOptions configures the read only operator surface over the
// replication bookkeeping. Mutating operations stay library only; this
// server exists so operators and cleanup tooling can look at the queues
// without a store client.
type InspectorOptions struct {
	Addr string
	// BearerSecret enables HS256 bearer token verification on every route
	// when non empty.
	BearerSecret []byte

	Queues    component.ReplicationQueueStorage
	HFileRefs component.HFileRefStorage
}

type InspectorServer struct {
	mux *chi.Mux
	opt InspectorOptions
}

func NewInspectorServer(opt InspectorOptions) *InspectorServer {
	s := &InspectorServer{
		mux: chi.NewRouter(),
		opt: opt,
	}
	s.mux.Use(middleware.RealIP)
	s.mux.Use(middleware.Recoverer)
	if len(opt.BearerSecret) > 0 {
		s.mux.Use(s.verifyBearerToken)
	}
	s.mux.Route("/replication", func(r chi.Router) {
		r.Get("/nodes", s.handleListNodes)
		r.Get("/nodes/{node}/queues", s.handleListQueues)
		r.Get("/nodes/{node}/queues/{queue}/wals", s.handleListWALs)
		r.Get("/nodes/{node}/queues/{queue}/wals/{wal}/position", s.handleWALPosition)
		r.Get("/wals", s.handleAllWALs)
		r.Get("/regions/{region}/peers/{peer}/last-sequence-id", s.handleLastSequenceID)
		r.Get("/hfile-refs", s.handleAllHFileRefs)
		r.Get("/hfile-refs/peers", s.handleListPeers)
		r.Get("/hfile-refs/peers/{peer}", s.handleListRefs)
	})
	return s
}

func (s *InspectorServer) Handler() http.Handler {
	return s.mux
}

func (s *InspectorServer) StartServing() error {
	return http.ListenAndServe(s.opt.Addr, s.mux)
}

func (s *InspectorServer) logError(message string, err error) {
	log.Println("[ERROR]", message, err)
}

func (s *InspectorServer) verifyBearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(auth, prefix), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return s.opt.BearerSecret, nil
		})
		if err != nil || !token.Valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *InspectorServer) respondList(w http.ResponseWriter, r *http.Request, key string, list []string, err error) {
	if err != nil {
		s.logError("listing "+key+" failed", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []string{}
	}
	render.JSON(w, r, render.M{key: list})
}

func setToSortedList(set map[string]struct{}) []string {
	list := make([]string, 0, len(set))
	for name := range set {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

func (s *InspectorServer) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.opt.Queues.ListNodes()
	s.respondList(w, r, "nodes", nodes, err)
}

func (s *InspectorServer) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.opt.Queues.ListQueues(chi.URLParam(r, "node"))
	s.respondList(w, r, "queues", queues, err)
}

func (s *InspectorServer) handleListWALs(w http.ResponseWriter, r *http.Request) {
	wals, err := s.opt.Queues.ListWALs(chi.URLParam(r, "node"), chi.URLParam(r, "queue"))
	s.respondList(w, r, "wals", wals, err)
}

func (s *InspectorServer) handleWALPosition(w http.ResponseWriter, r *http.Request) {
	position, err := s.opt.Queues.GetWALPosition(
		chi.URLParam(r, "node"), chi.URLParam(r, "queue"), chi.URLParam(r, "wal"))
	if err != nil {
		s.logError("reading wal position failed", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, render.M{"position": position})
}

func (s *InspectorServer) handleAllWALs(w http.ResponseWriter, r *http.Request) {
	wals, err := s.opt.Queues.AllWALs()
	if err != nil {
		s.logError("enumerating all wals failed", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, render.M{"wals": setToSortedList(wals)})
}

func (s *InspectorServer) handleLastSequenceID(w http.ResponseWriter, r *http.Request) {
	seqID, err := s.opt.Queues.GetLastSequenceID(chi.URLParam(r, "region"), chi.URLParam(r, "peer"))
	if err != nil {
		s.logError("reading last sequence id failed", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, render.M{"lastSequenceId": seqID})
}

func (s *InspectorServer) handleAllHFileRefs(w http.ResponseWriter, r *http.Request) {
	refs, err := s.opt.HFileRefs.AllHFileRefs()
	if err != nil {
		s.logError("enumerating all hfile refs failed", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, render.M{"hfileRefs": setToSortedList(refs)})
}

func (s *InspectorServer) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.opt.HFileRefs.ListPeers()
	s.respondList(w, r, "peers", peers, err)
}

func (s *InspectorServer) handleListRefs(w http.ResponseWriter, r *http.Request) {
	refs, err := s.opt.HFileRefs.ListRefs(chi.URLParam(r, "peer"))
	s.respondList(w, r, "hfileRefs", refs, err)
}
