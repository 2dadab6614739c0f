package server

import (
	"fmt"
	"net/http"

	loanererrors "loaner/core/errors"
	"loaner/crypto"
)

func (s *Server) listAdmins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]crypto.Address{"admins": nonNil(s.registry.Admins())})
}

func (s *Server) addAdmin(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "registry", "add_admin", func(caller crypto.Address) (interface{}, error) {
		var req addressRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := requireAddress("address", req.Address); err != nil {
			return nil, err
		}
		return nil, s.registry.AddAdmin(caller, req.Address)
	})
}

func (s *Server) removeAdmin(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "registry", "remove_admin", func(caller crypto.Address) (interface{}, error) {
		admin, err := pathAddress(r, "admin")
		if err != nil {
			return nil, err
		}
		return nil, s.registry.RemoveAdmin(caller, admin)
	})
}

func (s *Server) listPauses(w http.ResponseWriter, _ *http.Request) {
	paused := s.registry.Paused()
	if paused == nil {
		paused = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"paused": paused})
}

func (s *Server) setPause(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "registry", "set_pause", func(caller crypto.Address) (interface{}, error) {
		var req pauseRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := s.registry.SetPause(caller, req.Module, req.Paused); err != nil {
			return nil, err
		}
		return map[string][]string{"paused": s.registry.Paused()}, nil
	})
}

func (s *Server) listCommunities(w http.ResponseWriter, _ *http.Request) {
	communities := s.registry.Communities()
	out := make([]communityResponse, 0, len(communities))
	for _, c := range communities {
		out = append(out, toCommunity(c.View()))
	}
	writeJSON(w, http.StatusOK, map[string][]communityResponse{"communities": out})
}

func (s *Server) addCommunity(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "registry", "add_community", func(caller crypto.Address) (interface{}, error) {
		var req createCommunityRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := requireAddress("manager", req.Manager); err != nil {
			return nil, err
		}
		c, p, err := s.registry.AddCommunity(caller, req.Manager)
		if err != nil {
			return nil, err
		}
		return createCommunityResponse{Community: c.Address(), Pool: p.Address()}, nil
	})
}

func (s *Server) listPools(w http.ResponseWriter, _ *http.Request) {
	pools := s.registry.Pools()
	out := make([]poolResponse, 0, len(pools))
	for _, p := range pools {
		out = append(out, toPool(p.View()))
	}
	writeJSON(w, http.StatusOK, map[string][]poolResponse{"pools": out})
}

func (s *Server) audit(w http.ResponseWriter, _ *http.Request) {
	s.read(w, func() (interface{}, error) {
		report, err := s.registry.Audit()
		if err != nil && len(report.Failures) == 0 {
			return nil, err
		}
		s.metrics.RecordAudit(len(report.Failures))
		for _, p := range report.Pools {
			s.metrics.SetPool(p.Pool.String(), p.TotalLiquid, p.MarketDeposit, p.Outstanding)
		}
		return toAudit(report), nil
	})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "registry", "snapshot", func(caller crypto.Address) (interface{}, error) {
		if !s.registry.IsAdmin(caller) {
			return nil, fmt.Errorf("snapshot: %w", loanererrors.ErrUnauthorized)
		}
		if s.snapshotter == nil {
			return nil, errNoSnapshotter
		}
		manifest, err := s.snapshotter.SnapshotNow(r.Context())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"taken_at":    manifest.TakenAt,
			"checksum":    fmt.Sprintf("%x", manifest.Checksum),
			"communities": manifest.Communities,
			"pools":       manifest.Pools,
			"loans":       manifest.Loans,
		}, nil
	})
}
