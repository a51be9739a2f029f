package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"grimm.is/pktfilter/internal/config"
	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/store"
)

// CommitRequest is the body of POST .../rules.
type CommitRequest struct {
	Replace bool                `json:"replace,omitempty"`
	Rules   []config.RuleConfig `json:"rules"`
}

// CommitResult reports one rule of a commit, in request order.
type CommitResult struct {
	Handle filter.Handle `json:"handle,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// CommitResponse is returned by POST .../rules.
type CommitResponse struct {
	Committed int            `json:"committed"`
	Failed    int            `json:"failed"`
	Results   []CommitResult `json:"results"`
}

// RuleView is one installed rule.
type RuleView struct {
	Handle filter.Handle     `json:"handle"`
	Order  uint64            `json:"order"`
	Rule   config.RuleConfig `json:"rule"`
}

// DeleteRequest is the body of POST .../delete.
type DeleteRequest struct {
	Handles []filter.Handle `json:"handles"`
	// Commit applies the deletion at once; otherwise it is staged.
	Commit bool `json:"commit,omitempty"`
}

// ClassifyRequest is the body of POST .../classify. Exactly one of the
// fields must be set; Frame and Packet are hex encoded.
type ClassifyRequest struct {
	Fields *filter.Fields `json:"fields,omitempty"`
	Frame  string         `json:"frame,omitempty"`
	Packet string         `json:"packet,omitempty"`
}

// ClassifyResponse is returned by POST .../classify.
type ClassifyResponse struct {
	filter.Outcome
	StatusWord uint32 `json:"status_word"`
}

func (s *Server) handleScopes(w http.ResponseWriter, r *http.Request) {
	engine := s.ctl.Engine()
	out := []filter.ScopeStats{}
	for _, scope := range engine.Scopes() {
		st, err := engine.Stats(scope)
		if err != nil {
			continue // reset concurrently
		}
		out = append(out, st)
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleScopeStats(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromPath(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	st, err := s.ctl.Engine().Stats(scope)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromPath(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	rules, err := s.ctl.Rules(scope)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	out := make([]RuleView, 0, len(rules))
	for _, ir := range rules {
		out = append(out, RuleView{Handle: ir.Handle, Order: ir.Order, Rule: config.FromSpec(ir.RuleSpec)})
	}
	WriteJSON(w, http.StatusOK, out)
}

// handleCommit converts and commits rules. Rules that fail conversion are
// reported like engine rejections and do not reach the engine.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromPath(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req CommitRequest
	if err := decodeBody(w, r, s.config.MaxBodyBytes, &req); err != nil {
		WriteErrorCtx(w, r, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	results := make([]CommitResult, len(req.Rules))
	specs := make([]filter.RuleSpec, 0, len(req.Rules))
	index := make([]int, 0, len(req.Rules))
	for i, rc := range req.Rules {
		spec, err := rc.ToSpec(scope.IP)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		specs = append(specs, spec)
		index = append(index, i)
	}

	res, err := s.ctl.Commit(scope, specs, req.Replace)
	if err != nil && res == nil {
		writeEngineError(w, r, err)
		return
	}

	resp := CommitResponse{Results: results}
	for j, cr := range res {
		i := index[j]
		if cr.OK() {
			results[i].Handle = cr.Handle
		} else {
			results[i].Error = cr.Err.Error()
		}
	}
	for _, cr := range results {
		if cr.Error == "" {
			resp.Committed++
		} else {
			resp.Failed++
		}
	}

	if err != nil {
		// Committed to the engine but not persisted.
		writeEngineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromPath(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req DeleteRequest
	if err := decodeBody(w, r, s.config.MaxBodyBytes, &req); err != nil {
		WriteErrorCtx(w, r, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if err := s.ctl.Delete(scope, req.Handles, req.Commit); err != nil {
		writeEngineError(w, r, err)
		return
	}
	status := "deleted"
	if !req.Commit {
		status = "staged"
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": status, "handles": req.Handles})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromPath(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.ctl.Apply(scope); err != nil {
		writeEngineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromPath(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.ctl.Reset(scope); err != nil {
		writeEngineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromPath(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req ClassifyRequest
	if err := decodeBody(w, r, s.config.MaxBodyBytes, &req); err != nil {
		WriteErrorCtx(w, r, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	var out filter.Outcome
	switch {
	case req.Fields != nil && req.Frame == "" && req.Packet == "":
		f := *req.Fields
		if f.Version == 0 {
			f.Version = scope.IP
		}
		out = s.ctl.Classify(scope, f)
	case req.Fields == nil && req.Frame != "" && req.Packet == "":
		b, derr := decodeHex(req.Frame)
		if derr != nil {
			WriteErrorCtx(w, r, http.StatusBadRequest, "invalid request body: %v", derr)
			return
		}
		out, err = s.ctl.ClassifyFrame(scope, b)
	case req.Fields == nil && req.Frame == "" && req.Packet != "":
		b, derr := decodeHex(req.Packet)
		if derr != nil {
			WriteErrorCtx(w, r, http.StatusBadRequest, "invalid request body: %v", derr)
			return
		}
		out, err = s.ctl.ClassifyDatagram(scope, b)
	default:
		WriteErrorCtx(w, r, http.StatusBadRequest, "invalid request body: %v",
			errors.New("exactly one of fields, frame or packet is required"))
		return
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, ClassifyResponse{Outcome: out, StatusWord: out.StatusWord()})
}

func (s *Server) handleTier(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromPath(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"scope": scope.String(),
		"tier":  s.ctl.Engine().CurrentTier(scope).String(),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	scopes, err := s.ctl.Export()
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(config.EncodeScopesHCL(scopes))
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if s.changes == nil {
		WriteError(w, http.StatusNotFound, "no rule store configured")
		return
	}
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", q))
			return
		}
		limit = n
	}
	changes, err := s.changes.Changes(limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if changes == nil {
		changes = []store.Change{}
	}
	WriteJSON(w, http.StatusOK, changes)
}

func decodeHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\n", "").Replace(s)
	return hex.DecodeString(s)
}
