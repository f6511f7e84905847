package rpc

import (
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"stays/native/deal"
	"stays/observability/metrics"
)

const (
	codeDealInvalidParams = -32021
	codeDealNotFound      = -32022
	codeDealForbidden     = -32023
	codeDealConflict      = -32024
	codeDealInternal      = -32025
)

type admitParams struct {
	Caller         string         `json:"caller"`
	Token          string         `json:"token"`
	Bid            bidWire        `json:"bid"`
	Params         stayParamsWire `json:"params"`
	ItemSelections []int          `json:"itemSelections,omitempty"`
	TermSelections []int          `json:"termSelections,omitempty"`
	Signatures     []string       `json:"signatures"`
}

type admitResult struct {
	ID        string `json:"id"`
	StateHash string `json:"stateHash"`
}

type advanceParams struct {
	Caller     string         `json:"caller"`
	ID         string         `json:"id"`
	Target     string         `json:"target"`
	State      stateWire      `json:"state"`
	Params     stayParamsWire `json:"params"`
	Signatures []string       `json:"signatures"`
}

type resolveParams struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
	Target string `json:"target"`
}

type idParams struct {
	ID string `json:"id"`
}

type bidHashParams struct {
	BidHash string `json:"bidHash"`
}

type wardParams struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
}

type componentParams struct {
	Caller  string `json:"caller"`
	Key     string `json:"key"`
	Address string `json:"address"`
}

type roleParams struct {
	Caller   string `json:"caller"`
	Provider string `json:"provider"`
	Role     string `json:"role"`
	Address  string `json:"address"`
}

type providerParams struct {
	Caller   string `json:"caller"`
	Provider string `json:"provider"`
}

type mintParams struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

func (s *Server) callContext(caller [20]byte) deal.CallContext {
	return deal.CallContext{
		Caller: caller,
		Origin: caller,
		Time:   time.Now().Unix(),
	}
}

func (s *Server) handleAdmit(w http.ResponseWriter, req *RPCRequest) {
	var params admitParams
	if err := decodeParams(req, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	caller, err := decodeAddr(params.Caller)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	bid, err := decodeBid(params.Bid)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	sigs, err := decodeSignatures(params.Signatures)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	id, stateHash, err := s.node.Deals().Admit(
		s.callContext(caller),
		params.Token,
		bid,
		decodeStayParams(params.Params),
		params.ItemSelections,
		params.TermSelections,
		sigs,
	)
	if err != nil {
		metrics.Deals().ObserveAdmission("error")
		metrics.Deals().ObserveRPCFailure("stays_admit")
		writeDealError(w, req.ID, err)
		return
	}
	metrics.Deals().ObserveAdmission("ok")
	writeRPCResult(w, req.ID, admitResult{
		ID:        hex.EncodeToString(id[:]),
		StateHash: hex.EncodeToString(stateHash[:]),
	})
}

func (s *Server) handleAdvance(w http.ResponseWriter, req *RPCRequest) {
	var params advanceParams
	if err := decodeParams(req, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	caller, err := decodeAddr(params.Caller)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	id, err := decodeHash32(params.ID)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	target, err := deal.ParseStep(params.Target)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	state, err := decodeState(params.State)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	sigs, err := decodeSignatures(params.Signatures)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	if err := s.node.Deals().Advance(s.callContext(caller), id, target, state, decodeStayParams(params.Params), sigs); err != nil {
		metrics.Deals().ObserveRPCFailure("stays_advance")
		writeDealError(w, req.ID, err)
		return
	}
	writeRPCResult(w, req.ID, map[string]string{"step": target.String()})
}

func (s *Server) handleResolve(w http.ResponseWriter, req *RPCRequest) {
	var params resolveParams
	if err := decodeParams(req, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	caller, err := decodeAddr(params.Caller)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	id, err := decodeHash32(params.ID)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	target, err := deal.ParseStep(params.Target)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	if err := s.node.Deals().Resolve(caller, id, target); err != nil {
		metrics.Deals().ObserveRPCFailure("stays_resolve")
		writeDealError(w, req.ID, err)
		return
	}
	writeRPCResult(w, req.ID, map[string]string{"step": target.String()})
}

func (s *Server) handleGet(w http.ResponseWriter, req *RPCRequest) {
	var params idParams
	if err := decodeParams(req, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	id, err := decodeHash32(params.ID)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	stub, ok := s.node.Deals().Get(id)
	if !ok {
		writeRPCError(w, req.ID, codeDealNotFound, deal.ErrDealNotFound.Error())
		return
	}
	writeRPCResult(w, req.ID, newDealView(stub))
}

func (s *Server) handleNonce(w http.ResponseWriter, req *RPCRequest) {
	var params bidHashParams
	if err := decodeParams(req, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	bidHash, err := decodeHash32(params.BidHash)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	writeRPCResult(w, req.ID, map[string]uint64{"nonce": s.node.Deals().Nonce(bidHash)})
}

func (s *Server) handleGrant(w http.ResponseWriter, req *RPCRequest) {
	s.handleWard(w, req, true)
}

func (s *Server) handleRevoke(w http.ResponseWriter, req *RPCRequest) {
	s.handleWard(w, req, false)
}

func (s *Server) handleWard(w http.ResponseWriter, req *RPCRequest, grant bool) {
	var params wardParams
	if err := decodeParams(req, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	caller, err := decodeAddr(params.Caller)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	addr, err := decodeAddr(params.Address)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	if grant {
		err = s.node.Deals().Grant(caller, addr)
	} else {
		err = s.node.Deals().Revoke(caller, addr)
	}
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeRPCResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleSetComponent(w http.ResponseWriter, req *RPCRequest) {
	var params componentParams
	if err := decodeParams(req, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	caller, err := decodeAddr(params.Caller)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	addr, err := decodeAddr(params.Address)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	if err := s.node.Deals().SetComponent(caller, params.Key, addr); err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeRPCResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleGrantRole(w http.ResponseWriter, req *RPCRequest) {
	s.handleRole(w, req, true)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, req *RPCRequest) {
	s.handleRole(w, req, false)
}

func (s *Server) handleRole(w http.ResponseWriter, req *RPCRequest, grant bool) {
	var params roleParams
	if err := decodeParams(req, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	caller, err := decodeAddr(params.Caller)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	provider, err := decodeAddr(params.Provider)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	addr, err := decodeAddr(params.Address)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	if grant {
		err = s.node.Roles().GrantRole(caller, provider, params.Role, addr)
	} else {
		err = s.node.Roles().RevokeRole(caller, provider, params.Role, addr)
	}
	if err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeRPCResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleAllowProvider(w http.ResponseWriter, req *RPCRequest) {
	var params providerParams
	if err := decodeParams(req, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	caller, err := decodeAddr(params.Caller)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	provider, err := decodeAddr(params.Provider)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	if err := s.node.Roles().AllowProvider(caller, s.node.Deals().Line(), provider); err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeRPCResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleMint(w http.ResponseWriter, req *RPCRequest) {
	var params mintParams
	if err := decodeParams(req, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}
	addr, err := decodeAddr(params.Address)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	amount, err := decodeAmount(params.Amount)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	token, err := deal.NormalizeToken(params.Token)
	if err != nil {
		writeRPCError(w, req.ID, codeDealInvalidParams, err.Error())
		return
	}
	if err := s.node.Ledger().Mint(addr, token, amount); err != nil {
		writeDealError(w, req.ID, err)
		return
	}
	writeRPCResult(w, req.ID, map[string]bool{"ok": true})
}

func writeDealError(w http.ResponseWriter, id interface{}, err error) {
	code := codeDealInternal
	switch {
	case errors.Is(err, deal.ErrDealNotFound):
		code = codeDealNotFound
	case errors.Is(err, deal.ErrInvalidProvider),
		errors.Is(err, deal.ErrParamsMismatch),
		errors.Is(err, deal.ErrInvalidBidder),
		errors.Is(err, deal.ErrBidExpired),
		errors.Is(err, deal.ErrTokenNotQuoted),
		errors.Is(err, deal.ErrOptionOutOfRange),
		errors.Is(err, deal.ErrStateMismatch),
		errors.Is(err, deal.ErrSameStep):
		code = codeDealInvalidParams
	case errors.Is(err, deal.ErrInvalidCaller),
		errors.Is(err, deal.ErrUntrustedOrigin),
		errors.Is(err, deal.ErrRoleNotEligible),
		errors.Is(err, deal.ErrUnauthorized):
		code = codeDealForbidden
	case errors.Is(err, deal.ErrLimitExceeded),
		errors.Is(err, deal.ErrStepNotAllowed),
		errors.Is(err, deal.ErrNotDisputed),
		errors.Is(err, deal.ErrNotResolution),
		errors.Is(err, deal.ErrDealExists):
		code = codeDealConflict
	}
	writeRPCError(w, id, code, err.Error())
}
