package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node/store"
)

type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type TipResponse struct {
	Height     uint32 `json:"height"`
	Commitment string `json:"commitment"`
	Work       string `json:"work"`
	Header     string `json:"header"`
}

type HeaderResponse struct {
	Height     uint32 `json:"height"`
	Commitment string `json:"commitment"`
	Header     string `json:"header,omitempty"`
}

type VerifyRequest struct {
	Header     string `json:"header"`
	Height     uint32 `json:"height"`
	Commitment string `json:"commitment"`
}

type VerifyResponse struct {
	Confirmations uint32 `json:"confirmations"`
}

type SubmitRequest struct {
	Submitter string `json:"submitter"`
	// From is the StoredHeader the headers extend: the tip, a canonical
	// ancestor or a fork candidate's tip depending on the route.
	From    string   `json:"from"`
	Headers []string `json:"headers"`
}

type ForkResponse struct {
	Submitter   string `json:"submitter"`
	ForkID      uint32 `json:"fork_id"`
	StartHeight uint32 `json:"start_height"`
	TipHeight   uint32 `json:"tip_height"`
	TipCommit   string `json:"tip_commitment"`
	TipWork     string `json:"tip_work"`
}

type SubmitResponse struct {
	TipHeight     uint32        `json:"tip_height"`
	TipCommitment string        `json:"tip_commitment"`
	Reorganized   bool          `json:"reorganized"`
	Headers       []string      `json:"headers"`
	Fork          *ForkResponse `json:"fork,omitempty"`
}

type ClaimRequest struct {
	Commitment string `json:"commitment"`
	Witness    string `json:"witness"`
}

type ClaimResponse struct {
	Identifier string `json:"identifier"`
}

// argError is a malformed request, as opposed to a rejected one.
type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

func invalidArg(format string, args ...any) error {
	return &argError{msg: fmt.Sprintf(format, args...)}
}

var errNotFound = errors.New("not found")

func (s *Server) writeError(c *gin.Context, err error) {
	resp := ErrorResponse{RequestID: c.GetString(requestIDKey)}
	status := http.StatusInternalServerError
	var arg *argError
	switch {
	case consensus.CodeOf(err) != "":
		status = http.StatusUnprocessableEntity
		resp.Code = string(consensus.CodeOf(err))
		resp.Message = err.Error()
	case errors.As(err, &arg):
		status = http.StatusBadRequest
		resp.Code = "INVALID_ARGUMENT"
		resp.Message = arg.msg
	case errors.Is(err, errNotFound):
		status = http.StatusNotFound
		resp.Code = "NOT_FOUND"
		resp.Message = err.Error()
	default:
		s.logger.Error("request failed", "route", c.FullPath(), "request_id", resp.RequestID, "err", err)
		resp.Code = "INTERNAL"
		resp.Message = "internal error"
	}
	c.AbortWithStatusJSON(status, resp)
}

func encodeHex(b []byte) string { return "0x" + hex.EncodeToString(b) }

func decodeHex(s, what string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, invalidArg("%s: %v", what, err)
	}
	return b, nil
}

func decodeFixed(s string, n int, what string) ([]byte, error) {
	b, err := decodeHex(s, what)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, invalidArg("%s: want %d bytes, got %d", what, n, len(b))
	}
	return b, nil
}

func decodeHash(s, what string) ([32]byte, error) {
	b, err := decodeFixed(s, 32, what)
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(b), nil
}

func decodeSubmitter(s string) ([20]byte, error) {
	b, err := decodeFixed(s, 20, "submitter")
	if err != nil {
		return [20]byte{}, err
	}
	return [20]byte(b), nil
}

func decodeStoredHeader(s, what string) (consensus.StoredHeader, error) {
	b, err := decodeFixed(s, 160, what)
	if err != nil {
		return consensus.StoredHeader{}, err
	}
	return consensus.DecodeStoredHeader(b, 0)
}

func decodeCompactHeaders(in []string) ([]consensus.CompactHeader, error) {
	out := make([]consensus.CompactHeader, len(in))
	for i, s := range in {
		b, err := decodeFixed(s, 48, fmt.Sprintf("headers[%d]", i))
		if err != nil {
			return nil, err
		}
		if out[i], err = consensus.DecodeCompactHeader(b, 0); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseForkID(c *gin.Context) (uint32, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, invalidArg("fork id: %v", err)
	}
	return uint32(id), nil
}

func NewForkResponse(f store.ForkCandidate) *ForkResponse {
	tip := f.TipCommitment()
	return &ForkResponse{
		Submitter:   encodeHex(f.Key.Submitter[:]),
		ForkID:      f.Key.ForkID,
		StartHeight: f.StartHeight,
		TipHeight:   f.TipHeight(),
		TipCommit:   encodeHex(tip[:]),
		TipWork:     f.TipWork.String(),
	}
}

func NewSubmitResponse(res node.SubmitResult) SubmitResponse {
	out := SubmitResponse{
		TipHeight:     res.TipHeight,
		TipCommitment: encodeHex(res.TipCommitment[:]),
		Reorganized:   res.Reorganized,
		Headers:       make([]string, len(res.Headers)),
	}
	for i, h := range res.Headers {
		out.Headers[i] = encodeHex(h.Encode())
	}
	if res.Fork != nil {
		out.Fork = NewForkResponse(*res.Fork)
	}
	return out
}

func (s *Server) handleTip(c *gin.Context) {
	tip, h, err := s.relay.TipWithHeader()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TipResponse{
		Height:     tip.Height,
		Commitment: encodeHex(tip.Commitment[:]),
		Work:       tip.Work.String(),
		Header:     encodeHex(h.Encode()),
	})
}

func (s *Server) handleHeaderAt(c *gin.Context) {
	height, err := strconv.ParseUint(c.Param("height"), 10, 32)
	if err != nil {
		s.writeError(c, invalidArg("height: %v", err))
		return
	}
	commitment, err := s.relay.CommitmentAt(uint32(height))
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := HeaderResponse{Height: uint32(height), Commitment: encodeHex(commitment[:])}
	if h, ok, err := s.relay.HeaderByCommitment(commitment); err != nil {
		s.writeError(c, err)
		return
	} else if ok {
		resp.Header = encodeHex(h.Encode())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleArchive(c *gin.Context) {
	commitment, err := decodeHash(c.Param("commitment"), "commitment")
	if err != nil {
		s.writeError(c, err)
		return
	}
	h, ok, err := s.relay.HeaderByCommitment(commitment)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !ok {
		s.writeError(c, fmt.Errorf("header %x: %w", commitment, errNotFound))
		return
	}
	c.JSON(http.StatusOK, HeaderResponse{Height: h.Height, Commitment: encodeHex(commitment[:]), Header: encodeHex(h.Encode())})
}

func (s *Server) handleVerify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, invalidArg("body: %v", err))
		return
	}
	var (
		conf uint32
		err  error
	)
	if req.Header != "" {
		var h consensus.StoredHeader
		if h, err = decodeStoredHeader(req.Header, "header"); err == nil {
			conf, err = s.relay.VerifyBlockheader(h)
		}
	} else {
		var commitment [32]byte
		if commitment, err = decodeHash(req.Commitment, "commitment"); err == nil {
			conf, err = s.relay.VerifyBlockheaderHash(req.Height, commitment)
		}
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, VerifyResponse{Confirmations: conf})
}

// bindSubmit decodes the parts of a submission every route shares.
func (s *Server) bindSubmit(c *gin.Context, needSubmitter bool) ([20]byte, consensus.StoredHeader, []consensus.CompactHeader, bool) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, invalidArg("body: %v", err))
		return [20]byte{}, consensus.StoredHeader{}, nil, false
	}
	var submitter [20]byte
	if needSubmitter {
		var err error
		if submitter, err = decodeSubmitter(req.Submitter); err != nil {
			s.writeError(c, err)
			return [20]byte{}, consensus.StoredHeader{}, nil, false
		}
	}
	from, err := decodeStoredHeader(req.From, "from")
	if err != nil {
		s.writeError(c, err)
		return [20]byte{}, consensus.StoredHeader{}, nil, false
	}
	headers, err := decodeCompactHeaders(req.Headers)
	if err != nil {
		s.writeError(c, err)
		return [20]byte{}, consensus.StoredHeader{}, nil, false
	}
	return submitter, from, headers, true
}

func (s *Server) handleSubmitMain(c *gin.Context) {
	_, tip, headers, ok := s.bindSubmit(c, false)
	if !ok {
		return
	}
	res, err := s.relay.SubmitMainChainHeaders(tip, headers, s.relay.NowBound())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewSubmitResponse(res))
}

func (s *Server) handleSubmitShortFork(c *gin.Context) {
	submitter, ancestor, headers, ok := s.bindSubmit(c, true)
	if !ok {
		return
	}
	res, err := s.relay.SubmitShortForkChainHeaders(submitter, ancestor, headers, s.relay.NowBound())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewSubmitResponse(res))
}

func (s *Server) handleSubmitLongFork(c *gin.Context) {
	forkID, err := parseForkID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	submitter, start, headers, ok := s.bindSubmit(c, true)
	if !ok {
		return
	}
	res, err := s.relay.SubmitForkChainHeaders(submitter, forkID, start, headers, s.relay.NowBound())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewSubmitResponse(res))
}

func (s *Server) forkKey(c *gin.Context) ([20]byte, uint32, error) {
	forkID, err := parseForkID(c)
	if err != nil {
		return [20]byte{}, 0, err
	}
	submitter, err := decodeSubmitter(c.Query("submitter"))
	if err != nil {
		return [20]byte{}, 0, err
	}
	return submitter, forkID, nil
}

func (s *Server) handleGetFork(c *gin.Context) {
	submitter, forkID, err := s.forkKey(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	f, ok, err := s.relay.ForkCandidate(submitter, forkID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !ok {
		s.writeError(c, fmt.Errorf("fork %d: %w", forkID, errNotFound))
		return
	}
	c.JSON(http.StatusOK, NewForkResponse(f))
}

func (s *Server) handleAbandonFork(c *gin.Context) {
	submitter, forkID, err := s.forkKey(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	removed, err := s.relay.AbandonFork(submitter, forkID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"abandoned": removed})
}

func (s *Server) handleClaim(c *gin.Context) {
	h, ok := s.claims[c.Param("kind")]
	if !ok {
		s.writeError(c, fmt.Errorf("claim kind %q: %w", c.Param("kind"), errNotFound))
		return
	}
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, invalidArg("body: %v", err))
		return
	}
	commitment, err := decodeHash(req.Commitment, "commitment")
	if err != nil {
		s.writeError(c, err)
		return
	}
	witness, err := decodeHex(req.Witness, "witness")
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, err := h.Claim(commitment, witness)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ClaimResponse{Identifier: encodeHex(id[:])})
}
