package http_api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/blockspeak/orchestrator/internal/auth"
	"github.com/blockspeak/orchestrator/internal/deploy"
	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/pkg/validation"
)

// maxWebhookBody bounds the provider payload read into memory.
const maxWebhookBody = 64 << 10

// LoginRequest is the signed login challenge. Nonce falls back to the nonce cookie.
type LoginRequest struct {
	Address   string `json:"address" form:"address" binding:"required"`
	Signature string `json:"signature" form:"signature" binding:"required"`
	Nonce     string `json:"nonce" form:"nonce"`
}

// CreateContractRequest accepts either the free-text request or explicit fields.
type CreateContractRequest struct {
	ContractRequest string `json:"contract_request" form:"contract_request"`
	Recipient       string `json:"recipient" form:"recipient"`
	AmountEth       string `json:"amount_eth" form:"amount_eth"`
	Interval        string `json:"interval" form:"interval"`
}

type ContractAddressRequest struct {
	ContractAddress string `json:"contract_address" form:"contract_address" binding:"required"`
}

type CreateDAORequest struct {
	Name        string `json:"dao_name" form:"dao_name" binding:"required"`
	Description string `json:"dao_description" form:"dao_description"`
}

type DAORequest struct {
	DAOAddress string `json:"dao_address" form:"dao_address" binding:"required"`
}

type ProposalRequest struct {
	DAOAddress  string `json:"dao_address" form:"dao_address" binding:"required"`
	Description string `json:"description" form:"description" binding:"required"`
}

type VoteRequest struct {
	DAOAddress string `json:"dao_address" form:"dao_address" binding:"required"`
	ProposalID uint64 `json:"proposal_id" form:"proposal_id" binding:"required"`
	Vote       string `json:"vote" form:"vote" binding:"required"`
}

type SubscribeRequest struct {
	Plan string `json:"plan" form:"plan" binding:"required"`
}

type SubscribeEthRequest struct {
	Plan   string `json:"plan" form:"plan" binding:"required"`
	TxHash string `json:"tx_hash" form:"tx_hash" binding:"required"`
}

func (s *HTTPServer) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBind(req); err != nil {
		s.logger.Debug("Invalid request body", "route", c.FullPath(), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message})
}

func (s *HTTPServer) getNonce(c *gin.Context) {
	nonce, err := s.auth.IssueNonce(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.setCookie(c, nonceCookie, string(nonce), s.opts.NonceTTL)
	c.JSON(http.StatusOK, gin.H{
		"nonce":   nonce,
		"message": auth.LoginMessage(nonce),
	})
}

func (s *HTTPServer) loginMetamask(c *gin.Context) {
	var req LoginRequest
	if !s.bind(c, &req) {
		return
	}
	nonce := req.Nonce
	if nonce == "" {
		nonce, _ = c.Cookie(nonceCookie)
	}

	token, session, err := s.auth.Login(c.Request.Context(), auth.AuthNonce(nonce), req.Address, req.Signature)
	s.clearCookie(c, nonceCookie)
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.setCookie(c, sessionCookie, token, s.opts.SessionTTL)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"token":      token,
		"address":    session.Address,
		"tier":       session.Tier,
		"expires_at": session.ExpiresAt,
	})
}

func (s *HTTPServer) logout(c *gin.Context) {
	s.auth.Logout(sessionToken(c))
	s.clearCookie(c, sessionCookie)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *HTTPServer) me(c *gin.Context) {
	session := currentSession(c)
	tier, err := s.payments.Tier(c.Request.Context(), session.Address)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":    session.Address,
		"tier":       tier,
		"expires_at": session.ExpiresAt,
	})
}

func (s *HTTPServer) createContract(c *gin.Context) {
	var req CreateContractRequest
	if !s.bind(c, &req) {
		return
	}
	params, err := contractParams(req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	session := currentSession(c)
	instance, result, err := s.contracts.CreateRecurringPayment(c.Request.Context(), session.Address, params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  fmt.Sprintf("Contract deployed at %s", instance.Address),
		"contract": instance,
		"tx_hash":  result.TxHash.Hex(),
	})
}

func contractParams(req CreateContractRequest) (models.ContractParams, error) {
	if strings.TrimSpace(req.ContractRequest) != "" {
		return deploy.ParseContractRequest(req.ContractRequest)
	}
	if req.Recipient == "" || req.AmountEth == "" {
		return models.ContractParams{}, fmt.Errorf("%w: contract_request or recipient and amount_eth are required", deploy.ErrUnsupportedRequest)
	}

	recipient, err := validation.ValidateAndNormalizeAddress(req.Recipient)
	if err != nil {
		return models.ContractParams{}, fmt.Errorf("%w: %v", models.ErrChainRejected, err)
	}
	amount, err := deploy.EthToWei(req.AmountEth)
	if err != nil {
		return models.ContractParams{}, err
	}
	interval := int64(0)
	if req.Interval != "" {
		if interval, err = deploy.ParseInterval(req.Interval); err != nil {
			return models.ContractParams{}, err
		}
	}
	return models.ContractParams{Recipient: recipient, AmountWei: amount.String(), IntervalSeconds: interval}, nil
}

func (s *HTTPServer) listContracts(c *gin.Context) {
	contracts, err := s.contracts.ListContracts(c.Request.Context(), currentSession(c).Address)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if contracts == nil {
		contracts = []*models.ContractInstance{}
	}
	c.JSON(http.StatusOK, gin.H{"contracts": contracts})
}

func (s *HTTPServer) cancelContract(c *gin.Context) {
	var req ContractAddressRequest
	if !s.bind(c, &req) {
		return
	}
	if err := validation.ValidateAddress(req.ContractAddress); err != nil {
		badRequest(c, "Invalid contract address: "+err.Error())
		return
	}

	hash, err := s.contracts.CancelRecurringPayment(c.Request.Context(), currentSession(c).Address, req.ContractAddress)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Recurring payment cancelled",
		"tx_hash": hash.Hex(),
	})
}

func (s *HTTPServer) createDAO(c *gin.Context) {
	var req CreateDAORequest
	if !s.bind(c, &req) {
		return
	}

	instance, result, err := s.contracts.CreateDAO(c.Request.Context(), currentSession(c).Address, req.Name, req.Description)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     fmt.Sprintf("DAO %q created at %s", req.Name, instance.Address),
		"dao_address": instance.Address,
		"tx_hash":     result.TxHash.Hex(),
	})
}

func (s *HTTPServer) joinDAO(c *gin.Context) {
	var req DAORequest
	if !s.bind(c, &req) {
		return
	}

	hash, err := s.governance.Join(c.Request.Context(), req.DAOAddress, currentSession(c).Address)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Joined the DAO",
		"tx_hash": hash.Hex(),
	})
}

func (s *HTTPServer) createProposal(c *gin.Context) {
	var req ProposalRequest
	if !s.bind(c, &req) {
		return
	}

	id, hash, err := s.governance.Propose(c.Request.Context(), req.DAOAddress, currentSession(c).Address, req.Description)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     fmt.Sprintf("Proposal %d created", id),
		"proposal_id": id,
		"tx_hash":     hash.Hex(),
	})
}

func (s *HTTPServer) vote(c *gin.Context) {
	var req VoteRequest
	if !s.bind(c, &req) {
		return
	}
	support, ok := parseVote(req.Vote)
	if !ok {
		badRequest(c, "vote must be true or false")
		return
	}

	hash, err := s.governance.Vote(c.Request.Context(), req.DAOAddress, currentSession(c).Address, req.ProposalID, support)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Vote recorded on proposal %d", req.ProposalID),
		"tx_hash": hash.Hex(),
	})
}

func parseVote(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1", "for":
		return true, true
	case "false", "no", "0", "against":
		return false, true
	default:
		return false, false
	}
}

func (s *HTTPServer) getProposals(c *gin.Context) {
	var req DAORequest
	if !s.bind(c, &req) {
		return
	}

	proposals, err := s.governance.ListProposals(c.Request.Context(), req.DAOAddress)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

func (s *HTTPServer) subscribe(c *gin.Context) {
	var req SubscribeRequest
	if !s.bind(c, &req) {
		return
	}

	url, err := s.payments.BeginCheckout(c.Request.Context(), currentSession(c).Address, req.Plan)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "checkout_url": url})
}

func (s *HTTPServer) subscribeEth(c *gin.Context) {
	var req SubscribeEthRequest
	if !s.bind(c, &req) {
		return
	}

	record, err := s.payments.SubmitEthPayment(c.Request.Context(), currentSession(c).Address, req.Plan, req.TxHash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"status":  record.Status,
		"payment": record,
	})
}

func (s *HTTPServer) subscriptionStatus(c *gin.Context) {
	status, err := s.payments.Status(c.Request.Context(), currentSession(c).Address)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *HTTPServer) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "Failed to read body")
		return
	}

	if err := s.payments.HandleProviderEvent(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
