package http_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blockspeak/orchestrator/internal/metrics"
)

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.POST("/api/stripe/webhook", s.stripeWebhook)

	limited := s.router.Group("/", s.rateLimit())
	limited.GET("/nonce", s.getNonce)
	limited.POST("/login/metamask", s.loginMetamask)

	api := s.router.Group("/api", s.requireSession())
	api.GET("/logout", s.logout)
	api.GET("/me", s.me)
	api.GET("/contracts", s.listContracts)
	api.POST("/subscribe", s.subscribe)
	api.POST("/subscribe_eth", s.subscribeEth)
	api.GET("/subscription_status", s.subscriptionStatus)

	paid := api.Group("", s.requireSubscription())
	paid.POST("/create_contract", s.createContract)
	paid.POST("/cancel_contract", s.cancelContract)
	paid.POST("/create_dao", s.createDAO)
	paid.POST("/join_dao", s.joinDAO)
	paid.POST("/create_proposal", s.createProposal)
	paid.POST("/vote", s.vote)
	paid.POST("/get_proposals", s.getProposals)
}
