package api

import (
	"fmt"
	"net/http"

	"deadswitch/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

type createTokenRequest struct {
	Name     string `json:"name" binding:"required"`
	Symbol   string `json:"symbol" binding:"required"`
	Decimals uint8  `json:"decimals" binding:"lte=36"`
}

type amountRequest struct {
	To     string `json:"to" binding:"required,ethaddr"`
	Amount string `json:"amount" binding:"required,uint256"`
}

type approveRequest struct {
	Spender string `json:"spender" binding:"required,ethaddr"`
	Amount  string `json:"amount" binding:"required,uint256"`
}

// addressParam 读取地址类路径参数
func addressParam(c *gin.Context, name string) (common.Address, bool) {
	v := c.Param(name)
	if !common.IsHexAddress(v) {
		badRequest(c, fmt.Errorf("无效的地址 %s: %s", name, v))
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

// listTokens 列出账本代币
func (s *Server) listTokens(c *gin.Context) {
	tokens, err := s.ledger.Tokens(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens, "total": len(tokens)})
}

// getToken 代币元数据
func (s *Server) getToken(c *gin.Context) {
	token, ok := addressParam(c, "token")
	if !ok {
		return
	}
	info, err := s.ledger.Token(c.Request.Context(), token)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// getBalance 余额
func (s *Server) getBalance(c *gin.Context) {
	token, ok := addressParam(c, "token")
	if !ok {
		return
	}
	owner, ok := addressParam(c, "owner")
	if !ok {
		return
	}
	balance, err := s.ledger.BalanceOf(c.Request.Context(), token, owner)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":   token.Hex(),
		"owner":   owner.Hex(),
		"balance": balance.String(),
	})
}

// getAllowance 授权额度
func (s *Server) getAllowance(c *gin.Context) {
	token, ok := addressParam(c, "token")
	if !ok {
		return
	}
	owner, ok := addressParam(c, "owner")
	if !ok {
		return
	}
	spender, ok := addressParam(c, "spender")
	if !ok {
		return
	}
	allowance, err := s.ledger.Allowance(c.Request.Context(), token, owner, spender)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token.Hex(),
		"owner":     owner.Hex(),
		"spender":   spender.Hex(),
		"allowance": allowance.String(),
	})
}

// createToken 调用方创建代币并成为其所有者
func (s *Server) createToken(c *gin.Context) {
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	info, err := s.ledger.CreateToken(c.Request.Context(), callerFrom(c), req.Name, req.Symbol, req.Decimals)
	metrics.ObserveOperation("token_create", err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// mintToken 代币所有者增发
func (s *Server) mintToken(c *gin.Context) {
	token, ok := addressParam(c, "token")
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount, _ := parseAmount(req.Amount)
	err := s.ledger.Mint(c.Request.Context(), callerFrom(c), token, common.HexToAddress(req.To), amount)
	metrics.ObserveOperation("token_mint", err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token.Hex(), "to": req.To, "amount": amount.String()})
}

// approveToken 调用方授权 spender
func (s *Server) approveToken(c *gin.Context) {
	token, ok := addressParam(c, "token")
	if !ok {
		return
	}
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount, _ := parseAmount(req.Amount)
	err := s.ledger.Approve(c.Request.Context(), token, callerFrom(c), common.HexToAddress(req.Spender), amount)
	metrics.ObserveOperation("token_approve", err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token.Hex(), "spender": req.Spender, "amount": amount.String()})
}

// transferToken 调用方直接转账
func (s *Server) transferToken(c *gin.Context) {
	token, ok := addressParam(c, "token")
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount, _ := parseAmount(req.Amount)
	err := s.ledger.Transfer(c.Request.Context(), token, callerFrom(c), common.HexToAddress(req.To), amount)
	metrics.ObserveOperation("token_transfer", err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token.Hex(), "to": req.To, "amount": amount.String()})
}
