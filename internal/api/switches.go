package api

import (
	stderrors "errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"deadswitch/internal/deadman"
	"deadswitch/internal/errors"
	"deadswitch/internal/metrics"
	"deadswitch/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var validatorsOnce sync.Once

// registerValidators 注册请求体校验使用的自定义规则
func registerValidators() {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("ethaddr", func(fl validator.FieldLevel) bool {
			return common.IsHexAddress(fl.Field().String())
		})
		_ = v.RegisterValidation("uint256", func(fl validator.FieldLevel) bool {
			_, ok := parseAmount(fl.Field().String())
			return ok
		})
	})
}

// parseAmount 解析十进制非负整数
func parseAmount(s string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() < 0 || amount.BitLen() > 256 {
		return nil, false
	}
	return amount, true
}

type heirRequest struct {
	Address string `json:"address" binding:"required,ethaddr"`
	Percent uint8  `json:"percent" binding:"lte=100"`
}

type registerRequest struct {
	TargetUser       string        `json:"target_user" binding:"required,ethaddr"`
	Heirs            []heirRequest `json:"heirs" binding:"required,min=1,dive"`
	NoActivityPeriod int64         `json:"no_activity_period" binding:"required,gt=0,lte=9223372036"` // 秒，上限为 time.Duration 可表示的范围
}

type assetsRequest struct {
	Assets []string `json:"assets" binding:"required,min=1,dive,ethaddr"`
}

type depositRequest struct {
	Amount string `json:"amount" binding:"required,uint256"`
}

// switchFromPath 按路径参数加载开关
func (s *Server) switchFromPath(c *gin.Context) (*deadman.Switch, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("无效的开关ID: %s", c.Param("id")))
		return nil, false
	}
	sw, err := s.manager.Get(id)
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}
	return sw, true
}

// registerSwitch 注册开关，调用方必须是目标用户本人
func (s *Server) registerSwitch(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	target := common.HexToAddress(req.TargetUser)
	if caller := callerFrom(c); caller != target {
		s.writeError(c, errors.ErrUnauthorized.WithMessage("只能为自己注册开关").WithContext("caller", caller.Hex()))
		return
	}

	heirs := make([]deadman.Heir, len(req.Heirs))
	for i, h := range req.Heirs {
		heirs[i] = deadman.Heir{Address: common.HexToAddress(h.Address), Percent: h.Percent}
	}

	sw, err := s.manager.Register(c.Request.Context(), deadman.Config{
		TargetUser:       target,
		Heirs:            heirs,
		NoActivityPeriod: time.Duration(req.NoActivityPeriod) * time.Second,
	})
	metrics.ObserveOperation("register", err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sw.Snapshot())
}

// listSwitches 列出全部开关，可按 lifecycle 过滤
func (s *Server) listSwitches(c *gin.Context) {
	lifecycle := c.Query("lifecycle")

	list := make([]*models.SwitchSnapshot, 0)
	for _, sw := range s.manager.List() {
		snap := sw.Snapshot()
		if lifecycle != "" && snap.Lifecycle != lifecycle {
			continue
		}
		list = append(list, snap)
	}
	c.JSON(http.StatusOK, gin.H{
		"switches": list,
		"total":    len(list),
	})
}

// getSwitch 开关快照
func (s *Server) getSwitch(c *gin.Context) {
	sw, ok := s.switchFromPath(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sw.Snapshot())
}

// getHeir 按下标读取继承人
func (s *Server) getHeir(c *gin.Context) {
	sw, ok := s.switchFromPath(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, fmt.Errorf("无效的继承人下标: %s", c.Param("index")))
		return
	}
	heir, err := sw.Heir(index)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.HeirShare{Address: heir.Address.Hex(), Percent: heir.Percent})
}

// previewSwitch 若此刻触发时的划转预览
func (s *Server) previewSwitch(c *gin.Context) {
	sw, ok := s.switchFromPath(c)
	if !ok {
		return
	}
	payouts, err := sw.Preview(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"switch_id": sw.ID(),
		"lifecycle": sw.Lifecycle().String(),
		"payouts":   payouts,
	})
}

// listEvents 按序号分页读取事件
func (s *Server) listEvents(c *gin.Context) {
	sw, ok := s.switchFromPath(c)
	if !ok {
		return
	}
	from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("无效的 from: %s", c.Query("from")))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		badRequest(c, fmt.Errorf("limit 必须在 1 到 1000 之间"))
		return
	}

	events, err := s.manager.Events(c.Request.Context(), sw.ID(), from, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"switch_id": sw.ID(),
		"events":    events,
		"count":     len(events),
	})
}

// addAssets 按请求顺序批量添加监控资产
func (s *Server) addAssets(c *gin.Context) {
	sw, ok := s.switchFromPath(c)
	if !ok {
		return
	}
	var req assetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	assets := make([]common.Address, len(req.Assets))
	for i, a := range req.Assets {
		assets[i] = common.HexToAddress(a)
	}
	err := sw.AddAssets(c.Request.Context(), callerFrom(c), assets)
	metrics.ObserveOperation("add_assets", err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sw.Snapshot())
}

// pingSwitch 目标用户报活
func (s *Server) pingSwitch(c *gin.Context) {
	sw, ok := s.switchFromPath(c)
	if !ok {
		return
	}
	err := sw.Ping(c.Request.Context(), callerFrom(c))
	metrics.ObserveOperation("ping", err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	snap := sw.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"switch_id":      snap.ID,
		"last_active_ts": snap.LastActiveTs,
		"triggerable_at": snap.TriggerableAt,
	})
}

// checkSwitch 任何人都可调用；部分划转时开关已进入终态，返回结果并附带错误
func (s *Server) checkSwitch(c *gin.Context) {
	sw, ok := s.switchFromPath(c)
	if !ok {
		return
	}
	res, err := sw.Check(c.Request.Context(), callerFrom(c))
	metrics.ObserveOperation("check", err)
	if err != nil {
		if res != nil && stderrors.Is(err, errors.ErrPartialSettlement) {
			c.JSON(http.StatusOK, gin.H{
				"triggered":      res.Triggered,
				"triggerable_at": res.TriggerableAt,
				"events":         res.Events,
				"partial":        true,
				"error":          err.Error(),
			})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// killSwitch 目标用户关闭开关
func (s *Server) killSwitch(c *gin.Context) {
	sw, ok := s.switchFromPath(c)
	if !ok {
		return
	}
	err := sw.Kill(c.Request.Context(), callerFrom(c))
	metrics.ObserveOperation("kill", err)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sw.Snapshot())
}

// depositSwitch 直接转入开关的价值一律拒绝
func (s *Server) depositSwitch(c *gin.Context) {
	sw, ok := s.switchFromPath(c)
	if !ok {
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount, _ := parseAmount(req.Amount)
	err := sw.Receive(c.Request.Context(), callerFrom(c), amount)
	metrics.ObserveOperation("receive", err)
	s.writeError(c, err)
}
