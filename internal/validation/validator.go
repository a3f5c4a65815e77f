package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deadswitch/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// MaxHeirs 单个开关允许的最大继承人数
const MaxHeirs = 64

// MaxAssetsPerSwitch 单个开关允许监控的最大资产数
const MaxAssetsPerSwitch = 256

// Validator 数据验证器
type Validator struct {
	logger       *logrus.Logger
	strictMode   bool // 严格模式下告警也视为错误
	errorHandler *errors.ErrorHandler
	rules        map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                  `json:"valid"`
	Errors   []*errors.SwitchError `json:"errors,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
	DataType string                `json:"data_type"`
}

// Err 返回第一个错误，验证通过时为 nil
func (r *ValidationResult) Err() error {
	if r == nil || r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

func (r *ValidationResult) fail(err *errors.SwitchError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// HeirInput 待校验的继承人
type HeirInput struct {
	Address common.Address
	Percent uint8
}

// Registration 待校验的注册参数
type Registration struct {
	TargetUser       common.Address
	Heirs            []HeirInput
	NoActivityPeriod time.Duration
}

// AssetBatch 待追加的资产批次
type AssetBatch struct {
	Existing []common.Address
	Incoming []common.Address
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:       logger,
		strictMode:   strictMode,
		errorHandler: errors.NewErrorHandler(logger),
		rules:        make(map[string]ValidationRule),
	}

	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewRegistrationValidationRule())
	v.AddRule(NewAssetBatchValidationRule())

	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateRegistration 验证注册参数
func (v *Validator) ValidateRegistration(reg *Registration) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		DataType: "registration",
		Errors:   make([]*errors.SwitchError, 0),
		Warnings: make([]string, 0),
	}
	if reg == nil {
		result.fail(errors.ErrInvalidHeirs.WithContext("reason", "注册参数为空"))
		return result
	}

	v.applyRule("registration", reg, result)
	if !result.Valid {
		return result
	}

	// 告警项：不影响注册，但值得提示
	var sum int
	seen := make(map[common.Address]struct{}, len(reg.Heirs))
	for _, heir := range reg.Heirs {
		sum += int(heir.Percent)
		if _, dup := seen[heir.Address]; dup {
			result.Warnings = append(result.Warnings, fmt.Sprintf("继承人 %s 重复出现", heir.Address.Hex()))
		}
		seen[heir.Address] = struct{}{}
		if heir.Address == reg.TargetUser {
			result.Warnings = append(result.Warnings, "继承人包含目标用户本人")
		}
	}
	if sum < 100 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("继承比例合计 %d%%，剩余部分留在目标用户钱包", sum))
	}

	if v.strictMode && len(result.Warnings) > 0 {
		result.fail(errors.ErrInvalidHeirs.WithMessage("严格模式: %s", strings.Join(result.Warnings, "; ")))
	}

	for _, w := range result.Warnings {
		v.logger.Debugf("注册参数告警: %s", w)
	}
	return result
}

// ValidateAssets 验证待追加的资产批次
func (v *Validator) ValidateAssets(existing, incoming []common.Address) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		DataType: "assets",
		Errors:   make([]*errors.SwitchError, 0),
	}
	v.applyRule("assets", &AssetBatch{Existing: existing, Incoming: incoming}, result)
	return result
}

// ValidateAddress 验证十六进制地址字符串
func (v *Validator) ValidateAddress(addr string) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		DataType: "address",
	}
	v.applyRule("address", addr, result)
	return result
}

func (v *Validator) applyRule(name string, data interface{}, result *ValidationResult) {
	rule, exists := v.rules[name]
	if !exists {
		return
	}
	if err := rule.Validate(data); err != nil {
		if se, ok := err.(*errors.SwitchError); ok {
			result.fail(se)
		} else {
			result.fail(errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityMedium,
				"RULE_VALIDATION_FAILED", fmt.Sprintf("%s规则验证失败", name)))
		}
		_ = v.errorHandler.HandleError(context.Background(), result.Errors[len(result.Errors)-1])
	}
}

// IsValidAddress 验证地址格式
func IsValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return false
	}
	return common.IsHexAddress(addr)
}

// ParseAddress 解析非零地址
func ParseAddress(addr string) (common.Address, error) {
	if !IsValidAddress(addr) {
		return common.Address{}, errors.ErrInvalidAddress.WithContext("address", addr)
	}
	parsed := common.HexToAddress(addr)
	if parsed == (common.Address{}) {
		return common.Address{}, errors.ErrInvalidAddress.WithMessage("地址不能为零地址")
	}
	return parsed, nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}
	_, err := ParseAddress(addr)
	return err
}

// RegistrationValidationRule 注册参数验证规则
type RegistrationValidationRule struct{}

func NewRegistrationValidationRule() *RegistrationValidationRule {
	return &RegistrationValidationRule{}
}

func (r *RegistrationValidationRule) Name() string {
	return "registration"
}

func (r *RegistrationValidationRule) Description() string {
	return "开关注册参数验证规则"
}

func (r *RegistrationValidationRule) Validate(data interface{}) error {
	reg, ok := data.(*Registration)
	if !ok {
		return fmt.Errorf("数据类型不是注册参数")
	}

	if reg.TargetUser == (common.Address{}) {
		return errors.ErrInvalidAddress.WithMessage("目标用户不能为零地址")
	}
	if reg.NoActivityPeriod < time.Second {
		return errors.ErrInvalidPeriod.WithContext("period", reg.NoActivityPeriod.String())
	}
	if reg.NoActivityPeriod%time.Second != 0 {
		return errors.ErrInvalidPeriod.WithMessage("静默期必须是整秒: %s", reg.NoActivityPeriod)
	}
	if len(reg.Heirs) == 0 {
		return errors.ErrInvalidHeirs.WithMessage("继承人列表不能为空")
	}
	if len(reg.Heirs) > MaxHeirs {
		return errors.ErrInvalidHeirs.WithMessage("继承人数量超过上限 %d", MaxHeirs)
	}

	var sum int
	for i, heir := range reg.Heirs {
		if heir.Address == (common.Address{}) {
			return errors.ErrInvalidHeirs.WithMessage("第 %d 个继承人地址为零地址", i)
		}
		if heir.Percent > 100 {
			return errors.ErrInvalidHeirs.WithMessage("第 %d 个继承人比例 %d 超出 [0,100]", i, heir.Percent)
		}
		sum += int(heir.Percent)
	}
	if sum > 100 {
		return errors.ErrInvalidHeirs.WithMessage("继承比例合计 %d 超过 100", sum)
	}
	return nil
}

// AssetBatchValidationRule 资产批次验证规则
type AssetBatchValidationRule struct{}

func NewAssetBatchValidationRule() *AssetBatchValidationRule {
	return &AssetBatchValidationRule{}
}

func (r *AssetBatchValidationRule) Name() string {
	return "assets"
}

func (r *AssetBatchValidationRule) Description() string {
	return "监控资产批次验证规则"
}

func (r *AssetBatchValidationRule) Validate(data interface{}) error {
	batch, ok := data.(*AssetBatch)
	if !ok {
		return fmt.Errorf("数据类型不是资产批次")
	}

	if len(batch.Existing)+len(batch.Incoming) > MaxAssetsPerSwitch {
		return errors.ErrInvalidAddress.WithMessage("监控资产数量超过上限 %d", MaxAssetsPerSwitch)
	}

	seen := make(map[common.Address]struct{}, len(batch.Existing)+len(batch.Incoming))
	for _, a := range batch.Existing {
		seen[a] = struct{}{}
	}
	for _, a := range batch.Incoming {
		if a == (common.Address{}) {
			return errors.ErrInvalidAddress.WithMessage("资产地址不能为零地址")
		}
		if _, dup := seen[a]; dup {
			return errors.ErrAssetAlreadyWatched.WithContext("asset", a.Hex())
		}
		seen[a] = struct{}{}
	}
	return nil
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"error_stats":      v.errorHandler.GetStats(),
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
