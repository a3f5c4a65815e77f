package models

import (
	"math/big"
	"time"
)

// HeirShare 继承人及其比例
type HeirShare struct {
	Address string `json:"address"` // 继承人地址
	Percent uint8  `json:"percent"` // 继承比例 [0,100]
}

// SwitchSnapshot 开关对外快照
type SwitchSnapshot struct {
	ID                     uint64      `json:"id"`                        // 开关ID
	TargetUser             string      `json:"target_user"`               // 目标用户
	Spender                string      `json:"spender"`                   // 被授权的划转地址
	Heirs                  []HeirShare `json:"heirs"`                     // 继承人列表，顺序即划转顺序
	NoActivityPeriodSecond int64       `json:"no_activity_period_second"` // 静默期（秒）
	LastActiveTs           int64       `json:"last_active_ts"`            // 最近一次报活时间（Unix秒）
	WatchedAssets          []string    `json:"watched_assets"`            // 监控资产，顺序即划转顺序
	Lifecycle              string      `json:"lifecycle"`                 // active / killed / distributed
	EventSeq               uint64      `json:"event_seq"`                 // 最新事件序号
	CreatedAt              time.Time   `json:"created_at"`                // 创建时间
	TriggerableAt          int64       `json:"triggerable_at"`            // 可触发时间（Unix秒）
	SettlementStartedAt    *time.Time  `json:"settlement_started_at,omitempty"` // 分配已落盘但未完成时的开始时间
}

// Payout 单笔预计或实际划转
type Payout struct {
	Asset     string   `json:"asset"`     // 资产合约
	Recipient string   `json:"recipient"` // 继承人
	Percent   uint8    `json:"percent"`   // 比例
	Allowance *big.Int `json:"allowance"` // 触发时观察到的授权额度
	Amount    *big.Int `json:"amount"`    // allowance * percent / 100
}
