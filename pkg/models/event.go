package models

import (
	"math/big"
	"strconv"
	"time"
)

// EventKind 事件类型
type EventKind string

const (
	EventAssetAdded           EventKind = "asset_added"           // 新增监控资产
	EventLivenessAcknowledged EventKind = "liveness_acknowledged" // 目标用户报活
	EventFundsSent            EventKind = "funds_sent"            // 向继承人划转
	EventTriggered            EventKind = "triggered"             // 开关触发
	EventKilled               EventKind = "killed"                // 开关被关闭
)

// KillReasonUser 目标用户主动关闭
const KillReasonUser = "user"

// Event 开关事件，按 Seq 严格递增追加
type Event struct {
	ID        string    `json:"id"`                  // 事件ID (uuid)
	SwitchID  uint64    `json:"switch_id"`           // 开关ID
	Seq       uint64    `json:"seq"`                 // 开关内事件序号，从1开始
	Kind      EventKind `json:"kind"`                // 事件类型
	Timestamp time.Time `json:"timestamp"`           // 事件时间
	Caller    string    `json:"caller,omitempty"`    // 调用方地址
	Asset     string    `json:"asset,omitempty"`     // 资产合约地址
	Recipient string    `json:"recipient,omitempty"` // 收款继承人
	Percent   uint8     `json:"percent,omitempty"`   // 继承比例
	Amount    *big.Int  `json:"amount,omitempty"`    // 划转金额
	Reason    string    `json:"reason,omitempty"`    // 关闭原因

	// Unconfirmed 交易已广播但未确认，可能已上链，不会重发
	Unconfirmed bool `json:"unconfirmed,omitempty"`
}

// Key 事件分区键，同一开关的事件落在同一分区以保持顺序
func (e *Event) Key() string {
	return strconv.FormatUint(e.SwitchID, 10)
}

// ToKafkaMessage 转换为Kafka消息格式
func (e *Event) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"id":        e.ID,
		"switch_id": e.SwitchID,
		"seq":       e.Seq,
		"kind":      string(e.Kind),
		"timestamp": e.Timestamp.Unix(),
	}
	if e.Caller != "" {
		msg["caller"] = e.Caller
	}
	if e.Asset != "" {
		msg["asset"] = e.Asset
	}
	if e.Kind == EventFundsSent {
		msg["recipient"] = e.Recipient
		msg["percent"] = e.Percent
		amount := "0"
		if e.Amount != nil {
			amount = e.Amount.String()
		}
		msg["amount"] = amount
		if e.Unconfirmed {
			msg["unconfirmed"] = true
		}
	}
	if e.Reason != "" {
		msg["reason"] = e.Reason
	}
	return msg
}
