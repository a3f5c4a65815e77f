package auth

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"deadswitch/internal/config"
	"deadswitch/internal/errors"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// 请求头
const (
	HeaderCaller    = "X-Caller"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

const messagePrefix = "deadswitch"

// Message 待签名的消息：deadswitch:<METHOD>:<PATH>:<unix秒>:<keccak256(body)>
func Message(method, path string, ts int64, body []byte) string {
	return fmt.Sprintf("%s:%s:%s:%d:%s", messagePrefix, strings.ToUpper(method), path, ts, crypto.Keccak256Hash(body).Hex())
}

// Sign 以 personal_sign 方式签名，返回 0x 前缀的 65 字节签名
func Sign(key *ecdsa.PrivateKey, method, path string, ts int64, body []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(Message(method, path, ts, body))), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Recover 从签名恢复签名地址，兼容 v 为 0/1 或 27/28，拒绝 s 位于上半区的可延展签名
func Recover(message string, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("签名长度错误: %d", len(signature))
	}
	sig := append([]byte(nil), signature...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], r, s, true) {
		return common.Address{}, fmt.Errorf("签名取值无效")
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verifier 校验请求签名，拒绝过期与重放的请求
type Verifier struct {
	maxSkew time.Duration
	seen    *cache.Cache[string, struct{}]
	now     func() time.Time
	logger  *logrus.Logger
}

// NewVerifier 创建签名校验器
func NewVerifier(cfg *config.AuthConfig, logger *logrus.Logger) *Verifier {
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	size := cfg.ReplayCacheSize
	if size <= 0 {
		size = 10000
	}
	return &Verifier{
		maxSkew: maxSkew,
		seen:    cache.New(cache.AsLRU[string, struct{}](lru.WithCapacity(size))),
		now:     time.Now,
		logger:  logger,
	}
}

// Verify 校验签名属于声明的调用方，成功时返回调用方地址
func (v *Verifier) Verify(method, path, callerHex, tsStr, sigHex string, body []byte) (common.Address, error) {
	if !common.IsHexAddress(callerHex) {
		return common.Address{}, errors.ErrUnauthorized.WithMessage("缺少或无效的调用方地址")
	}
	caller := common.HexToAddress(callerHex)

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return common.Address{}, errors.ErrUnauthorized.WithMessage("无效的时间戳").WithContext("caller", caller.Hex())
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return common.Address{}, errors.ErrUnauthorized.WithMessage("请求时间戳超出允许偏差").
			WithContext("caller", caller.Hex()).
			WithContext("skew", skew.String())
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, errors.ErrUnauthorized.WithMessage("无效的签名编码").WithContext("caller", caller.Hex())
	}
	message := Message(method, path, ts, body)
	signer, err := Recover(message, sig)
	if err != nil {
		return common.Address{}, errors.ErrUnauthorized.WithMessage("签名校验失败").WithCause(err)
	}
	if signer != caller {
		return common.Address{}, errors.ErrUnauthorized.WithMessage("签名地址与调用方不一致").
			WithContext("caller", caller.Hex()).
			WithContext("signer", signer.Hex())
	}

	// 同一签名者的同一条消息在有效窗口内只能使用一次，与签名的编码方式无关
	key := crypto.Keccak256Hash(signer.Bytes(), []byte(message)).Hex()
	if _, ok := v.seen.Get(key); ok {
		v.logger.WithField("caller", caller.Hex()).Warn("拒绝重放请求")
		return common.Address{}, errors.ErrUnauthorized.WithMessage("重复的请求签名").WithContext("caller", caller.Hex())
	}
	v.seen.Set(key, struct{}{}, cache.WithExpiration(2*v.maxSkew))

	return caller, nil
}
