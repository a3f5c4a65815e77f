package api

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogFilter 日志查询条件，零值表示不过滤
type LogFilter struct {
	Level    string
	SwitchID string
	Since    time.Time
}

func (f LogFilter) match(e *LogEntry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if f.SwitchID != "" && fmt.Sprint(e.Fields["switch_id"]) != f.SwitchID {
		return false
	}
	return true
}

// LogManager 最近日志的环形缓冲
type LogManager struct {
	logs    []LogEntry
	next    int
	full    bool
	maxLogs int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		logs:    make([]LogEntry, maxLogs),
		maxLogs: maxLogs,
	}
}

// AddLog 添加日志，超出容量时覆盖最旧的一条
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.logs[lm.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	}
	lm.next = (lm.next + 1) % lm.maxLogs
	if lm.next == 0 {
		lm.full = true
	}
}

// ordered 按时间先后返回全部日志，需持读锁
func (lm *LogManager) ordered() []LogEntry {
	if !lm.full {
		return lm.logs[:lm.next]
	}
	out := make([]LogEntry, 0, lm.maxLogs)
	out = append(out, lm.logs[lm.next:]...)
	return append(out, lm.logs[:lm.next]...)
}

// GetLogs 按条件返回最新的 limit 条日志
func (lm *LogManager) GetLogs(filter LogFilter, limit int) []LogEntry {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	all := lm.ordered()
	matched := make([]LogEntry, 0)
	for i := range all {
		if filter.match(&all[i]) {
			matched = append(matched, all[i])
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Len 当前缓存的日志条数
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if lm.full {
		return lm.maxLogs
	}
	return lm.next
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, lm.maxLogs)
	lm.next = 0
	lm.full = false
}

// LogHook 日志钩子
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 调试日志不进入缓冲
func (h *LogHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

// getLogs 查询最近日志
func (s *Server) getLogs(c *gin.Context) {
	filter := LogFilter{
		Level:    c.Query("level"),
		SwitchID: c.Query("switch_id"),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			badRequest(c, fmt.Errorf("since 需为 RFC3339 时间: %w", err))
			return
		}
		filter.Since = t
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		badRequest(c, fmt.Errorf("无效的 limit: %s", c.Query("limit")))
		return
	}

	logs := s.logManager.GetLogs(filter, limit)
	c.JSON(http.StatusOK, gin.H{
		"logs":  logs,
		"count": len(logs),
		"total": s.logManager.Len(),
	})
}

// clearLogs 清空日志缓冲
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}
