package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"alert-trader/internal/intent"
	"alert-trader/internal/option"
)

// Store 维护各频道的未平仓合约，并在每次变更后整体写回 JSON 文件。
type Store struct {
	path   string
	logger *zap.Logger

	mu        sync.Mutex
	positions map[string][]Position
}

// Open 加载持仓文件；文件缺失或损坏时以空仓库启动。
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, errors.New("position: 持仓文件路径不能为空")
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	s := &Store{
		path:   path,
		logger: logger,
	}
	s.positions = s.load()

	return s, nil
}

func (s *Store) load() map[string][]Position {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("读取持仓文件失败，使用空仓库", zap.String("path", s.path), zap.Error(err))
		}
		return make(map[string][]Position)
	}

	positions := make(map[string][]Position)
	if err := json.Unmarshal(data, &positions); err != nil {
		s.logger.Warn("持仓文件已损坏，使用空仓库", zap.String("path", s.path), zap.Error(err))
		return make(map[string][]Position)
	}
	return positions
}

// save 需在持有锁时调用。先写临时文件再原子替换。
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.positions, "", "  ")
	if err != nil {
		return fmt.Errorf("position: 序列化持仓失败: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("position: 创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("position: 写入持仓文件失败: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("position: 关闭临时文件失败: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("position: 替换持仓文件失败: %w", err)
	}
	return nil
}

// Add 为频道追加一条新持仓并持久化。不做去重。
func (s *Store) Add(channelID int64, in intent.TradeIntent) (Position, error) {
	pos := Position{
		TradeID:       uuid.NewString(),
		Symbol:        in.Ticker,
		Strike:        in.Strike,
		Type:          in.OptionType,
		Expiration:    in.Expiration,
		PurchasePrice: in.Price.Amount,
		Size:          in.Size,
		OpenedAt:      time.Now().UTC(),
	}
	if pos.Size == "" {
		pos.Size = intent.SizeFull
	}

	key := channelKey(channelID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[key] = append(s.positions[key], pos)
	if err := s.save(); err != nil {
		s.positions[key] = s.positions[key][:len(s.positions[key])-1]
		if len(s.positions[key]) == 0 {
			delete(s.positions, key)
		}
		return Position{}, err
	}

	s.logger.Info("新增持仓",
		zap.String("channel_id", key),
		zap.String("trade_id", pos.TradeID),
		zap.String("contract", pos.Contract().String()),
	)
	return pos, nil
}

// Find 查找频道内的持仓：query 给出 ticker 时按合约从新到旧匹配，
// 否则返回最近一次新增的持仓。
//
// 完整合约按四元组精确匹配；不完整时只比较给出的 strike、expiration、type。
// ticker 未命中时返回未找到，不退回到最近一次持仓。
func (s *Store) Find(channelID int64, query option.Contract) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.positions[channelKey(channelID)]
	if len(active) == 0 {
		return Position{}, false
	}

	if query.Symbol == "" {
		return active[len(active)-1], true
	}

	for i := len(active) - 1; i >= 0; i-- {
		if active[i].matches(query) {
			return active[i], true
		}
	}
	return Position{}, false
}

// Remove 按 trade_id 删除持仓；不存在时不做任何事。
func (s *Store) Remove(channelID int64, tradeID string) error {
	key := channelKey(channelID)

	s.mu.Lock()
	defer s.mu.Unlock()

	active, ok := s.positions[key]
	if !ok {
		return nil
	}

	kept := make([]Position, 0, len(active))
	for _, p := range active {
		if p.TradeID != tradeID {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(active) {
		return nil
	}

	if len(kept) == 0 {
		delete(s.positions, key)
	} else {
		s.positions[key] = kept
	}

	if err := s.save(); err != nil {
		s.positions[key] = active
		return err
	}

	s.logger.Info("已清除持仓", zap.String("channel_id", key), zap.String("trade_id", tradeID))
	return nil
}

// List 返回某频道持仓的副本，按新增顺序排列。
func (s *Store) List(channelID int64) []Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Position(nil), s.positions[channelKey(channelID)]...)
}

// Snapshot 返回全部频道持仓的副本。
func (s *Store) Snapshot() map[string][]Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = append([]Position(nil), v...)
	}
	return out
}

func channelKey(channelID int64) string {
	return strconv.FormatInt(channelID, 10)
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建目录 %q 失败: %w", path, err)
	}
	return nil
}

func (p Position) matches(query option.Contract) bool {
	if query.Complete() {
		return p.Contract().Equal(query)
	}
	if !strings.EqualFold(p.Symbol, query.Symbol) {
		return false
	}
	if !query.Strike.IsZero() && !p.Strike.Equal(query.Strike) {
		return false
	}
	if query.Expiration != "" && p.Expiration != query.Expiration {
		return false
	}
	if query.Type != "" && p.Type != query.Type {
		return false
	}
	return true
}
