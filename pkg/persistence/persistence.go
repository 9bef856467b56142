package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Service 持久化服务接口
type Service interface {
	NewStore(prefix, id, tag string) Store
}

// Store 存储接口
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
}

// ErrNotExists 表示数据不存在
var ErrNotExists = errors.New("persistence data not exists")

// JSONFileService 基于 JSON 文件的持久化服务
// 用于订单表快照：关闭时保存，重启时加载，把在途订单送回对账路径。
type JSONFileService struct {
	baseDir string
}

// NewJSONFileService 创建 JSON 文件持久化服务
func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{baseDir: baseDir}
}

// NewStore 创建新的存储
func (s *JSONFileService) NewStore(prefix, id, tag string) Store {
	key := strings.Join([]string{prefix, id, tag}, "-")
	return &JSONFileStore{
		path: filepath.Join(s.baseDir, sanitizeKey(key)+".json"),
	}
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func sanitizeKey(key string) string {
	return unsafeKeyChars.ReplaceAllString(key, "_")
}

// JSONFileStore JSON 文件存储实现
type JSONFileStore struct {
	path string
}

// Save 保存数据（整文件覆盖）
func (s *JSONFileStore) Save(data interface{}) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.Wrap(err, "创建快照目录失败")
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "序列化快照失败")
	}
	// 先写临时文件再改名，避免半截快照
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return errors.Wrap(err, "写入快照失败")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "替换快照失败")
}

// Load 加载数据
func (s *JSONFileStore) Load(data interface{}) error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return errors.Wrap(err, "读取快照失败")
	}
	return errors.Wrap(json.Unmarshal(b, data), "解析快照失败")
}
